package memory

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/openidx/idp/request"
)

// RequestStore holds pending authorization requests keyed by
// (tenant, request ID).
type RequestStore struct {
	mu       sync.RWMutex
	requests map[string]*request.AuthorizationRequest
}

func NewRequestStore() *RequestStore {
	return &RequestStore{requests: make(map[string]*request.AuthorizationRequest)}
}

func (s *RequestStore) Register(ctx context.Context, req *request.AuthorizationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *req
	s.requests[key(req.TenantID, req.ID)] = &cp
	return nil
}

func (s *RequestStore) Find(ctx context.Context, tenantID, id string) (*request.AuthorizationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[key(tenantID, id)]
	if !ok {
		return nil, request.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *RequestStore) Delete(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.requests, key(tenantID, id))
	return nil
}

func (s *RequestStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, req := range s.requests {
		if req.Expired(now) {
			delete(s.requests, k)
			removed++
		}
	}
	return removed, nil
}

type pushedRequest struct {
	params    url.Values
	expiresAt time.Time
}

// PushedRequestStore holds parameter sets pushed to the PAR endpoint. A
// request_uri is single-use: Consume removes it under the lock.
type PushedRequestStore struct {
	mu     sync.Mutex
	pushed map[string]pushedRequest
}

func NewPushedRequestStore() *PushedRequestStore {
	return &PushedRequestStore{pushed: make(map[string]pushedRequest)}
}

// Register stores the pushed parameter set under requestURI until
// expiresAt.
func (s *PushedRequestStore) Register(ctx context.Context, tenantID, requestURI string, params url.Values, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushed[key(tenantID, requestURI)] = pushedRequest{params: params, expiresAt: expiresAt.UTC()}
	return nil
}

func (s *PushedRequestStore) Consume(ctx context.Context, tenantID, requestURI string) (url.Values, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(tenantID, requestURI)
	p, ok := s.pushed[k]
	if !ok {
		return nil, request.ErrNotFound
	}
	delete(s.pushed, k)
	if time.Now().UTC().After(p.expiresAt) {
		return nil, request.ErrNotFound
	}
	return p.params, nil
}

func (s *PushedRequestStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, p := range s.pushed {
		if now.UTC().After(p.expiresAt) {
			delete(s.pushed, k)
			removed++
		}
	}
	return removed, nil
}
