package memory

import (
	"context"
	"sync"
	"time"

	"github.com/openidx/idp/ciba"
	"github.com/openidx/idp/grant"
)

// CibaRequestStore holds pending backchannel authentication requests.
type CibaRequestStore struct {
	mu       sync.RWMutex
	requests map[string]*ciba.BackchannelAuthenticationRequest
}

func NewCibaRequestStore() *CibaRequestStore {
	return &CibaRequestStore{requests: make(map[string]*ciba.BackchannelAuthenticationRequest)}
}

func (s *CibaRequestStore) Register(ctx context.Context, req *ciba.BackchannelAuthenticationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *req
	s.requests[key(req.TenantID, req.ID)] = &cp
	return nil
}

func (s *CibaRequestStore) Find(ctx context.Context, tenantID, id string) (*ciba.BackchannelAuthenticationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[key(tenantID, id)]
	if !ok {
		return nil, ciba.ErrGrantNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *CibaRequestStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, req := range s.requests {
		if now.UTC().After(req.ExpiresAt) {
			delete(s.requests, k)
			removed++
		}
	}
	return removed, nil
}

// CibaGrantStore holds backchannel grants. Status transitions and
// redemption are conditional under the lock, so concurrent transitions
// have exactly one winner.
type CibaGrantStore struct {
	mu     sync.Mutex
	grants map[string]*ciba.Grant
}

func NewCibaGrantStore() *CibaGrantStore {
	return &CibaGrantStore{grants: make(map[string]*ciba.Grant)}
}

func (s *CibaGrantStore) Register(ctx context.Context, g *ciba.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *g
	s.grants[key(g.TenantID, g.AuthReqID)] = &cp
	return nil
}

func (s *CibaGrantStore) Find(ctx context.Context, tenantID, authReqID string) (*ciba.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[key(tenantID, authReqID)]
	if !ok {
		return nil, ciba.ErrGrantNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *CibaGrantStore) UpdateStatus(ctx context.Context, tenantID, authReqID string, from, to ciba.Status, authorization *grant.AuthorizationGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[key(tenantID, authReqID)]
	if !ok {
		return ciba.ErrGrantNotFound
	}
	if g.Status != from {
		return ciba.ErrStatusConflict
	}
	g.Status = to
	if authorization != nil {
		cp := *authorization
		g.Authorization = &cp
	}
	return nil
}

func (s *CibaGrantStore) UpdatePollTime(ctx context.Context, tenantID, authReqID string, polledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[key(tenantID, authReqID)]
	if !ok {
		return ciba.ErrGrantNotFound
	}
	g.LastPolledAt = polledAt.UTC()
	return nil
}

func (s *CibaGrantStore) ConsumeAuthorized(ctx context.Context, tenantID, authReqID string) (*ciba.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[key(tenantID, authReqID)]
	if !ok {
		return nil, ciba.ErrGrantNotFound
	}
	if g.Status != ciba.StatusAuthorized {
		return nil, ciba.ErrStatusConflict
	}
	g.Status = ciba.StatusConsumed
	cp := *g
	return &cp, nil
}

func (s *CibaGrantStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, g := range s.grants {
		if now.UTC().After(g.ExpiresAt) {
			delete(s.grants, k)
			removed++
		}
	}
	return removed, nil
}
