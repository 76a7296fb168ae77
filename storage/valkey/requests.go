package valkey

import (
	"context"
	"net/url"
	"time"

	"github.com/openidx/idp/request"
)

const (
	kindRequest       = "authreq"
	kindPushedRequest = "par"
)

// RequestStore persists pending authorization requests under their
// request ID with a TTL matching the request's expiry.
type RequestStore struct {
	s *Store
}

func (r *RequestStore) Register(ctx context.Context, req *request.AuthorizationRequest) error {
	return r.s.setJSON(ctx, r.s.key(kindRequest, req.TenantID, req.ID), req, req.ExpiresAt)
}

func (r *RequestStore) Find(ctx context.Context, tenantID, id string) (*request.AuthorizationRequest, error) {
	var req request.AuthorizationRequest
	if err := r.s.getJSON(ctx, r.s.key(kindRequest, tenantID, id), &req, request.ErrNotFound); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *RequestStore) Delete(ctx context.Context, tenantID, id string) error {
	return r.s.delete(ctx, r.s.key(kindRequest, tenantID, id))
}

// DeleteExpired is a no-op; expiry is enforced by key TTLs.
func (r *RequestStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

type pushedRequestJSON struct {
	Params map[string][]string `json:"params"`
}

// PushedRequestStore persists PAR parameter sets under their request_uri.
// Consume uses GETDEL so a request_uri resolves at most once.
type PushedRequestStore struct {
	s *Store
}

// Register stores the pushed parameter set until expiresAt.
func (p *PushedRequestStore) Register(ctx context.Context, tenantID, requestURI string, params url.Values, expiresAt time.Time) error {
	return p.s.setJSON(ctx, p.s.key(kindPushedRequest, tenantID, requestURI),
		&pushedRequestJSON{Params: params}, expiresAt)
}

func (p *PushedRequestStore) Consume(ctx context.Context, tenantID, requestURI string) (url.Values, error) {
	var stored pushedRequestJSON
	if err := p.s.getDelJSON(ctx, p.s.key(kindPushedRequest, tenantID, requestURI), &stored, request.ErrNotFound); err != nil {
		return nil, err
	}
	return url.Values(stored.Params), nil
}

// DeleteExpired is a no-op; expiry is enforced by key TTLs.
func (p *PushedRequestStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
