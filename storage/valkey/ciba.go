package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openidx/idp/ciba"
	"github.com/openidx/idp/grant"
)

const (
	kindCibaRequest = "bcreq"
	kindCibaGrant   = "bcgrant"
)

// CibaRequestStore persists pending backchannel authentication requests
// with a TTL matching requested_expiry.
type CibaRequestStore struct {
	s *Store
}

func (c *CibaRequestStore) Register(ctx context.Context, req *ciba.BackchannelAuthenticationRequest) error {
	return c.s.setJSON(ctx, c.s.key(kindCibaRequest, req.TenantID, req.ID), req, req.ExpiresAt)
}

func (c *CibaRequestStore) Find(ctx context.Context, tenantID, id string) (*ciba.BackchannelAuthenticationRequest, error) {
	var req ciba.BackchannelAuthenticationRequest
	if err := c.s.getJSON(ctx, c.s.key(kindCibaRequest, tenantID, id), &req, ciba.ErrGrantNotFound); err != nil {
		return nil, err
	}
	return &req, nil
}

// DeleteExpired is a no-op; expiry is enforced by key TTLs.
func (c *CibaRequestStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// CibaGrantStore persists backchannel grants. Status transitions and
// redemption run as Lua scripts so concurrent transitions have exactly
// one winner across nodes.
//
// Grant keys outlive the protocol expiry by a retention margin so polls
// after expiry still resolve to expired_token rather than invalid_grant.
type CibaGrantStore struct {
	s *Store
}

// grantRetentionMargin keeps expired grants resolvable for late polls.
const grantRetentionMargin = 10 * time.Minute

func (c *CibaGrantStore) Register(ctx context.Context, g *ciba.Grant) error {
	return c.s.setJSON(ctx, c.s.key(kindCibaGrant, g.TenantID, g.AuthReqID), g, g.ExpiresAt.Add(grantRetentionMargin))
}

func (c *CibaGrantStore) Find(ctx context.Context, tenantID, authReqID string) (*ciba.Grant, error) {
	var g ciba.Grant
	if err := c.s.getJSON(ctx, c.s.key(kindCibaGrant, tenantID, authReqID), &g, ciba.ErrGrantNotFound); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *CibaGrantStore) UpdateStatus(ctx context.Context, tenantID, authReqID string, from, to ciba.Status, authorization *grant.AuthorizationGrant) error {
	authJSON := ""
	if authorization != nil {
		data, err := json.Marshal(authorization)
		if err != nil {
			return fmt.Errorf("failed to marshal authorization: %w", err)
		}
		authJSON = string(data)
	}

	result, err := c.s.client.Do(ctx,
		c.s.client.B().Eval().Script(luaCibaUpdateStatus).
			Numkeys(1).
			Key(c.s.key(kindCibaGrant, tenantID, authReqID)).
			Arg(string(from), string(to), authJSON).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to update backchannel grant status: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return ciba.ErrGrantNotFound
	case "CONFLICT":
		return ciba.ErrStatusConflict
	}
	return nil
}

func (c *CibaGrantStore) UpdatePollTime(ctx context.Context, tenantID, authReqID string, polledAt time.Time) error {
	result, err := c.s.client.Do(ctx,
		c.s.client.B().Eval().Script(luaCibaUpdatePollTime).
			Numkeys(1).
			Key(c.s.key(kindCibaGrant, tenantID, authReqID)).
			Arg(polledAt.UTC().Format(time.RFC3339Nano)).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to record backchannel poll time: %w", err)
	}
	if result == "NOT_FOUND" {
		return ciba.ErrGrantNotFound
	}
	return nil
}

func (c *CibaGrantStore) ConsumeAuthorized(ctx context.Context, tenantID, authReqID string) (*ciba.Grant, error) {
	result, err := c.s.client.Do(ctx,
		c.s.client.B().Eval().Script(luaCibaConsumeAuthorized).
			Numkeys(1).
			Key(c.s.key(kindCibaGrant, tenantID, authReqID)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume backchannel grant: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, ciba.ErrGrantNotFound
	case "CONFLICT":
		return nil, ciba.ErrStatusConflict
	}

	var g ciba.Grant
	if err := json.Unmarshal([]byte(result), &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consumed grant: %w", err)
	}
	g.Status = ciba.StatusConsumed
	return &g, nil
}

// DeleteExpired is a no-op; expiry is enforced by key TTLs.
func (c *CibaGrantStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
