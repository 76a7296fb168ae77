package valkey

import (
	"context"
	"time"

	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/session"
)

const (
	kindGranted = "granted"
	kindSession = "session"
)

// GrantedStore persists accumulated consent records keyed by
// (tenant, client, subject). Consent does not expire; no TTL is set.
type GrantedStore struct {
	s *Store
}

func (g *GrantedStore) grantedKey(tenantID, clientID, subject string) string {
	return g.s.key(kindGranted, tenantID, clientID+":"+subject)
}

func (g *GrantedStore) Find(ctx context.Context, tenantID, clientID, subject string) (*grant.AuthorizationGranted, error) {
	var granted grant.AuthorizationGranted
	if err := g.s.getJSON(ctx, g.grantedKey(tenantID, clientID, subject), &granted, grant.ErrGrantedNotFound); err != nil {
		return nil, err
	}
	return &granted, nil
}

func (g *GrantedStore) Register(ctx context.Context, granted *grant.AuthorizationGranted) error {
	return g.s.setJSON(ctx, g.grantedKey(granted.TenantID, granted.ClientID, granted.Subject), granted, time.Time{})
}

func (g *GrantedStore) Update(ctx context.Context, granted *grant.AuthorizationGranted) error {
	return g.Register(ctx, granted)
}

// SessionStore persists browser sessions keyed by (tenant, session key).
type SessionStore struct {
	s *Store
}

func (st *SessionStore) Find(ctx context.Context, tenantID, key string) (*session.OAuthSession, error) {
	var sess session.OAuthSession
	if err := st.s.getJSON(ctx, st.s.key(kindSession, tenantID, key), &sess, session.ErrSessionNotFound); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (st *SessionStore) Register(ctx context.Context, sess *session.OAuthSession) error {
	return st.s.setJSON(ctx, st.s.key(kindSession, sess.TenantID, sess.Key), sess, time.Time{})
}

func (st *SessionStore) Update(ctx context.Context, sess *session.OAuthSession) error {
	return st.Register(ctx, sess)
}

func (st *SessionStore) Delete(ctx context.Context, tenantID, key string) error {
	return st.s.delete(ctx, st.s.key(kindSession, tenantID, key))
}
