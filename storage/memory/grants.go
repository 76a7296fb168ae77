package memory

import (
	"context"
	"sync"

	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/session"
)

// GrantedStore holds accumulated per-(tenant, client, subject) consent
// records.
type GrantedStore struct {
	mu      sync.RWMutex
	granted map[string]*grant.AuthorizationGranted
}

func NewGrantedStore() *GrantedStore {
	return &GrantedStore{granted: make(map[string]*grant.AuthorizationGranted)}
}

func grantedKey(tenantID, clientID, subject string) string {
	return key(tenantID, clientID+"\x00"+subject)
}

func (s *GrantedStore) Find(ctx context.Context, tenantID, clientID, subject string) (*grant.AuthorizationGranted, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.granted[grantedKey(tenantID, clientID, subject)]
	if !ok {
		return nil, grant.ErrGrantedNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *GrantedStore) Register(ctx context.Context, granted *grant.AuthorizationGranted) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *granted
	s.granted[grantedKey(granted.TenantID, granted.ClientID, granted.Subject)] = &cp
	return nil
}

func (s *GrantedStore) Update(ctx context.Context, granted *grant.AuthorizationGranted) error {
	return s.Register(ctx, granted)
}

// SessionStore holds browser sessions keyed by (tenant, session key).
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.OAuthSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*session.OAuthSession)}
}

func (s *SessionStore) Find(ctx context.Context, tenantID, sessionKey string) (*session.OAuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key(tenantID, sessionKey)]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *SessionStore) Register(ctx context.Context, sess *session.OAuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	s.sessions[key(sess.TenantID, sess.Key)] = &cp
	return nil
}

func (s *SessionStore) Update(ctx context.Context, sess *session.OAuthSession) error {
	return s.Register(ctx, sess)
}

func (s *SessionStore) Delete(ctx context.Context, tenantID, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, key(tenantID, sessionKey))
	return nil
}
