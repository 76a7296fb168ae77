// Package memory provides in-process implementations of the storage
// contracts used by the authorization server core. Every store is guarded
// by its own mutex; single-use operations (code consumption, refresh token
// rotation, backchannel grant redemption) delete under the lock so
// concurrent redeemers have exactly one winner.
//
// Data does not survive process restarts. Use the valkey backend for
// multi-node deployments.
package memory

import (
	"github.com/openidx/idp/ciba"
	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/request"
	"github.com/openidx/idp/session"
	"github.com/openidx/idp/token"
)

// Stores bundles one instance of every in-memory store, ready to wire
// into the server.
type Stores struct {
	Requests       *RequestStore
	PushedRequests *PushedRequestStore
	CodeGrants     *CodeGrantStore
	Tokens         *TokenStore
	Granted        *GrantedStore
	Sessions       *SessionStore
	CibaRequests   *CibaRequestStore
	CibaGrants     *CibaGrantStore
}

// NewStores creates a fresh set of empty stores.
func NewStores() *Stores {
	return &Stores{
		Requests:       NewRequestStore(),
		PushedRequests: NewPushedRequestStore(),
		CodeGrants:     NewCodeGrantStore(),
		Tokens:         NewTokenStore(),
		Granted:        NewGrantedStore(),
		Sessions:       NewSessionStore(),
		CibaRequests:   NewCibaRequestStore(),
		CibaGrants:     NewCibaGrantStore(),
	}
}

// Compile-time interface checks.
var (
	_ request.Repository              = (*RequestStore)(nil)
	_ request.PushedRequestRepository = (*PushedRequestStore)(nil)
	_ token.CodeGrantRepository       = (*CodeGrantStore)(nil)
	_ token.Repository                = (*TokenStore)(nil)
	_ grant.GrantedRepository         = (*GrantedStore)(nil)
	_ session.Store                   = (*SessionStore)(nil)
	_ ciba.RequestRepository          = (*CibaRequestStore)(nil)
	_ ciba.GrantRepository            = (*CibaGrantStore)(nil)
)

// key scopes an identifier to its tenant. Tenants never share a keyspace.
func key(tenantID, id string) string {
	return tenantID + "\x00" + id
}
