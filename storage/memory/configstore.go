package memory

import (
	"context"
	"sync"

	"github.com/openidx/idp"
	"github.com/openidx/idp/config"
)

// ConfigStore is an in-memory config.Repository. Tenants, server
// configurations and client registrations are seeded by the embedding
// process; the core only reads them.
type ConfigStore struct {
	mu      sync.RWMutex
	tenants map[string]*config.Tenant
	servers map[string]*config.ServerConfiguration
	clients map[string]*config.ClientConfiguration
}

var _ config.Repository = (*ConfigStore)(nil)

func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		tenants: make(map[string]*config.Tenant),
		servers: make(map[string]*config.ServerConfiguration),
		clients: make(map[string]*config.ClientConfiguration),
	}
}

// AddTenant registers a tenant and its server configuration. Defaults are
// applied to the server configuration before storing it.
func (s *ConfigStore) AddTenant(tenant *config.Tenant, serverCfg *config.ServerConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	serverCfg.ApplyDefaults()
	s.tenants[tenant.ID] = tenant
	s.servers[tenant.ID] = serverCfg
}

// AddClient registers a client under its tenant.
func (s *ConfigStore) AddClient(tenantID string, client *config.ClientConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[key(tenantID, client.ClientID)] = client
}

func (s *ConfigStore) Tenant(ctx context.Context, tenantID string) (*config.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, idp.NotFound(idp.ErrorCodeInvalidRequest, "unknown tenant")
	}
	cp := *t
	return &cp, nil
}

func (s *ConfigStore) Server(ctx context.Context, tenantID string) (*config.ServerConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.servers[tenantID]
	if !ok {
		return nil, idp.NotFound(idp.ErrorCodeInvalidRequest, "unknown tenant")
	}
	return cfg, nil
}

func (s *ConfigStore) Client(ctx context.Context, tenantID, clientID string) (*config.ClientConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[key(tenantID, clientID)]
	if !ok {
		return nil, idp.NotFound(idp.ErrorCodeInvalidClient, "unknown client")
	}
	return c, nil
}
