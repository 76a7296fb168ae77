// Package valkey provides a Valkey-backed implementation of the storage
// contracts for multi-node deployments. Short-lived artifacts expire
// through key TTLs; single-use operations run as Lua scripts so that
// concurrent redeemers have exactly one winner across nodes.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/openidx/idp/ciba"
	"github.com/openidx/idp/grant"
	"github.com/openidx/idp/request"
	"github.com/openidx/idp/session"
	"github.com/openidx/idp/token"
)

const (
	// DefaultKeyPrefix namespaces all keys written by this backend.
	DefaultKeyPrefix = "idp:"

	connectionVerifyTimeout = 5 * time.Second

	// minTTL floors computed TTLs so entries already at their expiry edge
	// still land with a valid expiration.
	minTTL = 1 * time.Second
)

// Config holds connection settings for the Valkey backend.
type Config struct {
	// Address is the host:port of the Valkey server.
	Address string

	// Password is the optional authentication password.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "idp:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger
}

// Store is the shared Valkey client. Per-contract views are obtained from
// its accessor methods; they all share this client and key prefix.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// New connects to Valkey and verifies the connection with a ping.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("connected to valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{client: client, prefix: prefix, logger: logger}, nil
}

// Close releases the underlying client.
func (s *Store) Close() {
	s.client.Close()
}

// Requests returns the authorization request view.
func (s *Store) Requests() *RequestStore { return &RequestStore{s: s} }

// PushedRequests returns the PAR view.
func (s *Store) PushedRequests() *PushedRequestStore { return &PushedRequestStore{s: s} }

// CodeGrants returns the authorization code grant view.
func (s *Store) CodeGrants() *CodeGrantStore { return &CodeGrantStore{s: s} }

// Tokens returns the issued credential view.
func (s *Store) Tokens() *TokenStore { return &TokenStore{s: s} }

// Granted returns the accumulated consent view.
func (s *Store) Granted() *GrantedStore { return &GrantedStore{s: s} }

// Sessions returns the browser session view.
func (s *Store) Sessions() *SessionStore { return &SessionStore{s: s} }

// CibaRequests returns the backchannel authentication request view.
func (s *Store) CibaRequests() *CibaRequestStore { return &CibaRequestStore{s: s} }

// CibaGrants returns the backchannel grant view.
func (s *Store) CibaGrants() *CibaGrantStore { return &CibaGrantStore{s: s} }

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

func (s *Store) key(kind, tenantID, id string) string {
	return s.prefix + kind + ":" + tenantID + ":" + id
}

// setJSON stores v under key. A zero expiresAt stores without a TTL.
func (s *Store) setJSON(ctx context.Context, key string, v any, expiresAt time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	if expiresAt.IsZero() {
		return s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error()
	}

	ttl := time.Until(expiresAt)
	if ttl < minTTL {
		ttl = minTTL
	}
	return s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error()
}

// getJSON loads key into v. notFound is returned on a missing key.
func (s *Store) getJSON(ctx context.Context, key string, v any, notFound error) error {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return notFound
		}
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// getDelJSON atomically loads and deletes key into v.
func (s *Store) getDelJSON(ctx context.Context, key string, v any, notFound error) error {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return notFound
		}
		return fmt.Errorf("failed to consume %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// getString loads a raw string value. notFound is returned on a missing
// key.
func (s *Store) getString(ctx context.Context, key string, notFound error) (string, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return "", notFound
		}
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) delete(ctx context.Context, keys ...string) error {
	return s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error()
}
