// Package storage aggregates the persistence backends for the
// authorization server core. The repository contracts themselves live next
// to their consumers (request.Repository, token.Repository,
// ciba.GrantRepository, ...); this package contributes the backends that
// satisfy them and the sweep loop that retires expired short-lived
// artifacts.
//
// Two backends are provided:
//
//   - memory: a mutex-guarded in-process implementation suitable for tests
//     and single-node deployments.
//   - valkey: a Valkey-backed implementation for multi-node deployments,
//     using Lua scripts where single-use semantics require atomicity.
package storage

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper is implemented by stores holding short-lived artifacts
// (authorization requests, code grants, tokens, backchannel requests and
// grants). DeleteExpired removes entries whose expiry precedes now and
// reports how many were removed.
type Sweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// DefaultSweepInterval is how often the janitor runs when no interval is
// configured.
const DefaultSweepInterval = 1 * time.Minute

// Janitor periodically sweeps expired entries from a set of stores.
// Backends that expire entries natively (Valkey key TTLs) register
// sweepers that report zero removals.
type Janitor struct {
	interval time.Duration
	sweepers map[string]Sweeper
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewJanitor creates a janitor over the named sweepers. The name is used
// only for logging.
func NewJanitor(interval time.Duration, sweepers map[string]Sweeper, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		interval: interval,
		sweepers: sweepers,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately; call Stop to
// terminate the loop.
func (j *Janitor) Start() {
	go func() {
		defer close(j.done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stop:
				return
			case <-ticker.C:
				j.sweep()
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for the in-flight sweep, if
// any, to finish.
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	for name, s := range j.sweepers {
		removed, err := s.DeleteExpired(ctx, now)
		if err != nil {
			j.logger.Warn("sweep failed", "store", name, "error", err)
			continue
		}
		if removed > 0 {
			j.logger.Debug("swept expired entries", "store", name, "removed", removed)
		}
	}
}
