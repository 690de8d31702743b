package permissions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tecsuporte/helpdesk/internal/identity"
)

// DefaultIdleTTL is how long an unused session resolver is kept.
const DefaultIdleTTL = 30 * time.Minute

type sessionEntry struct {
	source   *identity.Source
	resolver *Resolver
	lastSeen time.Time
}

// Registry keeps one resolver per session. State lives in memory only and dies
// with the session.
type Registry struct {
	loader  StateLoader
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

// NewRegistry constructs an empty Registry.
func NewRegistry(loader StateLoader, logger *slog.Logger, metrics *Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		loader:  loader,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		entries: make(map[string]*sessionEntry),
	}
}

// ForSession feeds id into the session's identity source, creating the
// resolver on first use, and returns the resolver.
func (r *Registry) ForSession(sessionID string, id *identity.Identity) *Resolver {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	if !ok {
		source := identity.NewSource()
		source.Set(id)
		entry = &sessionEntry{source: source}
		entry.resolver = NewResolver(source, r.loader, r.logger, r.metrics)
		r.entries[sessionID] = entry
		r.metrics.setResolvers(len(r.entries))
	}
	entry.lastSeen = r.now()
	source := entry.source
	resolver := entry.resolver
	r.mu.Unlock()

	if ok {
		source.Set(id)
	}
	return resolver
}

// Drop tears down the resolver of a session.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	entry, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	r.metrics.setResolvers(len(r.entries))
	r.mu.Unlock()

	if ok {
		entry.resolver.Close()
	}
}

// Sweep drops resolvers unused for longer than idle and returns how many.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := r.now().Add(-idle)
	r.mu.Lock()
	var stale []*sessionEntry
	for id, entry := range r.entries {
		if entry.lastSeen.Before(cutoff) {
			stale = append(stale, entry)
			delete(r.entries, id)
		}
	}
	r.metrics.setResolvers(len(r.entries))
	r.mu.Unlock()

	for _, entry := range stale {
		entry.resolver.Close()
	}
	return len(stale)
}

// lookupForgetter is implemented by loaders that share in-flight lookups.
type lookupForgetter interface {
	Forget(profileID string)
}

// RefreshProfile re-resolves every session whose identity references
// profileID and returns how many were refreshed. A lookup already running for
// the profile may predate the change, so refreshed sessions never join it.
func (r *Registry) RefreshProfile(profileID string) int {
	if f, ok := r.loader.(lookupForgetter); ok {
		f.Forget(profileID)
	}
	r.mu.Lock()
	var targets []*Resolver
	for _, entry := range r.entries {
		if id := entry.resolver.Identity(); id != nil && id.ProfileID == profileID {
			targets = append(targets, entry.resolver)
		}
	}
	r.mu.Unlock()

	for _, res := range targets {
		res.Refresh()
	}
	return len(targets)
}

// Len returns the number of live resolvers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run sweeps idle resolvers every interval until ctx ends, then closes them all.
func (r *Registry) Run(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if idle <= 0 {
		idle = DefaultIdleTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-ticker.C:
			if n := r.Sweep(idle); n > 0 {
				r.logger.Debug("swept idle permission resolvers", slog.Int("count", n))
			}
		}
	}
}

// Close drops every resolver.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*sessionEntry)
	r.metrics.setResolvers(0)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.resolver.Close()
	}
}
