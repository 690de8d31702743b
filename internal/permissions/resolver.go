package permissions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tecsuporte/helpdesk/internal/identity"
)

// StateLoader resolves an identity into a settled State.
type StateLoader interface {
	Load(ctx context.Context, id *identity.Identity) (State, error)
}

// Resolver owns the permission state of one identity source. It re-resolves on
// every identity change and discards results issued for a superseded identity.
type Resolver struct {
	source  *identity.Source
	loader  StateLoader
	logger  *slog.Logger
	metrics *Metrics

	mu          sync.Mutex
	state       State
	current     *identity.Identity
	started     bool
	generation  uint64
	done        chan struct{}
	doneClosed  bool
	cancel      context.CancelFunc
	lastErr     error
	listeners   map[int]func(State)
	nextID      int
	unsubscribe func()
	closed      bool
}

// NewResolver subscribes to source and performs the initial resolution.
func NewResolver(source *identity.Source, loader StateLoader, logger *slog.Logger, metrics *Metrics) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	close(done)
	r := &Resolver{
		source:     source,
		loader:     loader,
		logger:     logger,
		metrics:    metrics,
		state:      Empty(),
		done:       done,
		doneClosed: true,
		listeners:  make(map[int]func(State)),
	}
	r.unsubscribe = source.Subscribe(func(*identity.Identity) {
		r.resolve(false)
	})
	r.resolve(false)
	return r
}

// State returns a copy of the current state.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// Identity returns the identity the current state belongs to.
func (r *Resolver) Identity() *identity.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current.Clone()
}

// Err returns the failure of the last settled resolution, if any.
func (r *Resolver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// CanRead reports whether the current state allows reading m.
func (r *Resolver) CanRead(m Module) bool {
	return r.State().CanRead(m)
}

// CanEdit reports whether the current state allows editing m.
func (r *Resolver) CanEdit(m Module) bool {
	return r.State().CanEdit(m)
}

// IsAdmin reports whether the current profile is an admin profile.
func (r *Resolver) IsAdmin() bool {
	return r.State().IsAdmin()
}

// Wait blocks until the state is no longer loading or ctx ends. On ctx expiry
// the loading state is returned along with the context error.
func (r *Resolver) Wait(ctx context.Context) (State, error) {
	for {
		r.mu.Lock()
		if !r.state.Loading {
			s := r.state.clone()
			r.mu.Unlock()
			return s, nil
		}
		done := r.done
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return r.State(), ctx.Err()
		case <-done:
		}
	}
}

// Refresh re-fetches the state of the current identity.
func (r *Resolver) Refresh() {
	r.resolve(true)
}

// OnChange registers fn to receive every new state and returns a function
// removing it. Listeners run outside the resolver lock.
func (r *Resolver) OnChange(fn func(State)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Close unsubscribes from the identity source and resets the state.
func (r *Resolver) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.generation++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.state = Empty()
	r.current = nil
	r.closeDone()
	r.listeners = make(map[int]func(State))
	unsubscribe := r.unsubscribe
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (r *Resolver) resolve(force bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	id := r.source.Current()
	if r.started && !force && id.Key() == r.current.Key() {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.generation++
	gen := r.generation
	r.current = id
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}

	if id.IsClient() || !id.HasProfile() {
		state := Empty()
		if id.IsClient() {
			state = ClientState()
		}
		r.settle(state, nil)
		r.notify()
		return
	}

	r.state = State{Grants: []Grant{}, Loading: true}
	r.closeDone()
	r.done = make(chan struct{})
	r.doneClosed = false
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.notify()

	go r.run(ctx, gen, id)
}

func (r *Resolver) run(ctx context.Context, gen uint64, id *identity.Identity) {
	state, err := r.loader.Load(ctx, id)

	r.mu.Lock()
	if r.closed || gen != r.generation || id.Key() != r.current.Key() {
		r.mu.Unlock()
		r.metrics.observe(outcomeStale, 0)
		r.logger.Debug("discarding stale permission resolution", slog.String("profile_id", id.ProfileID))
		return
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.settle(state, err)
	r.notify()
}

// settle stores a final state. Callers hold r.mu.
func (r *Resolver) settle(state State, err error) {
	if err != nil {
		state = Empty()
	}
	state.Loading = false
	r.state = state
	r.lastErr = err
	r.closeDone()
}

// notify releases r.mu and fans the current state out to the listeners.
func (r *Resolver) notify() {
	listeners := make([]func(State), 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	snapshot := r.state.clone()
	r.mu.Unlock()

	for _, l := range listeners {
		l(snapshot.clone())
	}
}

func (r *Resolver) closeDone() {
	if !r.doneClosed {
		close(r.done)
		r.doneClosed = true
	}
}
