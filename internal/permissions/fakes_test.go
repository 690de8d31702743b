package permissions

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tecsuporte/helpdesk/internal/identity"
)

type memoryRepo struct {
	mu       sync.Mutex
	profiles map[string]Profile
	grants   map[string][]Grant
	err      error
	block    chan struct{}

	profileCalls atomic.Int32
	grantCalls   atomic.Int32
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		profiles: make(map[string]Profile),
		grants:   make(map[string][]Grant),
	}
}

func (r *memoryRepo) put(p Profile, grants ...Grant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ID] = p
	r.grants[p.ID] = grants
}

func (r *memoryRepo) wait(ctx context.Context) error {
	if r.block == nil {
		return nil
	}
	select {
	case <-r.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *memoryRepo) GetProfile(ctx context.Context, id string) (*Profile, error) {
	r.profileCalls.Add(1)
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	p, ok := r.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *memoryRepo) ListGrants(ctx context.Context, profileID string) ([]Grant, error) {
	r.grantCalls.Add(1)
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make([]Grant, len(r.grants[profileID]))
	copy(out, r.grants[profileID])
	return out, nil
}

// gatedLoader returns a fixed state per profile, holding each lookup until its
// gate is closed. Lookups ignore cancellation so superseded results still land.
type gatedLoader struct {
	mu     sync.Mutex
	gates  map[string]chan struct{}
	states map[string]State
}

func newGatedLoader() *gatedLoader {
	return &gatedLoader{
		gates:  make(map[string]chan struct{}),
		states: make(map[string]State),
	}
}

func (l *gatedLoader) set(profileID string, state State, gated bool) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[profileID] = state
	if !gated {
		delete(l.gates, profileID)
		return nil
	}
	gate := make(chan struct{})
	l.gates[profileID] = gate
	return gate
}

func (l *gatedLoader) Load(_ context.Context, id *identity.Identity) (State, error) {
	l.mu.Lock()
	gate := l.gates[id.ProfileID]
	state := l.states[id.ProfileID]
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return state, nil
}

func staff(userID, profileID string) *identity.Identity {
	return &identity.Identity{UserID: userID, Kind: identity.KindStaff, ProfileID: profileID}
}

func client(userID string) *identity.Identity {
	return &identity.Identity{UserID: userID, Kind: identity.KindClient}
}

func profileState(id string, admin bool, grants ...Grant) State {
	if grants == nil {
		grants = []Grant{}
	}
	return State{Profile: &Profile{ID: id, Name: id, IsAdmin: admin}, Grants: grants}
}

// snapshotRepo reads grants and then holds the first ListGrants call until
// release is closed, leaving a lookup in flight with data read before a write.
type snapshotRepo struct {
	*memoryRepo
	read    chan struct{}
	release chan struct{}
	first   atomic.Bool
}

func newSnapshotRepo() *snapshotRepo {
	return &snapshotRepo{memoryRepo: newMemoryRepo(), read: make(chan struct{}), release: make(chan struct{})}
}

func (r *snapshotRepo) ListGrants(ctx context.Context, profileID string) ([]Grant, error) {
	grants, err := r.memoryRepo.ListGrants(ctx, profileID)
	if r.first.CompareAndSwap(false, true) {
		close(r.read)
		<-r.release
	}
	return grants, err
}
