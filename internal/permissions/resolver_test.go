package permissions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecsuporte/helpdesk/internal/identity"
)

func waitSettled(t *testing.T, r *Resolver) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	state, err := r.Wait(ctx)
	require.NoError(t, err)
	return state
}

func TestResolverLoadsStaffProfile(t *testing.T) {
	loader := newGatedLoader()
	loader.set("p1", profileState("p1", false, Grant{Module: ModuleFinanceiro, Read: true}), false)
	src := identity.NewSource()
	src.Set(staff("u1", "p1"))

	r := NewResolver(src, loader, nil, nil)
	defer r.Close()

	state := waitSettled(t, r)
	assert.True(t, state.CanRead(ModuleFinanceiro))
	assert.False(t, state.CanEdit(ModuleFinanceiro))
	assert.False(t, state.CanRead(ModuleEstoque))
	assert.NoError(t, r.Err())
	assert.Equal(t, "p1", r.Identity().ProfileID)
}

func TestResolverReportsLoadingUntilSettled(t *testing.T) {
	loader := newGatedLoader()
	gate := loader.set("p1", profileState("p1", true), true)
	src := identity.NewSource()
	src.Set(staff("u1", "p1"))

	r := NewResolver(src, loader, nil, nil)
	defer r.Close()

	assert.True(t, r.State().Loading)
	assert.False(t, r.CanRead(ModuleDashboard))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	state, err := r.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, state.Loading)

	close(gate)
	state = waitSettled(t, r)
	assert.False(t, state.Loading)
	assert.True(t, state.IsAdmin())
}

func TestResolverStaffToClientResets(t *testing.T) {
	loader := newGatedLoader()
	loader.set("p1", profileState("p1", true), false)
	src := identity.NewSource()
	src.Set(staff("u1", "p1"))

	r := NewResolver(src, loader, nil, nil)
	defer r.Close()
	require.True(t, waitSettled(t, r).IsAdmin())

	src.Set(client("u1"))

	state := r.State()
	assert.Nil(t, state.Profile)
	assert.Empty(t, state.Grants)
	assert.False(t, state.Loading)
	assert.True(t, state.Client)
	assert.False(t, r.IsAdmin())
}

func TestResolverDiscardsSupersededResult(t *testing.T) {
	loader := newGatedLoader()
	slow := loader.set("p1", profileState("p1", true), true)
	loader.set("p2", profileState("p2", false, Grant{Module: ModuleChamados, Read: true}), false)
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	src := identity.NewSource()
	src.Set(staff("u1", "p1"))

	r := NewResolver(src, loader, nil, metrics)
	defer r.Close()
	require.True(t, r.State().Loading)

	src.Set(staff("u1", "p2"))
	state := waitSettled(t, r)
	require.NotNil(t, state.Profile)
	assert.Equal(t, "p2", state.Profile.ID)

	close(slow)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.resolutions.WithLabelValues(outcomeStale)) == 1
	}, time.Second, 5*time.Millisecond)

	state = r.State()
	assert.Equal(t, "p2", state.Profile.ID)
	assert.False(t, state.IsAdmin())
	assert.False(t, r.CanEdit(ModuleUsuarios))
}

func TestResolverSignOutClearsState(t *testing.T) {
	loader := newGatedLoader()
	loader.set("p1", profileState("p1", true), false)
	src := identity.NewSource()
	src.Set(staff("u1", "p1"))

	r := NewResolver(src, loader, nil, nil)
	defer r.Close()
	waitSettled(t, r)

	src.Clear()
	state := r.State()
	assert.Nil(t, state.Profile)
	assert.False(t, state.Client)
	assert.Nil(t, r.Identity())
}

func TestResolverRefreshRefetches(t *testing.T) {
	loader := newGatedLoader()
	loader.set("p1", profileState("p1", false), false)
	src := identity.NewSource()
	src.Set(staff("u1", "p1"))

	r := NewResolver(src, loader, nil, nil)
	defer r.Close()
	assert.False(t, waitSettled(t, r).CanRead(ModuleEstoque))

	loader.set("p1", profileState("p1", false, Grant{Module: ModuleEstoque, Read: true}), false)
	r.Refresh()
	assert.True(t, waitSettled(t, r).CanRead(ModuleEstoque))
}

func TestResolverOnChangeAndClose(t *testing.T) {
	loader := newGatedLoader()
	loader.set("p1", profileState("p1", false), false)
	src := identity.NewSource()

	r := NewResolver(src, loader, nil, nil)

	var (
		mu   sync.Mutex
		seen []State
	)
	stop := r.OnChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	src.Set(staff("u1", "p1"))
	waitSettled(t, r)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.True(t, seen[0].Loading)
	assert.False(t, seen[1].Loading)
	mu.Unlock()

	stop()
	r.Close()
	r.Close()
	assert.Nil(t, r.State().Profile)

	// Closed resolvers ignore identity changes.
	src.Set(staff("u1", "p2"))
	assert.Nil(t, r.Identity())
	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()
}
