package permissions

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestRegistryKeepsOneResolverPerSession(t *testing.T) {
	loader := newGatedLoader()
	loader.set("p1", profileState("p1", false, Grant{Module: ModuleChamados, Read: true}), false)
	loader.set("p2", profileState("p2", true), false)
	metrics := NewMetrics(prometheus.NewRegistry())
	reg := NewRegistry(loader, nil, metrics)
	defer reg.Close()

	a := reg.ForSession("s1", staff("u1", "p1"))
	b := reg.ForSession("s2", staff("u2", "p2"))
	require.NotSame(t, a, b)
	assert.Same(t, a, reg.ForSession("s1", staff("u1", "p1")))
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.resolvers))

	assert.True(t, waitSettled(t, a).CanRead(ModuleChamados))
	assert.False(t, waitSettled(t, a).IsAdmin())
	assert.True(t, waitSettled(t, b).IsAdmin())

	// A profile change on the same session re-resolves in place.
	reg.ForSession("s1", staff("u1", "p2"))
	assert.True(t, waitSettled(t, a).IsAdmin())
}

func TestRegistryDropClosesResolver(t *testing.T) {
	loader := newGatedLoader()
	loader.set("p1", profileState("p1", true), false)
	reg := NewRegistry(loader, nil, nil)

	r := reg.ForSession("s1", staff("u1", "p1"))
	require.True(t, waitSettled(t, r).IsAdmin())

	reg.Drop("s1")
	reg.Drop("missing")
	assert.Zero(t, reg.Len())
	assert.False(t, r.IsAdmin())
	assert.NotSame(t, r, reg.ForSession("s1", staff("u1", "p1")))
	reg.Close()
	assert.Zero(t, reg.Len())
}

func TestRegistrySweepDropsIdleSessions(t *testing.T) {
	loader := newGatedLoader()
	loader.set("p1", profileState("p1", false), false)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	reg := NewRegistry(loader, nil, nil)
	reg.now = clock.Now
	defer reg.Close()

	reg.ForSession("old", staff("u1", "p1"))
	clock.now = clock.now.Add(20 * time.Minute)
	reg.ForSession("fresh", staff("u2", "p1"))
	clock.now = clock.now.Add(15 * time.Minute)

	assert.Equal(t, 1, reg.Sweep(30*time.Minute))
	assert.Equal(t, 1, reg.Len())
	assert.Zero(t, reg.Sweep(30*time.Minute))
}

func TestRegistryRefreshProfileTargetsMatchingSessions(t *testing.T) {
	loader := newGatedLoader()
	loader.set("p1", profileState("p1", false), false)
	loader.set("p2", profileState("p2", false), false)
	reg := NewRegistry(loader, nil, nil)
	defer reg.Close()

	first := reg.ForSession("s1", staff("u1", "p1"))
	second := reg.ForSession("s2", staff("u2", "p1"))
	other := reg.ForSession("s3", staff("u3", "p2"))
	reg.ForSession("s4", client("c1"))
	for _, r := range []*Resolver{first, second, other} {
		waitSettled(t, r)
	}

	loader.set("p1", profileState("p1", false, Grant{Module: ModuleFaturamento, Read: true, Edit: true}), false)
	assert.Equal(t, 2, reg.RefreshProfile("p1"))
	assert.True(t, waitSettled(t, first).CanEdit(ModuleFaturamento))
	assert.True(t, waitSettled(t, second).CanEdit(ModuleFaturamento))
	assert.False(t, waitSettled(t, other).CanRead(ModuleFaturamento))
	assert.Zero(t, reg.RefreshProfile("unknown"))
}

func TestRegistryRefreshProfileSkipsLookupInFlight(t *testing.T) {
	repo := newSnapshotRepo()
	repo.put(Profile{ID: "p1"}, Grant{ProfileID: "p1", Module: ModuleEstoque, Read: true})
	defer close(repo.release)
	reg := NewRegistry(NewLoader(repo, nil), nil, nil)
	defer reg.Close()

	res := reg.ForSession("s1", staff("u1", "p1"))
	<-repo.read

	// Grant revoked while the first lookup still holds the old rows.
	repo.put(Profile{ID: "p1"})
	require.Equal(t, 1, reg.RefreshProfile("p1"))

	state := waitSettled(t, res)
	assert.False(t, state.CanRead(ModuleEstoque))
	assert.Empty(t, state.Grants)
}

func TestRegistryRunClosesOnCancel(t *testing.T) {
	loader := newGatedLoader()
	loader.set("p1", profileState("p1", false), false)
	reg := NewRegistry(loader, nil, nil)
	reg.ForSession("s1", staff("u1", "p1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.Run(ctx, 10*time.Millisecond, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("registry did not stop")
	}
	assert.Zero(t, reg.Len())
}

func TestRedisEventsDeliverProfileChanges(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	events := NewRedisEvents(rdb, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan string, 1)
	require.NoError(t, events.Listen(ctx, func(profileID string) {
		received <- profileID
	}))

	require.NoError(t, events.ProfileChanged(ctx, "p1"))
	select {
	case got := <-received:
		assert.Equal(t, "p1", got)
	case <-time.After(2 * time.Second):
		t.Fatal("profile change not delivered")
	}
}

func TestRedisEventsNilClientIsNoop(t *testing.T) {
	var events *RedisEvents
	assert.NoError(t, events.ProfileChanged(context.Background(), "p1"))
	assert.NoError(t, NewRedisEvents(nil, nil).Listen(context.Background(), func(string) {}))
}
