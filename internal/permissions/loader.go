package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tecsuporte/helpdesk/internal/identity"
)

// DefaultLookupTimeout bounds the joined profile and grant lookups.
const DefaultLookupTimeout = 5 * time.Second

// Loader resolves the permission state of an identity against a Repository.
type Loader struct {
	repo    Repository
	logger  *slog.Logger
	timeout time.Duration
	metrics *Metrics
	group   singleflight.Group
}

// LoaderOption customises a Loader.
type LoaderOption func(*Loader)

// WithTimeout overrides DefaultLookupTimeout.
func WithTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithMetrics records resolution outcomes.
func WithMetrics(m *Metrics) LoaderOption {
	return func(l *Loader) {
		l.metrics = m
	}
}

// NewLoader constructs a Loader.
func NewLoader(repo Repository, logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{repo: repo, logger: logger, timeout: DefaultLookupTimeout}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type loaded struct {
	profile *Profile
	grants  []Grant
}

// Load resolves id into a settled State. Client identities and staff without a
// profile never touch the repository. Any lookup failure yields the empty state
// together with an error wrapping ErrPermissionsUnavailable.
func (l *Loader) Load(ctx context.Context, id *identity.Identity) (State, error) {
	if id.IsClient() {
		l.metrics.observe(outcomeClient, 0)
		return ClientState(), nil
	}
	if !id.HasProfile() {
		l.metrics.observe(outcomeNoProfile, 0)
		return Empty(), nil
	}

	start := time.Now()
	ch := l.group.DoChan(id.ProfileID, func() (any, error) {
		return l.fetch(context.WithoutCancel(ctx), id.ProfileID)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		res = singleflight.Result{Err: ctx.Err()}
	case res = <-ch:
	}
	if res.Err != nil {
		if errors.Is(res.Err, context.Canceled) {
			l.metrics.observe(outcomeCanceled, time.Since(start))
			l.logger.Debug("permission lookup canceled", slog.String("profile_id", id.ProfileID))
			return Empty(), fmt.Errorf("%w: %w", ErrPermissionsUnavailable, res.Err)
		}
		l.metrics.observe(outcomeFailed, time.Since(start))
		l.logger.Error("permission lookup failed, denying all modules",
			slog.String("user_id", id.UserID),
			slog.String("profile_id", id.ProfileID),
			slog.Any("error", res.Err),
		)
		return Empty(), fmt.Errorf("%w: %w", ErrPermissionsUnavailable, res.Err)
	}

	data := res.Val.(loaded)
	grants := make([]Grant, len(data.grants))
	copy(grants, data.grants)
	state := State{Grants: grants}
	if data.profile != nil {
		p := *data.profile
		state.Profile = &p
	}
	l.metrics.observe(outcomeLoaded, time.Since(start))
	return state, nil
}

// Forget detaches any in-flight lookup of profileID so the next Load reads
// the store again. Callers already waiting on it keep its result.
func (l *Loader) Forget(profileID string) {
	l.group.Forget(profileID)
}

func (l *Loader) fetch(ctx context.Context, profileID string) (loaded, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var data loaded
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		profile, err := l.repo.GetProfile(ctx, profileID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return fmt.Errorf("profile %s: %w", profileID, err)
		}
		data.profile = profile
		return nil
	})

	g.Go(func() error {
		grants, err := l.repo.ListGrants(ctx, profileID)
		if err != nil {
			return fmt.Errorf("grants of %s: %w", profileID, err)
		}
		data.grants = grants
		return nil
	})

	if err := g.Wait(); err != nil {
		return loaded{}, err
	}
	if data.grants == nil {
		data.grants = []Grant{}
	}
	return data, nil
}
