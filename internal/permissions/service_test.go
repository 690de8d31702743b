package permissions

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecsuporte/helpdesk/internal/platform/httpx"
	"github.com/tecsuporte/helpdesk/internal/shared"
)

type adminRepo struct {
	*memoryRepo
	replaced map[string][]Grant
	created  []ProfileInput
	deleted  []string
}

func newAdminRepo() *adminRepo {
	return &adminRepo{memoryRepo: newMemoryRepo(), replaced: make(map[string][]Grant)}
}

func (r *adminRepo) ListProfiles(context.Context) ([]Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	return out, nil
}

func (r *adminRepo) CreateProfile(_ context.Context, in ProfileInput) (Profile, error) {
	r.created = append(r.created, in)
	p := Profile{ID: uuid.NewString(), Name: in.Name, Description: in.Description, IsAdmin: in.IsAdmin, Editable: true}
	r.put(p)
	return p, nil
}

func (r *adminRepo) UpdateProfile(_ context.Context, id string, in ProfileInput) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	if !p.Editable {
		return Profile{}, ErrProfileLocked
	}
	p.Name, p.Description, p.IsAdmin = in.Name, in.Description, in.IsAdmin
	r.profiles[id] = p
	return p, nil
}

func (r *adminRepo) DeleteProfile(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return ErrNotFound
	}
	if !p.Editable {
		return ErrProfileLocked
	}
	delete(r.profiles, id)
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *adminRepo) ReplaceGrants(_ context.Context, profileID string, grants []Grant) ([]Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.profiles[profileID]; !ok {
		return nil, ErrNotFound
	} else if !p.Editable {
		return nil, ErrProfileLocked
	}
	r.replaced[profileID] = grants
	r.grants[profileID] = grants
	return grants, nil
}

func (r *adminRepo) ListEditWithoutRead(context.Context) ([]Grant, error) {
	return nil, nil
}

func (r *adminRepo) GrantReadWhereEdit(context.Context) (int64, error) {
	return 0, nil
}

type auditSpy struct {
	logs []shared.AuditLog
}

func (a *auditSpy) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type publisherSpy struct {
	profiles []string
	err      error
}

func (p *publisherSpy) ProfileChanged(_ context.Context, profileID string) error {
	p.profiles = append(p.profiles, profileID)
	return p.err
}

func TestNormalizeGrants(t *testing.T) {
	grants, err := NormalizeGrants("p1", []GrantInput{
		{Module: "Financeiro", Edit: true},
		{Module: "estoque", Read: true},
		{Module: "chamados"},
	})
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, Grant{ProfileID: "p1", Module: ModuleFinanceiro, Read: true, Edit: true}, grants[0])
	assert.Equal(t, Grant{ProfileID: "p1", Module: ModuleEstoque, Read: true}, grants[1])

	_, err = NormalizeGrants("p1", []GrantInput{{Module: "payroll", Read: true}})
	assert.ErrorIs(t, err, ErrUnknownModule)
	assert.True(t, IsClientError(err))

	_, err = NormalizeGrants("p1", []GrantInput{{Module: "finance", Read: true}, {Module: "financeiro"}})
	assert.ErrorIs(t, err, ErrDuplicateModule)
}

func TestServiceSetGrantsNormalisesAuditsAndPublishes(t *testing.T) {
	repo := newAdminRepo()
	id := uuid.NewString()
	repo.put(Profile{ID: id, Name: "Suporte", Editable: true})
	audit := &auditSpy{}
	events := &publisherSpy{}
	svc := NewService(repo, audit, events, nil)

	stored, err := svc.SetGrants(context.Background(), "actor-1", id, []GrantInput{
		{Module: "chamados", Edit: true},
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Read)
	assert.True(t, stored[0].Edit)
	assert.Equal(t, stored, repo.replaced[id])

	require.Len(t, audit.logs, 1)
	assert.Equal(t, "SET_GRANTS", audit.logs[0].Action)
	assert.Equal(t, "actor-1", audit.logs[0].ActorID)
	assert.Equal(t, id, audit.logs[0].EntityID)
	assert.Equal(t, []string{id}, events.profiles)
}

func TestServiceRejectsBadInput(t *testing.T) {
	repo := newAdminRepo()
	svc := NewService(repo, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.SetGrants(ctx, "a", "not-a-uuid", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.GetProfile(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.CreateProfile(ctx, "a", ProfileInput{Name: "   "})
	assert.ErrorIs(t, err, httpx.ErrValidation)
	assert.Empty(t, repo.created)

	_, err = svc.SetGrants(ctx, "a", uuid.NewString(), []GrantInput{{Module: "x", Read: true}})
	assert.True(t, IsClientError(err))
}

func TestServiceLockedProfile(t *testing.T) {
	repo := newAdminRepo()
	id := uuid.NewString()
	repo.put(Profile{ID: id, Name: "Administrador", IsAdmin: true, Editable: false})
	events := &publisherSpy{}
	svc := NewService(repo, nil, events, nil)
	ctx := context.Background()

	_, err := svc.UpdateProfile(ctx, "a", id, ProfileInput{Name: "Root"})
	assert.ErrorIs(t, err, ErrProfileLocked)
	assert.ErrorIs(t, svc.DeleteProfile(ctx, "a", id), ErrProfileLocked)
	_, err = svc.SetGrants(ctx, "a", id, nil)
	assert.ErrorIs(t, err, ErrProfileLocked)
	assert.Empty(t, events.profiles)
}

func TestServiceCreateGetAndDelete(t *testing.T) {
	repo := newAdminRepo()
	audit := &auditSpy{}
	events := &publisherSpy{err: errors.New("redis down")}
	svc := NewService(repo, audit, events, nil)
	ctx := context.Background()

	p, err := svc.CreateProfile(ctx, "a", ProfileInput{Name: "  Faturamento ", Description: " cobrança "})
	require.NoError(t, err)
	assert.Equal(t, "Faturamento", p.Name)
	assert.Equal(t, "cobrança", repo.created[0].Description)

	detail, err := svc.GetProfile(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, detail.ID)
	assert.NotNil(t, detail.Grants)

	_, err = svc.GetProfile(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	// Publish failures are logged, not returned.
	require.NoError(t, svc.DeleteProfile(ctx, "a", p.ID))
	assert.Equal(t, []string{p.ID}, repo.deleted)
	assert.Equal(t, []string{p.ID}, events.profiles)
	require.Len(t, audit.logs, 2)
	assert.Equal(t, "DELETE", audit.logs[1].Action)
}
