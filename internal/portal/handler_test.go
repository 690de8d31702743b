package portal

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecsuporte/helpdesk/internal/guard"
	"github.com/tecsuporte/helpdesk/internal/identity"
	"github.com/tecsuporte/helpdesk/internal/permissions"
	"github.com/tecsuporte/helpdesk/internal/shared"
	"github.com/tecsuporte/helpdesk/internal/view"
)

type fixedGate struct {
	access guard.Access
}

func (g fixedGate) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(guard.ContextWithAccess(r.Context(), g.access)))
	})
}

func (g fixedGate) Require(m permissions.Module, edit bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if guard.Decide(g.access.State, m, edit) != guard.Allow {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			g.Resolve(next).ServeHTTP(w, r)
		})
	}
}

func financeAccess() guard.Access {
	return guard.Access{
		Identity: &identity.Identity{UserID: "u-1", Name: "Ana", Kind: identity.KindStaff, ProfileID: "p1"},
		State: permissions.State{
			Profile: &permissions.Profile{ID: "p1", Name: "Financeiro"},
			Grants: []permissions.Grant{
				{ProfileID: "p1", Module: permissions.ModuleFinanceiro, Read: true, Edit: true},
				{ProfileID: "p1", Module: permissions.ModuleEstoque, Read: true, Edit: false},
			},
		},
	}
}

func serve(t *testing.T, access guard.Access, path string) *httptest.ResponseRecorder {
	t.Helper()
	templates, err := view.NewEngine()
	require.NoError(t, err)
	h := NewHandler(nil, templates, shared.NewCSRFManager("secret"), fixedGate{access: access})
	r := chi.NewRouter()
	r.Route("/portal", h.MountRoutes)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req = req.WithContext(shared.ContextWithSession(req.Context(), &shared.Session{ID: "s1"}))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestVisibleFollowsGrants(t *testing.T) {
	visible := Visible(financeAccess().State)
	require.Len(t, visible, 2)
	byModule := map[permissions.Module]permissions.Capability{}
	for _, c := range visible {
		byModule[c.Module] = c
	}
	assert.True(t, byModule[permissions.ModuleFinanceiro].Edit)
	assert.False(t, byModule[permissions.ModuleEstoque].Edit)
}

func TestVisibleEmptyWithoutProfile(t *testing.T) {
	assert.Empty(t, Visible(permissions.Empty()))
	assert.Len(t, Visible(permissions.ClientState()), len(permissions.Modules()))
}

func TestIndexListsReadableModules(t *testing.T) {
	rec := serve(t, financeAccess(), "/portal/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Financeiro")
	assert.Contains(t, body, "Estoque")
	assert.NotContains(t, body, "/portal/clientes")
}

func TestModuleRoutesAreGuarded(t *testing.T) {
	assert.Equal(t, http.StatusOK, serve(t, financeAccess(), "/portal/financeiro/edit").Code)
	assert.Equal(t, http.StatusOK, serve(t, financeAccess(), "/portal/estoque").Code)
	assert.Equal(t, http.StatusForbidden, serve(t, financeAccess(), "/portal/estoque/edit").Code)
	assert.Equal(t, http.StatusForbidden, serve(t, financeAccess(), "/portal/clientes").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, financeAccess(), "/portal/inexistente").Code)
}

func TestModulePageOffersEditLink(t *testing.T) {
	body := serve(t, financeAccess(), "/portal/financeiro").Body.String()
	assert.Contains(t, body, "/portal/financeiro/edit")
	body = serve(t, financeAccess(), "/portal/estoque").Body.String()
	assert.NotContains(t, body, "/portal/estoque/edit")
}

func TestRenderLogsMissingCSRFSession(t *testing.T) {
	templates, err := view.NewEngine()
	require.NoError(t, err)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	h := NewHandler(logger, templates, shared.NewCSRFManager("secret"), fixedGate{access: financeAccess()})
	r := chi.NewRouter()
	r.Route("/portal", h.MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/portal/financeiro", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, logs.String(), "ensure csrf token")
	assert.Contains(t, logs.String(), "level=WARN")
}
