// Package portal serves the signed-in module pages of the helpdesk portal.
package portal

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tecsuporte/helpdesk/internal/guard"
	"github.com/tecsuporte/helpdesk/internal/permissions"
	"github.com/tecsuporte/helpdesk/internal/shared"
	"github.com/tecsuporte/helpdesk/internal/view"
)

// Gate guards routes by module capability.
type Gate interface {
	Resolve(next http.Handler) http.Handler
	Require(module permissions.Module, requireEdit bool) func(http.Handler) http.Handler
}

// Handler renders the portal index and module pages.
type Handler struct {
	logger    *slog.Logger
	templates *view.Engine
	csrf      *shared.CSRFManager
	gate      Gate
}

// NewHandler builds a portal Handler.
func NewHandler(logger *slog.Logger, templates *view.Engine, csrf *shared.CSRFManager, gate Gate) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, templates: templates, csrf: csrf, gate: gate}
}

// MountRoutes registers /portal routes. Each catalog module gets a read route
// and an edit route.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.gate.Resolve).Get("/", h.index)
	for _, m := range permissions.Modules() {
		r.With(h.gate.Require(m, false)).Get("/"+string(m), h.module(m, false))
		r.With(h.gate.Require(m, true)).Get("/"+string(m)+"/edit", h.module(m, true))
	}
}

// Visible lists the modules a state may open, flagging those it may edit.
// It follows the same decision table as the route guard.
func Visible(state permissions.State) []permissions.Capability {
	out := make([]permissions.Capability, 0)
	for _, e := range permissions.Catalog() {
		if guard.Decide(state, e.Module, false) != guard.Allow {
			continue
		}
		out = append(out, permissions.Capability{
			Module: e.Module,
			Label:  e.Label,
			Read:   true,
			Edit:   guard.Decide(state, e.Module, true) == guard.Allow,
		})
	}
	return out
}

func (h *Handler) index(w http.ResponseWriter, r *http.Request) {
	access, _ := guard.AccessFromContext(r.Context())
	h.render(w, r, "pages/portal.html", "Portal", access, map[string]any{
		"Client":  access.State.Client,
		"Modules": Visible(access.State),
	})
}

func (h *Handler) module(m permissions.Module, editing bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		access, _ := guard.AccessFromContext(r.Context())
		h.render(w, r, "pages/module.html", m.Label(), access, map[string]any{
			"Module":  m,
			"Label":   m.Label(),
			"Editing": editing,
			"CanEdit": guard.Decide(access.State, m, true) == guard.Allow,
		})
	}
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, name, title string, access guard.Access, data map[string]any) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, err := h.csrf.EnsureToken(r.Context(), sess)
	if err != nil {
		h.logger.Warn("ensure csrf token", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	user := ""
	if access.Identity != nil {
		user = access.Identity.Name
	}
	viewData := view.TemplateData{
		Title:       title,
		User:        user,
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	if err := h.templates.Render(w, name, viewData); err != nil {
		h.logger.Error("render portal page", slog.String("template", name), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
