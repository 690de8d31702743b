package permissionshttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/tecsuporte/helpdesk/internal/permissions"
	"github.com/tecsuporte/helpdesk/internal/shared"
)

const (
	writeLimit  = 30
	writeWindow = time.Minute
)

// MountRoutes registers the API under the given router, normally at
// /api/permissions.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(writeLimit, writeWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)

	r.Get("/modules", h.listModules)
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Resolve)
		r.Get("/me", h.me)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(permissions.ModuleConfiguracoes, false))
		r.Get("/profiles", h.listProfiles)
		r.Get("/profiles/{id}", h.getProfile)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.Require(permissions.ModuleConfiguracoes, true))
		r.Use(limiter)
		r.Post("/profiles", h.createProfile)
		r.Put("/profiles/{id}", h.updateProfile)
		r.Delete("/profiles/{id}", h.deleteProfile)
		r.Put("/profiles/{id}/grants", h.setGrants)
	})
}

func profileID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

func rateLimitKey(r *http.Request) (string, error) {
	if user := strings.TrimSpace(shared.ActorFromContext(r.Context())); user != "" {
		return "user:" + user, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
