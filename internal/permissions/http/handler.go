// Package permissionshttp exposes the permission catalogue, the caller's
// capabilities, and profile administration as a JSON API.
package permissionshttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/tecsuporte/helpdesk/internal/guard"
	"github.com/tecsuporte/helpdesk/internal/permissions"
	"github.com/tecsuporte/helpdesk/internal/platform/httpx"
	"github.com/tecsuporte/helpdesk/internal/shared"
)

// ProfileService is the administrative contract backed by permissions.Service.
type ProfileService interface {
	ListProfiles(ctx context.Context) ([]permissions.Profile, error)
	GetProfile(ctx context.Context, id string) (permissions.ProfileDetail, error)
	CreateProfile(ctx context.Context, actorID string, in permissions.ProfileInput) (permissions.Profile, error)
	UpdateProfile(ctx context.Context, actorID, id string, in permissions.ProfileInput) (permissions.Profile, error)
	DeleteProfile(ctx context.Context, actorID, id string) error
	SetGrants(ctx context.Context, actorID, profileID string, in []permissions.GrantInput) ([]permissions.Grant, error)
}

// Gate guards routes by module capability.
type Gate interface {
	Resolve(next http.Handler) http.Handler
	Require(module permissions.Module, requireEdit bool) func(http.Handler) http.Handler
}

// Handler serves /api/permissions.
type Handler struct {
	logger    *slog.Logger
	service   ProfileService
	gate      Gate
	validator *validator.Validate
}

// NewHandler builds the permissions API handler.
func NewHandler(logger *slog.Logger, service ProfileService, gate Gate) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, gate: gate, validator: validator.New()}
}

type profileRequest struct {
	Name        string `json:"name" validate:"required,max=120"`
	Description string `json:"description" validate:"max=500"`
	IsAdmin     bool   `json:"is_admin"`
}

type grantsRequest struct {
	Grants []permissions.GrantInput `json:"grants" validate:"dive"`
}

type meResponse struct {
	UserID       string                   `json:"user_id"`
	Name         string                   `json:"name"`
	Kind         string                   `json:"kind"`
	IsAdmin      bool                     `json:"is_admin"`
	Profile      *permissions.Profile     `json:"profile,omitempty"`
	Capabilities []permissions.Capability `json:"capabilities"`
}

func (h *Handler) listModules(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"modules": permissions.Catalog()})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	access, ok := guard.AccessFromContext(r.Context())
	if !ok || access.Identity == nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	httpx.JSON(w, http.StatusOK, meResponse{
		UserID:       access.Identity.UserID,
		Name:         access.Identity.Name,
		Kind:         string(access.Identity.Kind),
		IsAdmin:      access.State.IsAdmin(),
		Profile:      access.State.Profile,
		Capabilities: access.State.Capabilities(),
	})
}

func (h *Handler) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.service.ListProfiles(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if profiles == nil {
		profiles = []permissions.Profile{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.GetProfile(r.Context(), profileID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) createProfile(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeProfile(w, r)
	if !ok {
		return
	}
	p, err := h.service.CreateProfile(r.Context(), shared.ActorFromContext(r.Context()), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	in, ok := h.decodeProfile(w, r)
	if !ok {
		return
	}
	p, err := h.service.UpdateProfile(r.Context(), shared.ActorFromContext(r.Context()), profileID(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) deleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteProfile(r.Context(), shared.ActorFromContext(r.Context()), profileID(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setGrants(w http.ResponseWriter, r *http.Request) {
	var req grantsRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !h.validate(w, req) {
		return
	}
	grants, err := h.service.SetGrants(r.Context(), shared.ActorFromContext(r.Context()), profileID(r), req.Grants)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (h *Handler) decodeProfile(w http.ResponseWriter, r *http.Request) (permissions.ProfileInput, bool) {
	var req profileRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return permissions.ProfileInput{}, false
	}
	if !h.validate(w, req) {
		return permissions.ProfileInput{}, false
	}
	return permissions.ProfileInput{Name: req.Name, Description: req.Description, IsAdmin: req.IsAdmin}, true
}

func (h *Handler) validate(w http.ResponseWriter, v any) bool {
	err := h.validator.Struct(v)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		httpx.RespondError(w, err)
		return false
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
	}
	httpx.ValidationProblem(w, fields)
	return false
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, permissions.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "profile not found")
	case errors.Is(err, permissions.ErrProfileLocked):
		httpx.Problem(w, http.StatusConflict, "Conflict", "profile cannot be modified")
	case permissions.IsClientError(err):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("permissions api", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
