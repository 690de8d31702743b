package guard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tecsuporte/helpdesk/internal/identity"
	"github.com/tecsuporte/helpdesk/internal/permissions"
	"github.com/tecsuporte/helpdesk/internal/platform/httpx"
	"github.com/tecsuporte/helpdesk/internal/shared"
	"github.com/tecsuporte/helpdesk/internal/view"
)

// DefaultWait bounds how long a request waits for a resolver to settle before
// the loading placeholder is rendered.
const DefaultWait = 2 * time.Second

// Resolvers hands out the resolver owned by a session.
type Resolvers interface {
	ForSession(sessionID string, id *identity.Identity) *permissions.Resolver
	Drop(sessionID string)
}

// Renderer renders placeholder pages.
type Renderer interface {
	Render(w http.ResponseWriter, name string, data view.TemplateData) error
}

// Middleware gates chi routes on module capabilities.
type Middleware struct {
	Resolvers  Resolvers
	Identities identity.Repository
	Templates  Renderer
	Logger     *slog.Logger
	Wait       time.Duration
	LoginPath  string
}

// Resolve loads the request's identity and permission state into the context
// without checking any module. Anonymous requests are sent to the login page.
func (m Middleware) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access, ok := m.access(w, r)
		if !ok {
			return
		}
		if access.State.Loading {
			m.renderLoading(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithAccess(r.Context(), access)))
	})
}

// Require renders the wrapped handler only when the identity may read module,
// or edit it when requireEdit is set.
func (m Middleware) Require(module permissions.Module, requireEdit bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			access, ok := m.access(w, r)
			if !ok {
				return
			}
			switch Decide(access.State, module, requireEdit) {
			case Allow:
				next.ServeHTTP(w, r.WithContext(ContextWithAccess(r.Context(), access)))
			case Loading:
				m.renderLoading(w, r)
			default:
				m.logger().Info("access denied",
					slog.String("user_id", access.Identity.UserID),
					slog.String("module", string(module)),
					slog.Bool("edit", requireEdit),
				)
				m.renderDenied(w, r, module)
			}
		})
	}
}

func (m Middleware) access(w http.ResponseWriter, r *http.Request) (Access, bool) {
	if access, ok := AccessFromContext(r.Context()); ok {
		return access, true
	}
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || strings.TrimSpace(sess.User()) == "" {
		m.unauthenticated(w, r)
		return Access{}, false
	}

	id, err := m.Identities.FindByUserID(r.Context(), sess.User())
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			m.Resolvers.Drop(sess.ID)
			m.unauthenticated(w, r)
			return Access{}, false
		}
		m.logger().Error("load identity", slog.String("user_id", sess.User()), slog.Any("error", err))
		m.Resolvers.Drop(sess.ID)
		m.renderDenied(w, r, "")
		return Access{}, false
	}

	resolver := m.Resolvers.ForSession(sess.ID, id)
	ctx, cancel := context.WithTimeout(r.Context(), m.wait())
	defer cancel()
	state, err := resolver.Wait(ctx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		m.logger().Warn("wait for permissions", slog.Any("error", err))
	}
	return Access{Identity: id, State: state}, true
}

func (m Middleware) unauthenticated(w http.ResponseWriter, r *http.Request) {
	if wantsJSON(r) {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	login := m.LoginPath
	if login == "" {
		login = "/auth/login"
	}
	http.Redirect(w, r, login+"?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusSeeOther)
}

func (m Middleware) renderLoading(w http.ResponseWriter, r *http.Request) {
	retry := int(m.wait().Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	if wantsJSON(r) {
		httpx.Problem(w, http.StatusServiceUnavailable, "Permissions Loading", "permissions are still being resolved")
		return
	}
	m.render(w, r, http.StatusServiceUnavailable, "guard/loading.html", view.TemplateData{
		Title:       "Carregando permissões",
		CurrentPath: r.URL.Path,
		Data:        map[string]any{"Retry": retry},
	})
}

func (m Middleware) renderDenied(w http.ResponseWriter, r *http.Request, module permissions.Module) {
	if wantsJSON(r) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "access to this module is not granted")
		return
	}
	label := ""
	if module != "" {
		label = module.Label()
	}
	m.render(w, r, http.StatusForbidden, "guard/denied.html", view.TemplateData{
		Title:       "Acesso negado",
		CurrentPath: r.URL.Path,
		Data:        map[string]any{"Module": label},
	})
}

func (m Middleware) render(w http.ResponseWriter, r *http.Request, status int, name string, data view.TemplateData) {
	if m.Templates == nil {
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := m.Templates.Render(w, name, data); err != nil {
		m.logger().Error("render guard placeholder", slog.String("template", name), slog.Any("error", err))
	}
}

func (m Middleware) wait() time.Duration {
	if m.Wait > 0 {
		return m.Wait
	}
	return DefaultWait
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") || strings.HasPrefix(r.URL.Path, "/api/")
}
