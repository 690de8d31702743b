package app

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/tecsuporte/helpdesk/internal/observability"
	"github.com/tecsuporte/helpdesk/internal/platform/httpx"
	"github.com/tecsuporte/helpdesk/internal/shared"
)

const (
	requestsPerMinute = 120
	apiPrefix         = "/api/"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Metrics        *observability.Metrics
}

// sessionWriter persists the session right before the first header write so
// the rotated cookie reaches the client.
type sessionWriter struct {
	http.ResponseWriter
	ctx       context.Context
	sess      *shared.Session
	sessions  *shared.SessionManager
	logger    *slog.Logger
	committed bool
}

func (w *sessionWriter) commit() {
	if w.committed {
		return
	}
	w.committed = true
	if err := w.sessions.Commit(w.ctx, w.ResponseWriter, w.sess); err != nil {
		w.logger.Error("commit session", slog.String("session", w.sess.ID), slog.Any("error", err))
	}
}

func (w *sessionWriter) WriteHeader(statusCode int) {
	w.commit()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *sessionWriter) Write(data []byte) (int, error) {
	w.commit()
	return w.ResponseWriter.Write(data)
}

// MiddlewareStack installs the portal middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		requestLogger(cfg.Logger),
		middleware.Recoverer,
		withSession(cfg),
		middleware.Timeout(timeout),
		secureHeaders(cfg),
		middleware.Compress(5),
		httprate.Limit(requestsPerMinute, time.Minute, httprate.WithKeyFuncs(actorOrIP)),
		withCSRF(cfg),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, cfg.Metrics.Middleware)
	}
	return middlewares
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if r.URL.Path == "/healthz" {
				return
			}
			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("took", time.Since(start)),
			)
		})
	}
}

func withSession(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := cfg.SessionManager.Load(r.Context(), r)
			if err != nil {
				cfg.Logger.Error("load session", slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			ctx := shared.ContextWithSession(r.Context(), sess)
			sw := &sessionWriter{ResponseWriter: w, ctx: ctx, sess: sess, sessions: cfg.SessionManager, logger: cfg.Logger}
			next.ServeHTTP(sw, r.WithContext(ctx))
			sw.commit()
		})
	}
}

func secureHeaders(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	sec := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "same-origin",
		PermissionsPolicy:     "camera=(), microphone=(), geolocation=()",
		ContentSecurityPolicy: "default-src 'self'; form-action 'self'; frame-ancestors 'none'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         cfg.Config == nil || !cfg.Config.IsProduction(),
	})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := sec.Process(w, r); err != nil {
				cfg.Logger.Warn("secure headers blocked request", slog.String("host", r.Host), slog.Any("error", err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withCSRF checks the token on unsafe methods. Safe API calls receive the
// current token in the response header so JSON clients can echo it back.
func withCSRF(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := shared.SessionFromContext(r.Context())
			api := strings.HasPrefix(r.URL.Path, apiPrefix)
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				if api && sess != nil {
					if token, err := cfg.CSRFManager.EnsureToken(r.Context(), sess); err == nil {
						w.Header().Set(shared.CSRFHeader, token)
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get(shared.CSRFHeader)
			if token == "" && !api {
				token = r.PostFormValue(shared.CSRFFormField)
			}
			if sess == nil || cfg.CSRFManager.VerifyToken(r.Context(), sess, token) != nil {
				cfg.Logger.Warn("csrf validation failed", slog.String("method", r.Method), slog.String("path", r.URL.Path))
				if api {
					httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing or invalid CSRF token")
					return
				}
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actorOrIP keys the global rate limit on the signed-in user when there is one.
func actorOrIP(r *http.Request) (string, error) {
	if actor := shared.ActorFromContext(r.Context()); actor != "" {
		return "user:" + actor, nil
	}
	return httprate.KeyByIP(r)
}
