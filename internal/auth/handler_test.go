package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/tecsuporte/helpdesk/internal/auth"
	"github.com/tecsuporte/helpdesk/internal/shared"
	"github.com/tecsuporte/helpdesk/internal/view"
	_ "github.com/tecsuporte/helpdesk/testing"
)

type stubRepo struct {
	user     *auth.User
	sessions map[string]string
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.user == nil || !strings.EqualFold(s.user.Email, email) {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id, userID string, expiresAt time.Time, ip, ua string) error {
	if s.sessions == nil {
		s.sessions = make(map[string]string)
	}
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

type stubDropper struct {
	dropped []string
}

func (d *stubDropper) Drop(sessionID string) {
	d.dropped = append(d.dropped, sessionID)
}

type fixture struct {
	router   http.Handler
	sessions *shared.SessionManager
	repo     *stubRepo
	dropper  *stubDropper
}

func newFixture(t *testing.T, user *auth.User) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })
	sessionManager := shared.NewSessionManager(redisClient, "test_session", time.Hour, false)
	csrfManager := shared.NewCSRFManager("csrfsecret")
	templates, err := view.NewEngine()
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	repo := &stubRepo{user: user}
	dropper := &stubDropper{}
	handler := auth.NewHandler(nil, auth.NewService(repo), templates, sessionManager, csrfManager, dropper)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sess, err := sessionManager.Load(req.Context(), req)
			if err != nil {
				t.Fatalf("load session: %v", err)
			}
			rec := httptest.NewRecorder()
			next.ServeHTTP(rec, req.WithContext(shared.ContextWithSession(req.Context(), sess)))
			if err := sessionManager.Commit(req.Context(), w, sess); err != nil {
				t.Fatalf("commit session: %v", err)
			}
			for k, v := range rec.Header() {
				w.Header()[k] = v
			}
			w.WriteHeader(rec.Code)
			_, _ = w.Write(rec.Body.Bytes())
		})
	})
	r.Route("/auth", handler.MountRoutes)
	return &fixture{router: r, sessions: sessionManager, repo: repo, dropper: dropper}
}

func (f *fixture) primeSession(t *testing.T) (*http.Cookie, string) {
	t.Helper()
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/auth/login?next=/portal/chamados", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "<form") {
		t.Fatalf("expected login form in body")
	}
	if !strings.Contains(res.Body.String(), `value="/portal/chamados"`) {
		t.Fatalf("expected next path to be carried in form")
	}
	var cookie *http.Cookie
	for _, c := range res.Result().Cookies() {
		if c.Name == f.sessions.CookieName() {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatalf("session cookie not set")
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	sess, err := f.sessions.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	token := sess.Get(shared.CSRFSessionKey)
	if token == "" {
		t.Fatalf("csrf token not set")
	}
	return cookie, token
}

func (f *fixture) postLogin(cookie *http.Cookie, token, email, password string) *httptest.ResponseRecorder {
	form := url.Values{}
	form.Set("email", email)
	form.Set("password", password)
	form.Set("csrf_token", token)
	form.Set("next", "/portal/chamados")
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	return res
}

func hashed(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return string(h)
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newFixture(t, &auth.User{ID: "u-1", Email: "ana@tecsuporte.local", PasswordHash: hashed(t, "correctpass"), IsActive: true})
	cookie, token := f.primeSession(t)

	res := f.postLogin(cookie, token, "ana@tecsuporte.local", "wrongpass")
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "E-mail ou senha inválidos") {
		t.Fatalf("expected error message in response")
	}
	if len(f.repo.sessions) != 0 {
		t.Fatalf("no session should be registered")
	}
}

func TestLoginInactiveUserRejected(t *testing.T) {
	f := newFixture(t, &auth.User{ID: "u-1", Email: "ana@tecsuporte.local", PasswordHash: hashed(t, "correctpass"), IsActive: false})
	cookie, token := f.primeSession(t)

	res := f.postLogin(cookie, token, "ana@tecsuporte.local", "correctpass")
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestLoginRotatesSessionAndRedirects(t *testing.T) {
	f := newFixture(t, &auth.User{ID: "u-1", Email: "ana@tecsuporte.local", PasswordHash: hashed(t, "correctpass"), IsActive: true})
	cookie, token := f.primeSession(t)

	res := f.postLogin(cookie, token, "ANA@tecsuporte.local", "correctpass")
	if res.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", res.Code)
	}
	if loc := res.Header().Get("Location"); loc != "/portal/chamados" {
		t.Fatalf("unexpected redirect %q", loc)
	}

	var rotated *http.Cookie
	for _, c := range res.Result().Cookies() {
		if c.Name == f.sessions.CookieName() {
			rotated = c
		}
	}
	if rotated == nil || rotated.Value == cookie.Value {
		t.Fatalf("expected a rotated session cookie")
	}
	if f.repo.sessions[rotated.Value] != "u-1" {
		t.Fatalf("session metadata not registered for rotated id")
	}
	if len(f.dropper.dropped) != 1 || f.dropper.dropped[0] != cookie.Value {
		t.Fatalf("expected pre-login resolver to be dropped, got %v", f.dropper.dropped)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(rotated)
	sess, err := f.sessions.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("load rotated: %v", err)
	}
	if sess.User() != "u-1" {
		t.Fatalf("expected user on rotated session, got %q", sess.User())
	}
}

func TestLogoutDropsResolver(t *testing.T) {
	f := newFixture(t, nil)
	cookie, token := f.primeSession(t)

	form := url.Values{}
	form.Set("csrf_token", token)
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)

	if res.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", res.Code)
	}
	if len(f.dropper.dropped) != 1 || f.dropper.dropped[0] != cookie.Value {
		t.Fatalf("expected resolver drop for %s, got %v", cookie.Value, f.dropper.dropped)
	}
}

func TestLoginRejectsOpenRedirect(t *testing.T) {
	f := newFixture(t, nil)
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/auth/login?next=//evil.example", nil))
	if !strings.Contains(res.Body.String(), `value="/portal"`) {
		t.Fatalf("expected default landing in form")
	}
}
