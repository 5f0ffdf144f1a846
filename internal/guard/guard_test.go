package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/turnup/internal/appstate"
	"github.com/yourusername/turnup/internal/identity"
)

var alice = &identity.User{ID: "u1", Email: "alice@example.com"}

type countingProvider struct {
	user  *identity.User
	err   error
	calls int
}

func (p *countingProvider) OnAuthStateChanged(_ context.Context, fn identity.Listener) func() {
	p.calls++
	go fn(p.user, p.err)
	return func() {}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestDecideRequiresAuth(t *testing.T) {
	g := New(nil, nil, quietLogger())

	dec, err := g.Decide(context.Background(), PathDashboard, identity.StaticProvider{})
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if dec.Proceed() || dec.Redirect != PathLogin || dec.Notice == "" {
		t.Fatalf("unexpected decision: %#v", dec)
	}

	dec, err = g.Decide(context.Background(), PathDashboard, identity.StaticProvider{User: alice})
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if !dec.Proceed() || dec.Route.View != "dashboard" {
		t.Fatalf("unexpected decision: %#v", dec)
	}
}

func TestDecideEveryProtectedRoute(t *testing.T) {
	routes := append(DefaultRoutes(), Route{Path: "/reports", View: "reports", RequiresAuth: true})
	g := New(routes, nil, quietLogger())

	for _, r := range routes {
		if !r.RequiresAuth {
			continue
		}
		dec, err := g.Decide(context.Background(), r.Path, identity.StaticProvider{})
		if err != nil {
			t.Fatalf("Decide(%s) returned error: %v", r.Path, err)
		}
		if dec.Redirect != PathLogin {
			t.Fatalf("Decide(%s) = %#v, want redirect to login", r.Path, dec)
		}
	}
}

func TestDecideGuestPages(t *testing.T) {
	g := New(nil, nil, quietLogger())

	for _, path := range []string{PathLogin, PathRegister, PathForgotPassword} {
		dec, err := g.Decide(context.Background(), path, identity.StaticProvider{User: alice})
		if err != nil {
			t.Fatalf("Decide(%s) returned error: %v", path, err)
		}
		if dec.Redirect != PathDashboard {
			t.Fatalf("Decide(%s) = %#v, want redirect to dashboard", path, dec)
		}

		dec, err = g.Decide(context.Background(), path, identity.StaticProvider{})
		if err != nil {
			t.Fatalf("Decide(%s) returned error: %v", path, err)
		}
		if !dec.Proceed() {
			t.Fatalf("anonymous Decide(%s) = %#v, want proceed", path, dec)
		}
	}
}

func TestDecidePublicAndWildcard(t *testing.T) {
	g := New(nil, nil, quietLogger())

	for _, user := range []*identity.User{nil, alice} {
		dec, err := g.Decide(context.Background(), PathHome, identity.StaticProvider{User: user})
		if err != nil || !dec.Proceed() || dec.Route.View != "home" {
			t.Fatalf("home: dec=%#v err=%v", dec, err)
		}
		dec, err = g.Decide(context.Background(), "/no/such/page", identity.StaticProvider{User: user})
		if err != nil || !dec.Proceed() || dec.Route.View != "not-found" {
			t.Fatalf("wildcard: dec=%#v err=%v", dec, err)
		}
	}
}

func TestDecideResolvesOnceAndBindsUser(t *testing.T) {
	registry := appstate.NewRegistry(1024)
	g := New(nil, registry, quietLogger())
	p := &countingProvider{user: alice}

	if _, err := g.Decide(context.Background(), PathDashboard, p); err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if p.calls != 1 {
		t.Fatalf("provider subscribed %d times, want 1", p.calls)
	}
	ws, ok := registry.Get(alice.ID)
	if !ok || ws.User() != *alice {
		t.Fatal("resolved user must be written into the shared state")
	}
}

func TestDecideSurfacesResolutionFailure(t *testing.T) {
	registry := appstate.NewRegistry(1024)
	g := New(nil, registry, quietLogger())
	boom := errors.New("identity backend down")

	if _, err := g.Decide(context.Background(), PathDashboard, &countingProvider{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
	if registry.Len() != 0 {
		t.Fatal("failed resolution must not touch shared state")
	}
}

// newGuardedRouter はヘッダー X-Test-User があればログイン済みとみなすルーターを作ります。
func newGuardedRouter(t *testing.T, reached *[]string) (*gin.Engine, *appstate.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	registry := appstate.NewRegistry(1024)
	g := New(nil, registry, quietLogger())

	router := gin.New()
	router.Use(sessions.Sessions("test_session", cookie.NewStore([]byte("test-secret-test-secret-test-sec"))))

	providerFor := func(c *gin.Context) identity.Provider {
		switch c.GetHeader("X-Test-User") {
		case "":
			return identity.StaticProvider{}
		case "broken":
			return identity.StaticProvider{Err: errors.New("down")}
		default:
			return identity.StaticProvider{User: &identity.User{ID: c.GetHeader("X-Test-User"), Email: "x@example.com"}}
		}
	}
	view := ViewHandler(registry, quietLogger())
	g.Mount(router, providerFor, func(c *gin.Context) {
		*reached = append(*reached, c.Request.URL.Path)
		view(c)
	})
	return router, registry
}

func TestMiddlewareRedirectsAnonymousToLoginWithNotice(t *testing.T) {
	var reached []string
	router, _ := newGuardedRouter(t, &reached)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathDashboard, nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != PathLogin {
		t.Fatalf("unexpected response: %d %s", rec.Code, rec.Header().Get("Location"))
	}
	if len(reached) != 0 {
		t.Fatalf("protected view must not run: %v", reached)
	}

	req := httptest.NewRequest(http.MethodGet, PathLogin, nil)
	for _, ck := range rec.Result().Cookies() {
		req.AddCookie(ck)
	}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var payload struct {
		View    string   `json:"view"`
		Notices []string `json:"notices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload.View != "login" || len(payload.Notices) != 1 || payload.Notices[0] != noticeLoginRequired {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestMiddlewareAuthenticatedFlows(t *testing.T) {
	var reached []string
	router, registry := newGuardedRouter(t, &reached)

	for _, path := range []string{PathLogin, PathRegister, PathForgotPassword} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Test-User", "u1")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusFound || rec.Header().Get("Location") != PathDashboard {
			t.Fatalf("%s: unexpected response %d %s", path, rec.Code, rec.Header().Get("Location"))
		}
	}

	req := httptest.NewRequest(http.MethodGet, PathDashboard, nil)
	req.Header.Set("X-Test-User", "u1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["view"] != "dashboard" || payload["page"] != string(appstate.PageScanner) {
		t.Fatalf("unexpected payload: %#v", payload)
	}
	if len(reached) != 1 || reached[0] != PathDashboard {
		t.Fatalf("unexpected views reached: %v", reached)
	}
	if _, ok := registry.Get("u1"); !ok {
		t.Fatal("workspace should exist for the resolved user")
	}
}

func TestMiddlewareNotFoundAndFailure(t *testing.T) {
	var reached []string
	router, _ := newGuardedRouter(t, &reached)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, PathDashboard, nil)
	req.Header.Set("X-Test-User", "broken")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

// brokenSession はフラッシュを返すが保存に失敗するセッションです。
type brokenSession struct {
	flashes []interface{}
}

func (s *brokenSession) ID() string { return "broken" }

func (s *brokenSession) Get(key interface{}) interface{} { return nil }

func (s *brokenSession) Set(key interface{}, val interface{}) {}

func (s *brokenSession) Delete(key interface{}) {}

func (s *brokenSession) Clear() {}

func (s *brokenSession) AddFlash(value interface{}, vars ...string) {
	s.flashes = append(s.flashes, value)
}

func (s *brokenSession) Options(sessions.Options) {}

func (s *brokenSession) Save() error { return errors.New("cookie too large") }

func (s *brokenSession) Flashes(vars ...string) []interface{} {
	out := s.flashes
	s.flashes = nil
	return out
}

func TestViewHandlerLogsNoticeSaveFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var logs bytes.Buffer
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(sessions.DefaultKey, &brokenSession{flashes: []interface{}{noticeLoginRequired}})
		c.Next()
	})
	router.GET(PathLogin, ViewHandler(nil, log.New(&logs, "", 0)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathLogin, nil))

	var payload struct {
		Notices []string `json:"notices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(payload.Notices) != 1 || payload.Notices[0] != noticeLoginRequired {
		t.Fatalf("unexpected notices: %#v", payload.Notices)
	}
	if !strings.Contains(logs.String(), "cookie too large") {
		t.Fatalf("save failure was not logged: %q", logs.String())
	}
}
