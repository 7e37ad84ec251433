package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/raisetracker/internal/auth"
	"github.com/dukerupert/raisetracker/internal/database"
	"github.com/dukerupert/raisetracker/internal/magiclink"
	"github.com/dukerupert/raisetracker/internal/middleware"
	"github.com/dukerupert/raisetracker/internal/model"
	"github.com/dukerupert/raisetracker/internal/session"
	"github.com/dukerupert/raisetracker/internal/store"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type sentLink struct {
	to, token, baseURL string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentLink
}

func (f *fakeSender) SendMagicLink(_ context.Context, to, token, baseURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentLink{to, token, baseURL})
	return nil
}

func (f *fakeSender) all() []sentLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentLink(nil), f.sent...)
}

type authFixture struct {
	handler *AuthHandler
	users   *store.UserStore
	codec   *session.Codec
	limiter *middleware.RateLimiter
	sender  *fakeSender
	user    *model.User
}

func setupAuthHandler(t *testing.T) *authFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users := store.NewUserStore(db)
	user, err := users.Create(context.Background(), "ann@example.com", "Ann", "s3cret-pass", false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	codec, err := session.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	links := magiclink.NewService(magiclink.NewMemoryStore(), users, testLogger)
	limiter := middleware.NewRateLimiter(5, 15*time.Minute)
	sender := &fakeSender{}

	h := NewAuthHandler(users, codec, links, sender, limiter, nil, "https://raise.example.com", true, testLogger)
	return &authFixture{handler: h, users: users, codec: codec, limiter: limiter, sender: sender, user: user}
}

func sessionCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == middleware.SessionCookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestLoginSuccess(t *testing.T) {
	f := setupAuthHandler(t)

	req := httptest.NewRequest("POST", "/api/login", strings.NewReader(`{"userId":"ANN@example.com","password":"s3cret-pass"}`))
	rec := httptest.NewRecorder()
	f.handler.Login(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body.String())
	}

	var got identity
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UserID != f.user.ID || got.DisplayName != "Ann" || got.IsAdmin {
		t.Errorf("identity = %+v", got)
	}

	c := sessionCookie(t, rec.Result())
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode || c.Path != "/" {
		t.Errorf("cookie attributes = %+v", c)
	}
	s, err := f.codec.Verify(c.Value)
	if err != nil {
		t.Fatalf("verify cookie: %v", err)
	}
	if s.UserID != f.user.ID {
		t.Errorf("session user = %q, want %q", s.UserID, f.user.ID)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := setupAuthHandler(t)

	for _, body := range []string{
		`{"userId":"ann@example.com","password":"wrong"}`,
		`{"userId":"nobody@example.com","password":"s3cret-pass"}`,
	} {
		rec := httptest.NewRecorder()
		f.handler.Login(rec, httptest.NewRequest("POST", "/api/login", strings.NewReader(body)))

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Invalid credentials") {
			t.Errorf("body = %q", rec.Body.String())
		}
		if len(rec.Result().Cookies()) != 0 {
			t.Error("cookie set on failed login")
		}
	}
}

func TestLoginInvalidJSON(t *testing.T) {
	f := setupAuthHandler(t)

	rec := httptest.NewRecorder()
	f.handler.Login(rec, httptest.NewRequest("POST", "/api/login", strings.NewReader(`{`)))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestLoginRateLimitedAfterFiveAttempts(t *testing.T) {
	f := setupAuthHandler(t)
	h := middleware.RateLimit(f.limiter, middleware.PeerIP, "Too many login attempts. Please try again later.")(http.HandlerFunc(f.handler.Login))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/login", strings.NewReader(`{"userId":"ann@example.com","password":"wrong"}`)))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/login", strings.NewReader(`{"userId":"ann@example.com","password":"s3cret-pass"}`)))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("6th attempt: status = %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "RATE_LIMIT_EXCEEDED") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestLoginSuccessClearsLimiter(t *testing.T) {
	f := setupAuthHandler(t)
	h := middleware.RateLimit(f.limiter, middleware.PeerIP, "limited")(http.HandlerFunc(f.handler.Login))

	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/login", strings.NewReader(`{"userId":"ann@example.com","password":"wrong"}`)))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/login", strings.NewReader(`{"userId":"ann@example.com","password":"s3cret-pass"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/login", strings.NewReader(`{"userId":"ann@example.com","password":"wrong"}`)))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d after success: status = %d, want 401", i+1, rec.Code)
		}
	}
}

func requestMagicLink(t *testing.T, f *authFixture, emailAddr string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"email": emailAddr})
	rec := httptest.NewRecorder()
	f.handler.RequestMagicLink(rec, httptest.NewRequest("POST", "/api/request-magic-link", strings.NewReader(string(body))))
	f.handler.WaitForSends()
	return rec
}

func TestRequestMagicLinkSameResponseForUnknownEmail(t *testing.T) {
	f := setupAuthHandler(t)

	known := requestMagicLink(t, f, "ann@example.com")
	unknown := requestMagicLink(t, f, "nobody@example.com")

	if known.Code != http.StatusOK || unknown.Code != http.StatusOK {
		t.Fatalf("status = %d / %d, want 200 / 200", known.Code, unknown.Code)
	}
	if known.Body.String() != unknown.Body.String() {
		t.Errorf("responses differ: %q vs %q", known.Body.String(), unknown.Body.String())
	}

	sent := f.sender.all()
	if len(sent) != 1 {
		t.Fatalf("sent = %d emails, want 1", len(sent))
	}
	if sent[0].to != "ann@example.com" || sent[0].baseURL != "https://raise.example.com" {
		t.Errorf("sent = %+v", sent[0])
	}
}

func TestRequestMagicLinkMissingEmail(t *testing.T) {
	f := setupAuthHandler(t)

	rec := requestMagicLink(t, f, "  ")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestValidateMagicLink(t *testing.T) {
	f := setupAuthHandler(t)
	requestMagicLink(t, f, "ann@example.com")
	token := f.sender.all()[0].token

	rec := httptest.NewRecorder()
	f.handler.ValidateMagicLink(rec, httptest.NewRequest("GET", "/api/validate-magic-link?token="+token, nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/" {
		t.Errorf("location = %q, want /", loc)
	}
	s, err := f.codec.Verify(sessionCookie(t, rec.Result()).Value)
	if err != nil {
		t.Fatalf("verify cookie: %v", err)
	}
	if s.UserID != f.user.ID {
		t.Errorf("session user = %q, want %q", s.UserID, f.user.ID)
	}

	// Second use of the same link fails.
	rec = httptest.NewRecorder()
	f.handler.ValidateMagicLink(rec, httptest.NewRequest("GET", "/api/validate-magic-link?token="+token, nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reuse status = %d, want 400", rec.Code)
	}
}

func TestValidateMagicLinkUnknownToken(t *testing.T) {
	f := setupAuthHandler(t)

	for _, target := range []string{"/api/validate-magic-link?token=bogus", "/api/validate-magic-link"} {
		rec := httptest.NewRecorder()
		f.handler.ValidateMagicLink(rec, httptest.NewRequest("GET", target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestValidateMagicLinkDeletedUser(t *testing.T) {
	f := setupAuthHandler(t)
	requestMagicLink(t, f, "ann@example.com")
	token := f.sender.all()[0].token

	if err := f.users.Delete(context.Background(), f.user.ID); err != nil {
		t.Fatalf("delete user: %v", err)
	}

	rec := httptest.NewRecorder()
	f.handler.ValidateMagicLink(rec, httptest.NewRequest("GET", "/api/validate-magic-link?token="+token, nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	f := setupAuthHandler(t)

	rec := httptest.NewRecorder()
	f.handler.Logout(rec, httptest.NewRequest("POST", "/api/logout", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	c := sessionCookie(t, rec.Result())
	if c.Value != "" || c.MaxAge >= 0 {
		t.Errorf("cookie not cleared: %+v", c)
	}
}

func TestSessionEndpoint(t *testing.T) {
	f := setupAuthHandler(t)

	s := f.codec.NewSession(f.user)
	req := httptest.NewRequest("GET", "/api/session", nil)
	req = req.WithContext(auth.WithSession(req.Context(), s))
	rec := httptest.NewRecorder()
	f.handler.Session(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got identity
	json.NewDecoder(rec.Body).Decode(&got)
	if got.UserID != f.user.ID || got.DisplayName != "Ann" {
		t.Errorf("identity = %+v", got)
	}

	rec = httptest.NewRecorder()
	f.handler.Session(rec, httptest.NewRequest("GET", "/api/session", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no session: status = %d, want 401", rec.Code)
	}
}
