package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ashureev/pairchat/internal/domain"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func (f *fakeUsers) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) UpsertUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *user
	f.users[user.UserID] = &cp
	return nil
}

func TestMiddleware_IssuesCookieAndRegistersUser(t *testing.T) {
	users := &fakeUsers{users: map[string]*domain.User{}}
	var seenID, seenName string
	h := Middleware(users, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seenID = UserIDFromContext(r.Context())
		seenName = UsernameFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	if !isValidAnonID(seenID) {
		t.Fatalf("expected anonymous id in context, got %q", seenID)
	}
	if seenName != deriveUsername(seenID) {
		t.Errorf("expected derived username, got %q", seenName)
	}
	if _, ok := users.users[seenID]; !ok {
		t.Error("expected user to be registered")
	}

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != seenID {
		t.Fatalf("expected anon cookie with %q, got %v", seenID, cookies)
	}
}

func TestMiddleware_ReusesValidCookie(t *testing.T) {
	users := &fakeUsers{users: map[string]*domain.User{}}
	id := "anon_0123456789abcdef0123456789abcdef"
	var seenID string
	h := Middleware(users, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seenID = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seenID != id {
		t.Errorf("expected %q, got %q", id, seenID)
	}
}

func TestSessionIDFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?session_id=tab-1", nil)
	if got := sessionIDFromRequest(req); got != "tab-1" {
		t.Errorf("expected tab-1, got %q", got)
	}
	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set(SessionHeaderName, "bad id with spaces")
	if got := sessionIDFromRequest(req); got != DefaultSessionIDValue {
		t.Errorf("expected default session id, got %q", got)
	}
}

func TestUserIDFromContext_Empty(t *testing.T) {
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty user id, got %q", got)
	}
}
