package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/pairchat/internal/identity"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS_ExplicitOriginGetsCredentials(t *testing.T) {
	h := CORS([]string{"https://chat.example.com"})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Origin", "https://chat.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://chat.example.com" {
		t.Errorf("expected origin echoed, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("expected credentials for explicit origin, got %q", got)
	}
}

func TestCORS_WildcardNoCredentials(t *testing.T) {
	h := CORS([]string{"*"})(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/api/me", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected preflight 200, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("expected no credentials for wildcard, got %q", got)
	}
}

func TestRateLimit_PerUser(t *testing.T) {
	h := RateLimit(1, 2)(okHandler())
	do := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/friends", nil)
		req = req.WithContext(identity.WithUser(req.Context(), user, ""))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	if do("alice") != http.StatusOK || do("alice") != http.StatusOK {
		t.Fatal("expected burst of 2 to pass")
	}
	if code := do("alice"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", code)
	}
	if code := do("bob"); code != http.StatusOK {
		t.Errorf("expected a separate bucket for bob, got %d", code)
	}
}

func TestLimiterPool_EvictsIdleKeys(t *testing.T) {
	p := newLimiterPool(1, 1)
	now := time.Unix(1700000000, 0)
	p.allow("alice", now)
	p.allow("bob", now.Add(2*limiterIdleTTL))

	if _, ok := p.m["alice"]; ok {
		t.Error("expected idle alice limiter to be evicted")
	}
	if _, ok := p.m["bob"]; !ok {
		t.Error("expected bob limiter to exist")
	}
}
