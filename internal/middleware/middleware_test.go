package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atellix/token-agent/internal/app/chain"
)

func callerEcho(captured *chain.Address) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthTokenRoundTrip(t *testing.T) {
	auth := NewAuth([]byte("secret"), nil)
	user := chain.AddressFromSeed("wallet")

	token, err := auth.IssueToken(user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var caller chain.Address
	srv := httptest.NewServer(auth.Middleware(callerEcho(&caller)))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if caller != user {
		t.Fatalf("caller = %s, want %s", caller, user)
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	auth := NewAuth([]byte("secret"), nil)
	other := NewAuth([]byte("different-secret"), nil)
	forged, err := other.IssueToken(chain.AddressFromSeed("wallet"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var caller chain.Address
	srv := httptest.NewServer(auth.Middleware(callerEcho(&caller)))
	defer srv.Close()

	for _, tc := range []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"malformed", "Bearer not-a-token"},
		{"wrong key", "Bearer " + forged},
		{"no scheme", forged},
	} {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s: request: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want 401", tc.name, resp.StatusCode)
		}
	}
}

func TestRateLimiterPerCaller(t *testing.T) {
	limiter := NewRateLimiter(0.001, 2)
	alice := chain.AddressFromSeed("alice")
	bob := chain.AddressFromSeed("bob")

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(caller chain.Address) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithCaller(req.Context(), caller))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := send(alice); code != http.StatusOK {
			t.Fatalf("alice request %d: status = %d", i, code)
		}
	}
	if code := send(alice); code != http.StatusTooManyRequests {
		t.Fatalf("alice over budget: status = %d, want 429", code)
	}

	// A different caller has its own bucket.
	if code := send(bob); code != http.StatusOK {
		t.Fatalf("bob: status = %d", code)
	}
}
