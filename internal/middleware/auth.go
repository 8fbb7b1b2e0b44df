// Package middleware provides the HTTP cross-cutting layers: bearer-token
// authentication and per-caller rate limiting.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atellix/token-agent/internal/app/chain"
	"github.com/atellix/token-agent/pkg/logger"
)

type contextKey string

const callerKey contextKey = "caller"

// CallerFromContext returns the authenticated caller address, or the zero
// address when the request was not authenticated.
func CallerFromContext(ctx context.Context) chain.Address {
	if addr, ok := ctx.Value(callerKey).(chain.Address); ok {
		return addr
	}
	return chain.Zero
}

// WithCaller injects a caller identity, for tests and internal dispatch.
func WithCaller(ctx context.Context, caller chain.Address) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// Auth validates bearer JWTs and resolves the caller's chain address from
// the subject claim. Requests without a valid token are rejected before any
// handler runs.
type Auth struct {
	secret []byte
	log    *logger.Logger
}

// NewAuth creates the authentication middleware with an HMAC signing secret.
func NewAuth(secret []byte, log *logger.Logger) *Auth {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &Auth{secret: secret, log: log}
}

// Middleware wraps next with bearer-token verification.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		claims := jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return a.secret, nil
		})
		if err != nil || !token.Valid || claims.Subject == "" {
			a.log.WithError(err).Debug("token verification failed")
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}

		ctx := WithCaller(r.Context(), chain.Address(claims.Subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueToken signs a token for the given caller address. Used by the local
// development deployment and tests.
func (a *Auth) IssueToken(caller chain.Address) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: string(caller)})
	return token.SignedString(a.secret)
}
