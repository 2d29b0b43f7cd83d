// Package middleware carries the HTTP cross-cutting concerns: bearer
// auth and Prometheus metrics.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// ContextKeySubject carries the authenticated uploader identity.
const ContextKeySubject contextKey = "jwt_subject"

// BearerAuth validates the Authorization bearer token and puts its
// subject into the request context. Tokens are issued by the auth
// service; this middleware only verifies them.
type BearerAuth struct {
	secret []byte
}

// NewBearerAuth creates the middleware with the shared signing secret.
func NewBearerAuth(secret string) *BearerAuth {
	return &BearerAuth{secret: []byte(secret)}
}

// Wrap returns next guarded by bearer-token verification.
func (a *BearerAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			unauthorized(w, "missing bearer token")
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
			unauthorized(w, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeySubject, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext returns the authenticated identity, or "" when the
// request did not pass through BearerAuth.
func SubjectFromContext(ctx context.Context) string {
	if sub, ok := ctx.Value(ContextKeySubject).(string); ok {
		return sub
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
