package server

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// requireAuth wraps sensitive handlers with bearer-token validation.
// In dev mode the check is skipped; production deployments must set a
// secret before the signing-key endpoint serves anything.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.devMode {
			next(w, r)
			return
		}
		if s.jwtSecret == "" {
			WriteUnauthorized(w, r, "endpoint requires authentication and no secret is configured")
			return
		}
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			WriteUnauthorized(w, r, "")
			return
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.jwtSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			WriteUnauthorized(w, r, "invalid token")
			return
		}
		next(w, r)
	}
}
