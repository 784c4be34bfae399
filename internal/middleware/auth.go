// Package middleware holds HTTP middleware for the local status server.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"defectcam/internal/auth"
)

// ContextKey is a custom type for context keys
type ContextKey string

// DeviceContextKey stores the validated token claims
const DeviceContextKey ContextKey = "device"

// RequireToken rejects requests without a valid HS256 device token signed
// with secret. The token is read from "Authorization: Bearer" or, for
// browser websocket clients, the token query parameter. Paths listed in
// public skip the check.
func RequireToken(secret string, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			tokenString, ok := bearerToken(r)
			if !ok {
				http.Error(w, `{"error": "missing or malformed authorization"}`, http.StatusUnauthorized)
				return
			}

			claims, err := auth.ValidateToken(secret, tokenString)
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					http.Error(w, `{"error": "token has expired"}`, http.StatusUnauthorized)
				} else {
					http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
				}
				return
			}

			ctx := context.WithValue(r.Context(), DeviceContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, true
	}
	return "", false
}

// ClaimsFromContext retrieves the validated claims, or nil
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(DeviceContextKey).(*auth.Claims)
	return claims
}
