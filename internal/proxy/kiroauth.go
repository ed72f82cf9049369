package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kiroproxy/gateway/internal/store"
)

type userContextKey struct{}

// UserFromContext retrieves the authenticated user id stashed by
// KiroAPIKeyMiddleware.
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userContextKey{}).(string)
	return id, ok
}

// KiroAPIKeyMiddleware authenticates a request against the ledger store by
// either an "Authorization: Bearer <key>" header or an "x-api-key" header
// (spec.md §6, grounded on routes.py's verify_api_key/verify_any_api_key —
// adapted here to a persisted lookup rather than a single configured
// secret, since this surface has one key per billed user rather than one
// shared dashboard token).
func KiroAPIKeyMiddleware(ledger *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractAPIKey(r)
			if key == "" {
				writeAnthropicError(w, http.StatusUnauthorized, "authentication_error", "missing API key")
				return
			}
			user, err := ledger.GetUserByAPIKey(key)
			if err != nil {
				writeAnthropicError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
				return
			}
			ctx := context.WithValue(r.Context(), userContextKey{}, user.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return r.Header.Get("x-api-key")
}

// writeAnthropicError mirrors routes.py's _anthropic_error helper.
func writeAnthropicError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}
