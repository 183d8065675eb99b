package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/agent-platform/control-api/internal/api/types"
	"github.com/agent-platform/control-api/internal/store"
	appErr "github.com/agent-platform/control-api/pkg/errors"
)

type identityKeyType string

const (
	UserIDKey  identityKeyType = "user_id"
	IsAdminKey identityKeyType = "is_admin"
)

// Identity resolves the caller from the opaque X-User-ID header and
// lazily creates the platform user on first reference. This is not a
// credential; requests without the header proceed unauthenticated and
// see empty listings. A failed user write is a store error and surfaces
// as one, it never downgrades the caller to unauthenticated.
func Identity(st store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid := r.Header.Get("X-User-ID")
			if uid == "" {
				next.ServeHTTP(w, r)
				return
			}

			if _, err := st.UpsertUser(r.Context(), uid, "", ""); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(appErr.HTTPStatus(err))
				_ = json.NewEncoder(w).Encode(types.APIResponse{
					Success: false,
					Error:   types.FromAppError(err),
				})
				return
			}
			isAdmin, _ := st.IsAdmin(r.Context(), uid)

			ctx := context.WithValue(r.Context(), UserIDKey, uid)
			ctx = context.WithValue(ctx, IsAdminKey, isAdmin)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID returns the caller id from context, empty when unauthenticated.
func GetUserID(ctx context.Context) string {
	if v := ctx.Value(UserIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IsAdmin reports whether the caller holds the admin role.
func IsAdmin(ctx context.Context) bool {
	if v := ctx.Value(IsAdminKey); v != nil {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}
