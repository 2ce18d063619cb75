package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/inaiurai/credits/internal/auth"
)

// RequireRole rejects callers whose role is not in roles. It must run after BearerAuth.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromCtx(r.Context())
			if p == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if !allowed[p.Role] {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireWorkspace checks the caller may access the workspace named by the {id} path value.
func RequireWorkspace(next http.Handler) http.Handler {
	return requireScope(next, (*auth.Principal).CanAccessWorkspace)
}

// RequireAffiliate checks the caller may act for the affiliate named by the {id} path value.
func RequireAffiliate(next http.Handler) http.Handler {
	return requireScope(next, (*auth.Principal).CanAccessAffiliate)
}

func requireScope(next http.Handler, allowed func(*auth.Principal, uuid.UUID) bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromCtx(r.Context())
		if p == nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
			return
		}
		if !allowed(p, id) {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
