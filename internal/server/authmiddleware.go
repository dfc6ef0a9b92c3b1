package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
)

type authContextKey struct{}

// AuthMiddleware validates API keys and injects the tenant's AuthContext.
// With a nil provider every request is allowed and no tenant is attached.
// The key comes from the Authorization header (Bearer or bare); browsers that
// cannot set headers on WebSocket upgrades may pass access_token instead.
func AuthMiddleware(provider ports.AuthProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if provider == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				WriteError(w, domain.ErrAuthentication("missing API key"))
				return
			}

			ac, err := provider.Authenticate(r.Context(), token)
			if err != nil {
				AddError(r.Context(), err)
				WriteError(w, domain.ErrAuthentication("invalid API key"))
				return
			}

			AddLogField(r.Context(), "tenant_id", ac.TenantID)
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), ac)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

// GetAuth retrieves the AuthContext from context, or nil.
func GetAuth(ctx context.Context) *ports.AuthContext {
	if ac, ok := ctx.Value(authContextKey{}).(*ports.AuthContext); ok {
		return ac
	}
	return nil
}

// TenantID returns the authenticated tenant, or "" in single-tenant mode.
func TenantID(ctx context.Context) string {
	if ac := GetAuth(ctx); ac != nil {
		return ac.TenantID
	}
	return ""
}

// WithAuth attaches ac to ctx.
func WithAuth(ctx context.Context, ac *ports.AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}
