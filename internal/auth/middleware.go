package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/jordanhubbard/loomdesk/pkg/models"
)

type contextKey struct{}

// Principal is the authenticated caller of a request
type Principal struct {
	AgentID string
	Role    models.Role
}

// WithPrincipal stores p on ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext returns the caller stored by Middleware
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// Middleware authenticates every request it wraps. Browsers cannot set
// headers on a websocket handshake, so a token query parameter is accepted
// as well. When disabled, callers are trusted as admins and identify
// themselves with the X-Agent-ID header.
func (m *Manager) Middleware(enabled bool, onDenied func(w http.ResponseWriter, status int, message string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				p := Principal{AgentID: r.Header.Get("X-Agent-ID"), Role: models.RoleAdmin}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}

			token := bearerToken(r)
			if token == "" {
				onDenied(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := m.ValidateToken(token)
			if err != nil {
				onDenied(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			p := Principal{AgentID: claims.AgentID, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
