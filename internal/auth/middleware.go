package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dltrh/devision-auth/internal/shard"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

// claimsKey is the context key for the validated token claims
const claimsKey contextKey = "auth_claims"

// ClaimsFromContext returns the validated claims of the current request,
// if the bearer token passed validation.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// Middleware resolves the shard for incoming requests. It installs a fresh
// shard slot for every request, and for authenticated requests decrypts
// the bearer token and records the shard mapped from its country claim
// before business logic runs.
type Middleware struct {
	tokens   *TokenService
	topology *shard.Topology
}

// NewMiddleware creates the shard resolution middleware
func NewMiddleware(tokens *TokenService, topology *shard.Topology) *Middleware {
	return &Middleware{tokens: tokens, topology: topology}
}

// ResolveShard is the token-derived shard resolution entry point. An
// absent, invalid or country-less token leaves the slot unset, which
// degrades to the default shard; it is never an error here, handlers that
// require authentication enforce it themselves. The slot is installed per
// request and cleared unconditionally when the request completes, so shard
// state cannot leak to the next request served by the same worker.
func (m *Middleware) ResolveShard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shard.NewContext(r.Context())
		defer shard.Clear(ctx)

		if claims := m.claimsFromRequest(r); claims != nil {
			ctx = context.WithValue(ctx, claimsKey, claims)

			if claims.CountryCode != "" {
				target := m.topology.Resolve(claims.CountryCode)
				shard.Set(ctx, target)

				log.Debug().
					Str("subject_id", claims.SubjectID).
					Str("country_code", claims.CountryCode).
					Str("shard", string(target)).
					Msg("Shard resolved from token")
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsFromRequest validates the bearer token if one is attached. Returns
// nil for missing or invalid tokens and for subjects whose sessions were
// invalidated by a migration; their stale country claim must not route.
func (m *Middleware) claimsFromRequest(r *http.Request) *Claims {
	token := BearerToken(r)
	if token == "" {
		return nil
	}

	claims, err := m.tokens.Validate(token, TokenTypeAccess)
	if err != nil {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("Bearer token rejected")
		return nil
	}

	if m.tokens.SessionsInvalidated(claims.SubjectID) {
		log.Debug().
			Str("subject_id", claims.SubjectID).
			Msg("Sessions invalidated, token ignored")
		return nil
	}

	return claims
}

// BearerToken extracts the token from the Authorization header
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
