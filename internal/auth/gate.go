package auth

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"contacts-api/internal/cache"
	"contacts-api/internal/observability"
	"contacts-api/internal/token"
	"contacts-api/internal/user"
)

const principalCacheTTL = time.Hour

// Gate derives the calling principal from a bearer token: access-kind check,
// session cache read-through, directory fallback with repopulation.
type Gate struct {
	codec     *token.Codec
	sessions  *cache.Sessions
	directory Directory
	logger    *observability.Logger
}

func NewGate(codec *token.Codec, sessions *cache.Sessions, directory Directory, logger *observability.Logger) *Gate {
	return &Gate{codec: codec, sessions: sessions, directory: directory, logger: logger}
}

func (g *Gate) Resolve(ctx context.Context, bearer string) (user.Snapshot, error) {
	claims, err := g.codec.Verify(bearer)
	if err != nil || claims.Kind != token.KindAccess {
		return user.Snapshot{}, ErrInvalidCredentials
	}

	if snapshot, ok := g.sessions.Get(ctx, claims.Subject); ok {
		return snapshot, nil
	}

	u, err := g.directory.GetByUsername(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.Snapshot{}, ErrInvalidCredentials
		}
		return user.Snapshot{}, err
	}

	snapshot := u.Snapshot()
	g.sessions.Put(ctx, u.Username, snapshot, principalCacheTTL)

	return snapshot, nil
}

// Middleware authenticates the request and stores the principal in the
// request context.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}

		principal, err := g.Resolve(r.Context(), bearer)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				writeError(w, http.StatusUnauthorized, "could not validate credentials")
				return
			}
			g.logger.Error("resolve_principal_failed", map[string]any{"error": err.Error()})
			writeError(w, http.StatusInternalServerError, "failed to authenticate request")
			return
		}

		next.ServeHTTP(w, r.WithContext(user.NewContext(r.Context(), principal)))
	})
}

// RequireRoles wraps a handler already behind Middleware and rejects
// principals whose role is not in the allowed set.
func (g *Gate) RequireRoles(roles ...user.Role) func(http.Handler) http.Handler {
	allowed := make(map[user.Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := user.FromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "could not validate credentials")
				return
			}
			if _, ok := allowed[principal.Role]; !ok {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	bearer := strings.TrimSpace(parts[1])
	if bearer == "" {
		return "", false
	}

	return bearer, true
}
