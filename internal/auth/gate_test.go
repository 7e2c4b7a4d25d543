package auth

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"contacts-api/internal/cache"
	"contacts-api/internal/observability"
	"contacts-api/internal/token"
	"contacts-api/internal/user"
)

func newTestGate(t *testing.T, directory Directory) (*Gate, *token.Codec, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := observability.NewLogger()
	codec := token.NewCodec("gate-test-secret")
	gate := NewGate(codec, cache.NewSessions(client, logger), directory, logger)
	return gate, codec, mr
}

func directoryWith(u user.User) *directoryMock {
	return &directoryMock{
		getByUsername: func(ctx context.Context, username string) (user.User, error) {
			if username == u.Username {
				return u, nil
			}
			return user.User{}, sql.ErrNoRows
		},
	}
}

func TestResolvePopulatesSessionCache(t *testing.T) {
	lookups := 0
	u := user.User{ID: "u1", Username: "alice", Email: "alice@example.com", Role: user.RoleUser, Confirmed: true}
	directory := &directoryMock{
		getByUsername: func(ctx context.Context, username string) (user.User, error) {
			lookups++
			return u, nil
		},
	}
	gate, codec, mr := newTestGate(t, directory)

	bearer, err := codec.Issue("alice", token.KindAccess, time.Hour)
	require.NoError(t, err)

	first, err := gate.Resolve(context.Background(), bearer)
	require.NoError(t, err)
	require.Equal(t, u.Snapshot(), first)
	require.True(t, mr.Exists("session:alice"))

	// Second resolve is served from the cache.
	second, err := gate.Resolve(context.Background(), bearer)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, lookups)
}

func TestResolveFallsBackWhenCacheExpires(t *testing.T) {
	lookups := 0
	directory := &directoryMock{
		getByUsername: func(ctx context.Context, username string) (user.User, error) {
			lookups++
			return user.User{ID: "u1", Username: "alice", Role: user.RoleUser}, nil
		},
	}
	gate, codec, mr := newTestGate(t, directory)

	bearer, err := codec.Issue("alice", token.KindAccess, time.Hour)
	require.NoError(t, err)

	_, err = gate.Resolve(context.Background(), bearer)
	require.NoError(t, err)

	mr.FastForward(time.Hour + time.Second)

	_, err = gate.Resolve(context.Background(), bearer)
	require.NoError(t, err)
	require.Equal(t, 2, lookups)
}

func TestResolveRejectsNonAccessTokens(t *testing.T) {
	gate, codec, _ := newTestGate(t, &directoryMock{})

	refresh, err := codec.Issue("alice", token.KindRefresh, time.Hour)
	require.NoError(t, err)
	_, err = gate.Resolve(context.Background(), refresh)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = gate.Resolve(context.Background(), "garbage")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestResolveUnknownSubject(t *testing.T) {
	gate, codec, _ := newTestGate(t, &directoryMock{})

	bearer, err := codec.Issue("ghost", token.KindAccess, time.Hour)
	require.NoError(t, err)

	_, err = gate.Resolve(context.Background(), bearer)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestMiddlewareAuthorizationHeader(t *testing.T) {
	u := user.User{ID: "u1", Username: "alice", Role: user.RoleUser, Confirmed: true}
	gate, codec, _ := newTestGate(t, directoryWith(u))

	var captured user.Snapshot
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = user.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing header", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/users/me", nil))
		require.Equal(t, http.StatusUnauthorized, recorder.Code)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		request := httptest.NewRequest(http.MethodGet, "/users/me", nil)
		request.Header.Set("Authorization", "Basic abc")
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		require.Equal(t, http.StatusUnauthorized, recorder.Code)
	})

	t.Run("valid bearer", func(t *testing.T) {
		bearer, err := codec.Issue("alice", token.KindAccess, time.Hour)
		require.NoError(t, err)

		request := httptest.NewRequest(http.MethodGet, "/users/me", nil)
		request.Header.Set("Authorization", "Bearer "+bearer)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)

		require.Equal(t, http.StatusOK, recorder.Code)
		require.Equal(t, "alice", captured.Username)
	})
}

func TestRequireRoles(t *testing.T) {
	u := user.User{ID: "u1", Username: "alice", Role: user.RoleUser, Confirmed: true}
	gate, codec, _ := newTestGate(t, directoryWith(u))

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	adminOnly := gate.Middleware(gate.RequireRoles(user.RoleAdmin)(next))
	userOrAdmin := gate.Middleware(gate.RequireRoles(user.RoleUser, user.RoleAdmin)(next))

	bearer, err := codec.Issue("alice", token.KindAccess, time.Hour)
	require.NoError(t, err)

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("Authorization", "Bearer "+bearer)

	recorder := httptest.NewRecorder()
	adminOnly.ServeHTTP(recorder, request)
	require.Equal(t, http.StatusForbidden, recorder.Code)

	recorder = httptest.NewRecorder()
	userOrAdmin.ServeHTTP(recorder, request)
	require.Equal(t, http.StatusOK, recorder.Code)

	// Without Middleware in front there is no principal in the context.
	recorder = httptest.NewRecorder()
	gate.RequireRoles(user.RoleUser)(next).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}
