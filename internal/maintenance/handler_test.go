package maintenance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"contacts-api/internal/observability"
	"contacts-api/internal/token"
	"contacts-api/internal/user"
)

type directoryMock struct {
	refreshRows    []user.TokenRow
	resetRows      []user.TokenRow
	clearedRefresh []string
	clearedReset   []string
}

func (m *directoryMock) ListRefreshTokens(ctx context.Context, limit int) ([]user.TokenRow, error) {
	return m.refreshRows, nil
}

func (m *directoryMock) ListResetTokens(ctx context.Context, limit int) ([]user.TokenRow, error) {
	return m.resetRows, nil
}

func (m *directoryMock) ClearRefreshToken(ctx context.Context, id string) error {
	m.clearedRefresh = append(m.clearedRefresh, id)
	return nil
}

func (m *directoryMock) ClearResetToken(ctx context.Context, id string) error {
	m.clearedReset = append(m.clearedReset, id)
	return nil
}

func cleanupRequest(secret string) *http.Request {
	request := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	if secret != "" {
		request.Header.Set("Authorization", "Bearer "+secret)
	}
	return request
}

func TestHandleWithoutConfiguredSecretIs404(t *testing.T) {
	handler := NewCleanupHandler(&directoryMock{}, token.NewCodec("secret"), observability.NewLogger(), "", 500)

	recorder := httptest.NewRecorder()
	handler.Handle(recorder, cleanupRequest("anything"))

	require.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestHandleRejectsWrongSecret(t *testing.T) {
	handler := NewCleanupHandler(&directoryMock{}, token.NewCodec("secret"), observability.NewLogger(), "cron-secret", 500)

	recorder := httptest.NewRecorder()
	handler.Handle(recorder, cleanupRequest("wrong"))

	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestHandleClearsOnlyExpiredTokens(t *testing.T) {
	codec := token.NewCodec("secret")

	live, err := codec.Issue("alice", token.KindRefresh, time.Hour)
	require.NoError(t, err)
	expired, err := codec.Issue("bob", token.KindRefresh, -time.Hour)
	require.NoError(t, err)
	staleReset, err := codec.Issue("carol@example.com", token.KindPasswordReset, -time.Hour)
	require.NoError(t, err)

	directory := &directoryMock{
		refreshRows: []user.TokenRow{
			{UserID: "u-alice", Token: live},
			{UserID: "u-bob", Token: expired},
			{UserID: "u-mallory", Token: "never-a-jwt"},
		},
		resetRows: []user.TokenRow{
			{UserID: "u-carol", Token: staleReset},
		},
	}
	handler := NewCleanupHandler(directory, codec, observability.NewLogger(), "cron-secret", 500)

	recorder := httptest.NewRecorder()
	handler.Handle(recorder, cleanupRequest("cron-secret"))

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, []string{"u-bob", "u-mallory"}, directory.clearedRefresh)
	require.Equal(t, []string{"u-carol"}, directory.clearedReset)
	require.Contains(t, recorder.Body.String(), `"cleared_refresh_tokens":2`)
	require.Contains(t, recorder.Body.String(), `"cleared_reset_tokens":1`)
}
