package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"contacts-api/internal/observability"
	"contacts-api/internal/token"
	"contacts-api/internal/user"
)

// Directory is the slice of the user repository the cleanup pass needs.
type Directory interface {
	ListRefreshTokens(ctx context.Context, limit int) ([]user.TokenRow, error)
	ListResetTokens(ctx context.Context, limit int) ([]user.TokenRow, error)
	ClearRefreshToken(ctx context.Context, id string) error
	ClearResetToken(ctx context.Context, id string) error
}

type CleanupResult struct {
	ClearedRefreshTokens int `json:"cleared_refresh_tokens"`
	ClearedResetTokens   int `json:"cleared_reset_tokens"`
}

// CleanupHandler nulls out stored refresh and password-reset tokens that no
// longer verify. Protected by a shared cron secret; returns 404 when the
// secret is not configured so the endpoint stays invisible.
type CleanupHandler struct {
	directory  Directory
	codec      *token.Codec
	logger     *observability.Logger
	cronSecret string
	batchSize  int
}

func NewCleanupHandler(directory Directory, codec *token.Codec, logger *observability.Logger, cronSecret string, batchSize int) *CleanupHandler {
	if batchSize <= 0 {
		batchSize = 500
	}

	return &CleanupHandler{
		directory:  directory,
		codec:      codec,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		batchSize:  batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.cleanup(r.Context())
	if err != nil {
		h.logger.Error("token_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("token_cleanup_completed", map[string]any{
		"cleared_refresh_tokens": result.ClearedRefreshTokens,
		"cleared_reset_tokens":   result.ClearedResetTokens,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func (h *CleanupHandler) cleanup(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult

	refreshRows, err := h.directory.ListRefreshTokens(ctx, h.batchSize)
	if err != nil {
		return CleanupResult{}, err
	}
	for _, row := range refreshRows {
		if _, err := h.codec.Verify(row.Token); err == nil {
			continue
		}
		if err := h.directory.ClearRefreshToken(ctx, row.UserID); err != nil {
			return CleanupResult{}, err
		}
		result.ClearedRefreshTokens++
	}

	resetRows, err := h.directory.ListResetTokens(ctx, h.batchSize)
	if err != nil {
		return CleanupResult{}, err
	}
	for _, row := range resetRows {
		if _, err := h.codec.Verify(row.Token); err == nil {
			continue
		}
		if err := h.directory.ClearResetToken(ctx, row.UserID); err != nil {
			return CleanupResult{}, err
		}
		result.ClearedResetTokens++
	}

	return result, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
