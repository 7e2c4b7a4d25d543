package profile

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"contacts-api/internal/cache"
	"contacts-api/internal/user"
)

const maxAvatarSizeBytes = 10 << 20

// Directory is the slice of the user repository this surface needs.
type Directory interface {
	UpdateAvatar(ctx context.Context, email, avatarURL string) (user.User, error)
}

type ImageUploader interface {
	UploadImage(ctx context.Context, imageSource, publicID string) (string, error)
}

type Handler struct {
	directory Directory
	uploader  ImageUploader
	sessions  *cache.Sessions
}

func NewHandler(directory Directory, uploader ImageUploader, sessions *cache.Sessions) *Handler {
	return &Handler{directory: directory, uploader: uploader, sessions: sessions}
}

// Me returns the calling principal.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := user.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "could not validate credentials")
		return
	}

	writeJSON(w, http.StatusOK, principal)
}

// UpdateAvatar accepts a multipart image, pushes it to the image host and
// stores the returned URL. The cached snapshot is invalidated so the next
// authenticated request sees the new avatar.
func (h *Handler) UpdateAvatar(w http.ResponseWriter, r *http.Request) {
	principal, ok := user.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "could not validate credentials")
		return
	}

	if h.uploader == nil {
		writeError(w, http.StatusInternalServerError, "image uploader is not configured")
		return
	}

	if err := r.ParseMultipartForm(maxAvatarSizeBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxAvatarSizeBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}
	if len(data) > maxAvatarSizeBytes {
		writeError(w, http.StatusBadRequest, "file is too large")
		return
	}

	contentType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		writeError(w, http.StatusBadRequest, "file must be an image")
		return
	}

	imageSource := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data))
	avatarURL, err := h.uploader.UploadImage(r.Context(), imageSource, principal.Username)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusBadGateway, "failed to upload avatar")
		return
	}

	updated, err := h.directory.UpdateAvatar(r.Context(), principal.Email, avatarURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update avatar")
		return
	}

	h.sessions.Invalidate(r.Context(), updated.Username)

	writeJSON(w, http.StatusOK, updated.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
