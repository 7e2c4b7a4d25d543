package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"contacts-api/internal/cache"
	"contacts-api/internal/observability"
	"contacts-api/internal/user"
)

type directoryMock struct {
	updateAvatar func(ctx context.Context, email, avatarURL string) (user.User, error)
}

func (m *directoryMock) UpdateAvatar(ctx context.Context, email, avatarURL string) (user.User, error) {
	return m.updateAvatar(ctx, email, avatarURL)
}

type uploaderMock struct {
	imageSource string
	publicID    string
	url         string
}

func (m *uploaderMock) UploadImage(ctx context.Context, imageSource, publicID string) (string, error) {
	m.imageSource = imageSource
	m.publicID = publicID
	return m.url, nil
}

func principalRequest(method, target string, body *bytes.Buffer) *http.Request {
	var request *http.Request
	if body == nil {
		request = httptest.NewRequest(method, target, nil)
	} else {
		request = httptest.NewRequest(method, target, body)
	}
	principal := user.Snapshot{
		ID:        "u-1",
		Username:  "alice",
		Email:     "alice@example.com",
		Role:      user.RoleUser,
		Confirmed: true,
	}
	return request.WithContext(user.NewContext(request.Context(), principal))
}

// minimal valid PNG header so content sniffing sees an image
var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func multipartBody(t *testing.T, fieldName, fileName, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="`+fieldName+`"; filename="`+fileName+`"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return body, writer.FormDataContentType()
}

func TestMeReturnsPrincipalSnapshot(t *testing.T) {
	handler := NewHandler(nil, nil, cache.NewSessions(nil, observability.NewLogger()))

	recorder := httptest.NewRecorder()
	handler.Me(recorder, principalRequest(http.MethodGet, "/users/me", nil))

	require.Equal(t, http.StatusOK, recorder.Code)

	var snapshot user.Snapshot
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &snapshot))
	require.Equal(t, "alice", snapshot.Username)
	require.Equal(t, user.RoleUser, snapshot.Role)
}

func TestMeWithoutPrincipal(t *testing.T) {
	handler := NewHandler(nil, nil, cache.NewSessions(nil, observability.NewLogger()))

	recorder := httptest.NewRecorder()
	handler.Me(recorder, httptest.NewRequest(http.MethodGet, "/users/me", nil))

	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestUpdateAvatarUploadsAndInvalidatesSession(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := observability.NewLogger()
	sessions := cache.NewSessions(client, logger)
	sessions.Put(context.Background(), "alice", user.Snapshot{ID: "u-1", Username: "alice"}, 0)
	require.True(t, mr.Exists("session:alice"))

	avatarURL := "https://cdn.example.com/contacts-api/alice.png"
	uploader := &uploaderMock{url: avatarURL}
	directory := &directoryMock{
		updateAvatar: func(ctx context.Context, email, url string) (user.User, error) {
			require.Equal(t, "alice@example.com", email)
			require.Equal(t, avatarURL, url)
			return user.User{ID: "u-1", Username: "alice", Email: email, Avatar: &url, Confirmed: true}, nil
		},
	}
	handler := NewHandler(directory, uploader, sessions)

	body, contentType := multipartBody(t, "file", "avatar.png", "image/png", pngBytes)
	request := principalRequest(http.MethodPatch, "/users/avatar", body)
	request.Header.Set("Content-Type", contentType)

	recorder := httptest.NewRecorder()
	handler.UpdateAvatar(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "alice", uploader.publicID)
	require.True(t, strings.HasPrefix(uploader.imageSource, "data:image/png;base64,"))
	require.False(t, mr.Exists("session:alice"))

	var snapshot user.Snapshot
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &snapshot))
	require.NotNil(t, snapshot.Avatar)
	require.Equal(t, avatarURL, *snapshot.Avatar)
}

func TestUpdateAvatarRejectsNonImage(t *testing.T) {
	handler := NewHandler(&directoryMock{}, &uploaderMock{}, cache.NewSessions(nil, observability.NewLogger()))

	body, contentType := multipartBody(t, "file", "notes.txt", "text/plain", []byte("hello"))
	request := principalRequest(http.MethodPatch, "/users/avatar", body)
	request.Header.Set("Content-Type", contentType)

	recorder := httptest.NewRecorder()
	handler.UpdateAvatar(recorder, request)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Contains(t, recorder.Body.String(), "must be an image")
}

func TestUpdateAvatarRequiresFileField(t *testing.T) {
	handler := NewHandler(&directoryMock{}, &uploaderMock{}, cache.NewSessions(nil, observability.NewLogger()))

	body, contentType := multipartBody(t, "picture", "avatar.png", "image/png", pngBytes)
	request := principalRequest(http.MethodPatch, "/users/avatar", body)
	request.Header.Set("Content-Type", contentType)

	recorder := httptest.NewRecorder()
	handler.UpdateAvatar(recorder, request)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	require.Contains(t, recorder.Body.String(), "file is required")
}

func TestUpdateAvatarWithoutUploaderConfigured(t *testing.T) {
	handler := NewHandler(&directoryMock{}, nil, cache.NewSessions(nil, observability.NewLogger()))

	body, contentType := multipartBody(t, "file", "avatar.png", "image/png", pngBytes)
	request := principalRequest(http.MethodPatch, "/users/avatar", body)
	request.Header.Set("Content-Type", contentType)

	recorder := httptest.NewRecorder()
	handler.UpdateAvatar(recorder, request)

	require.Equal(t, http.StatusInternalServerError, recorder.Code)
}
