package contact

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"contacts-api/internal/user"
)

var phoneRegex = regexp.MustCompile(`^\+?\d{1,3}?[-.\s]?\(?\d{1,4}?\)?[-.\s]?\d{1,4}[-.\s]?\d{1,9}$`)

const (
	maxJSONBodyBytes = 1 << 20
	defaultLimit     = 100
)

type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	principal, ok := user.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "could not validate credentials")
		return
	}

	skip, limit := pagination(r)
	contacts, err := h.repo.List(r.Context(), principal.ID, skip, limit)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list contacts")
		return
	}

	writeJSON(w, http.StatusOK, contacts)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	principal, ok := user.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "could not validate credentials")
		return
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}

	c, err := h.repo.GetByID(r.Context(), principal.ID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "contact not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to fetch contact")
		return
	}

	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	principal, ok := user.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "could not validate credentials")
		return
	}

	field := r.PathValue("field")
	if _, ok := searchColumns[field]; !ok {
		writeError(w, http.StatusBadRequest, "search field must be firstname, lastname or email")
		return
	}

	skip, limit := pagination(r)
	contacts, err := h.repo.Search(r.Context(), principal.ID, field, r.URL.Query().Get("query"), skip, limit)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to search contacts")
		return
	}

	writeJSON(w, http.StatusOK, contacts)
}

func (h *Handler) Birthdays(w http.ResponseWriter, r *http.Request) {
	principal, ok := user.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "could not validate credentials")
		return
	}

	skip, limit := pagination(r)
	contacts, err := h.repo.Birthdays(r.Context(), principal.ID, skip, limit)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list upcoming birthdays")
		return
	}

	writeJSON(w, http.StatusOK, contacts)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	principal, ok := user.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "could not validate credentials")
		return
	}

	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	c, err := h.repo.Create(r.Context(), principal.ID, input)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create contact")
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	principal, ok := user.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "could not validate credentials")
		return
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}

	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	c, err := h.repo.Update(r.Context(), principal.ID, id, input)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "contact not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update contact")
		return
	}

	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	principal, ok := user.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "could not validate credentials")
		return
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	var input StatusInput
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	c, err := h.repo.UpdateStatus(r.Context(), principal.ID, id, input.Done)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "contact not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update contact status")
		return
	}

	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	principal, ok := user.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "could not validate credentials")
		return
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid contact id")
		return
	}

	c, err := h.repo.Delete(r.Context(), principal.ID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "contact not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to delete contact")
		return
	}

	writeJSON(w, http.StatusOK, c)
}

func parseInput(w http.ResponseWriter, r *http.Request) (ContactInput, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var input ContactInput
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return ContactInput{}, false
	}

	input.Firstname = strings.TrimSpace(input.Firstname)
	input.Lastname = strings.TrimSpace(input.Lastname)
	input.Email = strings.TrimSpace(input.Email)
	input.Phone = strings.TrimSpace(input.Phone)
	input.Description = strings.TrimSpace(input.Description)

	if input.Firstname == "" || !utf8.ValidString(input.Firstname) || utf8.RuneCountInString(input.Firstname) > 50 {
		writeError(w, http.StatusBadRequest, "firstname is invalid")
		return ContactInput{}, false
	}
	if input.Lastname == "" || !utf8.ValidString(input.Lastname) || utf8.RuneCountInString(input.Lastname) > 50 {
		writeError(w, http.StatusBadRequest, "lastname is invalid")
		return ContactInput{}, false
	}
	if len(input.Email) > 255 {
		writeError(w, http.StatusBadRequest, "email is invalid")
		return ContactInput{}, false
	}
	if _, err := mail.ParseAddress(input.Email); err != nil {
		writeError(w, http.StatusBadRequest, "email is invalid")
		return ContactInput{}, false
	}
	if len(input.Phone) > 16 || !phoneRegex.MatchString(input.Phone) {
		writeError(w, http.StatusBadRequest, "invalid phone number format")
		return ContactInput{}, false
	}
	if input.Birthday.IsZero() {
		writeError(w, http.StatusBadRequest, "birthday is required")
		return ContactInput{}, false
	}
	if utf8.RuneCountInString(input.Description) > 255 {
		writeError(w, http.StatusBadRequest, "description is invalid")
		return ContactInput{}, false
	}

	return input, true
}

func pagination(r *http.Request) (skip, limit int) {
	skip = queryInt(r, "skip", 0)
	limit = queryInt(r, "limit", defaultLimit)
	if limit <= 0 || limit > 1000 {
		limit = defaultLimit
	}
	if skip < 0 {
		skip = 0
	}
	return skip, limit
}

func queryInt(r *http.Request, name string, fallback int) int {
	value := strings.TrimSpace(r.URL.Query().Get(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
