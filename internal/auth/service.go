package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"contacts-api/internal/cache"
	"contacts-api/internal/observability"
	"contacts-api/internal/token"
	"contacts-api/internal/user"
)

var (
	ErrEmailTaken          = errors.New("user with this email already exists")
	ErrUsernameTaken       = errors.New("user with this username already exists")
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrEmailNotConfirmed   = errors.New("email address is not confirmed")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrInvalidEmailToken   = errors.New("invalid token")
	ErrVerification        = errors.New("verification error")
	ErrEmailNotFound       = errors.New("email address does not exist")
	ErrResetTokenMismatch  = errors.New("reset token does not match")
	ErrPasswordMismatch    = errors.New("passwords do not match")
	ErrPasswordTooShort    = errors.New("password must be at least 8 characters")
)

const minPasswordLength = 8

// Directory is the user-lookup collaborator. Absence is signalled with
// sql.ErrNoRows, never an exception-style panic.
type Directory interface {
	GetByUsername(ctx context.Context, username string) (user.User, error)
	GetByEmail(ctx context.Context, email string) (user.User, error)
	GetByRefreshToken(ctx context.Context, username, refreshToken string) (user.User, error)
	GetByResetToken(ctx context.Context, resetToken string) (user.User, error)
	Create(ctx context.Context, username, email, passwordHash string, role user.Role) (user.User, error)
	SetRefreshToken(ctx context.Context, id, refreshToken string) error
	ConfirmEmail(ctx context.Context, email string) error
	SetResetToken(ctx context.Context, id, resetToken string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

// Mail is the fire-and-forget mail collaborator.
type Mail interface {
	SendConfirmation(to, username, baseURL, verifyToken string) error
	SendPasswordReset(to, username, baseURL, resetToken string) error
}

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type Service struct {
	directory  Directory
	sessions   *cache.Sessions
	codec      *token.Codec
	mail       Mail
	logger     *observability.Logger
	accessTTL  time.Duration
	refreshTTL time.Duration
	emailTTL   time.Duration
}

func NewService(directory Directory, sessions *cache.Sessions, codec *token.Codec, mail Mail, logger *observability.Logger) *Service {
	return &Service{
		directory:  directory,
		sessions:   sessions,
		codec:      codec,
		mail:       mail,
		logger:     logger,
		accessTTL:  token.DefaultAccessTTL,
		refreshTTL: token.DefaultRefreshTTL,
		emailTTL:   token.DefaultEmailTTL,
	}
}

func (s *Service) WithTokenTTLs(accessTTL, refreshTTL, emailTTL time.Duration) {
	if accessTTL > 0 {
		s.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		s.refreshTTL = refreshTTL
	}
	if emailTTL > 0 {
		s.emailTTL = emailTTL
	}
}

// Register creates an unconfirmed USER principal. The email uniqueness check
// runs before the username check; both are exact matches.
func (s *Service) Register(ctx context.Context, username, email, password, baseURL string) (user.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if _, err := s.directory.GetByEmail(ctx, email); err == nil {
		return user.User{}, ErrEmailTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return user.User{}, err
	}

	if _, err := s.directory.GetByUsername(ctx, username); err == nil {
		return user.User{}, ErrUsernameTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return user.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return user.User{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.directory.Create(ctx, username, email, string(hash), user.RoleUser)
	if err != nil {
		return user.User{}, err
	}

	s.sendConfirmationAsync(created, baseURL)

	return created, nil
}

// Login verifies credentials and issues a fresh access/refresh pair. Unknown
// username and wrong password produce the same error so the response leaks
// nothing. An unconfirmed account fails with its own message even when the
// password is right.
func (s *Service) Login(ctx context.Context, username, password string) (Tokens, error) {
	u, err := s.directory.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tokens{}, ErrInvalidCredentials
		}
		return Tokens{}, err
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return Tokens{}, ErrInvalidCredentials
	}

	if !u.Confirmed {
		return Tokens{}, ErrEmailNotConfirmed
	}

	access, err := s.codec.Issue(u.Username, token.KindAccess, s.accessTTL)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := s.codec.Issue(u.Username, token.KindRefresh, s.refreshTTL)
	if err != nil {
		return Tokens{}, err
	}

	if err := s.directory.SetRefreshToken(ctx, u.ID, refresh); err != nil {
		return Tokens{}, err
	}

	// Force the next gate lookup to read the fresh record.
	s.sessions.Invalidate(ctx, u.Username)

	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// Refresh exchanges a valid refresh token for a new access token. The
// refresh token is echoed back unrotated; only a login replaces it.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	claims, err := s.codec.Verify(refreshToken)
	if err != nil || claims.Kind != token.KindRefresh {
		return Tokens{}, ErrInvalidRefreshToken
	}

	u, err := s.directory.GetByRefreshToken(ctx, claims.Subject, refreshToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tokens{}, ErrInvalidRefreshToken
		}
		return Tokens{}, err
	}

	access, err := s.codec.Issue(u.Username, token.KindAccess, s.accessTTL)
	if err != nil {
		return Tokens{}, err
	}

	return Tokens{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// ConfirmEmail flips the confirmed flag exactly once. Confirming an already
// confirmed account is an idempotent success.
func (s *Service) ConfirmEmail(ctx context.Context, tokenStr string) (string, error) {
	claims, err := s.codec.Verify(tokenStr)
	if err != nil || claims.Kind != token.KindEmailVerify {
		return "", ErrInvalidEmailToken
	}

	u, err := s.directory.GetByEmail(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrVerification
		}
		return "", err
	}

	if u.Confirmed {
		return "your email is already confirmed", nil
	}

	if err := s.directory.ConfirmEmail(ctx, u.Email); err != nil {
		return "", err
	}

	return "email confirmed", nil
}

// RequestEmail resends the confirmation mail for a known, still unconfirmed
// address.
func (s *Service) RequestEmail(ctx context.Context, email, baseURL string) (string, error) {
	u, err := s.directory.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrEmailNotFound
		}
		return "", err
	}

	if u.Confirmed {
		return "your email is already confirmed", nil
	}

	s.sendConfirmationAsync(u, baseURL)

	return "check your email for confirmation", nil
}

// RequestPasswordReset issues a password_reset token, stores it on the
// principal and mails it. Existence is verified before any token issuance or
// mail dispatch.
func (s *Service) RequestPasswordReset(ctx context.Context, email, baseURL string) (string, error) {
	u, err := s.directory.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrEmailNotFound
		}
		return "", err
	}

	resetToken, err := s.codec.Issue(u.Email, token.KindPasswordReset, s.emailTTL)
	if err != nil {
		return "", err
	}

	if err := s.directory.SetResetToken(ctx, u.ID, resetToken); err != nil {
		return "", err
	}

	go func() {
		if err := s.mail.SendPasswordReset(u.Email, u.Username, baseURL, resetToken); err != nil {
			s.logger.Warn("send_password_reset_failed", map[string]any{"email": u.Email, "error": err.Error()})
		}
	}()

	return "check your email for confirmation", nil
}

// ChangePassword consumes a pending reset token. The principal is looked up
// by the stored token value, so a structurally valid token that has been
// superseded by a newer request no longer matches.
func (s *Service) ChangePassword(ctx context.Context, resetToken, newPassword, confirmPassword string) error {
	claims, err := s.codec.Verify(resetToken)
	if err != nil || claims.Kind != token.KindPasswordReset {
		return ErrInvalidEmailToken
	}

	u, err := s.directory.GetByResetToken(ctx, resetToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrResetTokenMismatch
		}
		return err
	}

	if newPassword != confirmPassword {
		return ErrPasswordMismatch
	}
	if len(newPassword) < minPasswordLength {
		return ErrPasswordTooShort
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.directory.UpdatePassword(ctx, u.ID, string(hash)); err != nil {
		return err
	}

	s.sessions.Invalidate(ctx, u.Username)

	return nil
}

func (s *Service) sendConfirmationAsync(u user.User, baseURL string) {
	verifyToken, err := s.codec.Issue(u.Email, token.KindEmailVerify, s.emailTTL)
	if err != nil {
		s.logger.Warn("issue_email_token_failed", map[string]any{"email": u.Email, "error": err.Error()})
		return
	}

	go func() {
		if err := s.mail.SendConfirmation(u.Email, u.Username, baseURL, verifyToken); err != nil {
			s.logger.Warn("send_confirmation_failed", map[string]any{"email": u.Email, "error": err.Error()})
		}
	}()
}
