package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, username, email, password_hash, avatar, role, confirmed, refresh_token, password_reset_token, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Avatar,
		&u.Role, &u.Confirmed, &u.RefreshToken, &u.PasswordResetToken,
		&u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

func (r *Repository) GetByUsername(ctx context.Context, username string) (User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username = $1
	`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by username: %w", err)
	}

	return u, nil
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = $1
	`, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by email: %w", err)
	}

	return u, nil
}

// GetByRefreshToken matches both the username and the exact stored refresh
// token, so a rotated-away token stops resolving even while it still
// verifies cryptographically.
func (r *Repository) GetByRefreshToken(ctx context.Context, username, refreshToken string) (User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username = $1 AND refresh_token = $2
	`, username, refreshToken))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by refresh token: %w", err)
	}

	return u, nil
}

func (r *Repository) GetByResetToken(ctx context.Context, resetToken string) (User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE password_reset_token = $1
	`, resetToken))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by reset token: %w", err)
	}

	return u, nil
}

func (r *Repository) Create(ctx context.Context, username, email, passwordHash string, role Role) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	u := User{
		ID:           id.String(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		Confirmed:    false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, confirmed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.Role, u.Confirmed, now)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return u, nil
}

func (r *Repository) SetRefreshToken(ctx context.Context, id, refreshToken string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET refresh_token = $2, updated_at = $3
		WHERE id = $1
	`, id, refreshToken, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set refresh token: %w", err)
	}

	return nil
}

func (r *Repository) ConfirmEmail(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET confirmed = TRUE, updated_at = $2
		WHERE email = $1
	`, email, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("confirm email: %w", err)
	}

	return nil
}

func (r *Repository) SetResetToken(ctx context.Context, id, resetToken string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_reset_token = $2, updated_at = $3
		WHERE id = $1
	`, id, resetToken, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set password reset token: %w", err)
	}

	return nil
}

// UpdatePassword stores a new hash and clears the pending reset token in the
// same statement, so a reset token is single use.
func (r *Repository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, password_reset_token = NULL, updated_at = $3
		WHERE id = $1
	`, id, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	return nil
}

func (r *Repository) UpdateAvatar(ctx context.Context, email, avatarURL string) (User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `
		UPDATE users
		SET avatar = $2, updated_at = $3
		WHERE email = $1
		RETURNING `+userColumns+`
	`, email, avatarURL, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("update avatar: %w", err)
	}

	return u, nil
}

// TokenRow is one stored token awaiting an expiry check by the maintenance
// cleanup pass.
type TokenRow struct {
	UserID string
	Token  string
}

func (r *Repository) ListRefreshTokens(ctx context.Context, limit int) ([]TokenRow, error) {
	return r.listTokens(ctx, "refresh_token", limit)
}

func (r *Repository) ListResetTokens(ctx context.Context, limit int) ([]TokenRow, error) {
	return r.listTokens(ctx, "password_reset_token", limit)
}

func (r *Repository) listTokens(ctx context.Context, column string, limit int) ([]TokenRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, `+column+`
		FROM users
		WHERE `+column+` IS NOT NULL
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s holders: %w", column, err)
	}
	defer rows.Close()

	tokens := make([]TokenRow, 0)
	for rows.Next() {
		var row TokenRow
		if err := rows.Scan(&row.UserID, &row.Token); err != nil {
			return nil, fmt.Errorf("scan %s holder: %w", column, err)
		}
		tokens = append(tokens, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s holders: %w", column, err)
	}

	return tokens, nil
}

func (r *Repository) ClearRefreshToken(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET refresh_token = NULL, updated_at = $2
		WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear refresh token: %w", err)
	}

	return nil
}

func (r *Repository) ClearResetToken(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_reset_token = NULL, updated_at = $2
		WHERE id = $1
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("clear password reset token: %w", err)
	}

	return nil
}
