package user

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db), mock
}

var userRowColumns = []string{
	"id", "username", "email", "password_hash", "avatar",
	"role", "confirmed", "refresh_token", "password_reset_token",
	"created_at", "updated_at",
}

func aliceRow() *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(userRowColumns).
		AddRow("u-1", "alice", "alice@example.com", "hash", nil, "USER", true, nil, nil, now, now)
}

func TestGetByUsername(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT (.+) FROM users WHERE username = \$1`).
		WithArgs("alice").
		WillReturnRows(aliceRow())

	u, err := repo.GetByUsername(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "u-1", u.ID)
	require.Equal(t, RoleUser, u.Role)
	require.True(t, u.Confirmed)
	require.Nil(t, u.RefreshToken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByUsernameNotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT (.+) FROM users WHERE username = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(userRowColumns))

	_, err := repo.GetByUsername(context.Background(), "ghost")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByRefreshTokenMatchesBothColumns(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`SELECT (.+) FROM users WHERE username = \$1 AND refresh_token = \$2`).
		WithArgs("alice", "stored-token").
		WillReturnRows(aliceRow())

	_, err := repo.GetByRefreshToken(context.Background(), "alice", "stored-token")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateInsertsUnconfirmedUser(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`INSERT INTO users \(id, username, email, password_hash, role, confirmed, created_at, updated_at\)`).
		WithArgs(sqlmock.AnyArg(), "alice", "alice@example.com", "hash", "USER", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	created, err := repo.Create(context.Background(), "alice", "alice@example.com", "hash", RoleUser)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.False(t, created.Confirmed)
	require.Equal(t, RoleUser, created.Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePasswordClearsResetToken(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`UPDATE users SET password_hash = \$2, password_reset_token = NULL, updated_at = \$3 WHERE id = \$1`).
		WithArgs("u-1", "new-hash", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdatePassword(context.Background(), "u-1", "new-hash"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAvatarReturnsUpdatedRow(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	now := time.Now().UTC()
	avatar := "https://cdn.example.com/alice.png"
	rows := sqlmock.NewRows(userRowColumns).
		AddRow("u-1", "alice", "alice@example.com", "hash", avatar, "USER", true, nil, nil, now, now)

	mock.ExpectQuery(`UPDATE users SET avatar = \$2, updated_at = \$3 WHERE email = \$1 RETURNING`).
		WithArgs("alice@example.com", avatar, sqlmock.AnyArg()).
		WillReturnRows(rows)

	updated, err := repo.UpdateAvatar(context.Background(), "alice@example.com", avatar)
	require.NoError(t, err)
	require.NotNil(t, updated.Avatar)
	require.Equal(t, avatar, *updated.Avatar)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRefreshTokens(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	rows := sqlmock.NewRows([]string{"id", "refresh_token"}).
		AddRow("u-1", "token-1").
		AddRow("u-2", "token-2")

	mock.ExpectQuery(`SELECT id, refresh_token FROM users WHERE refresh_token IS NOT NULL`).
		WithArgs(500).
		WillReturnRows(rows)

	tokens, err := repo.ListRefreshTokens(context.Background(), 500)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	require.Equal(t, TokenRow{UserID: "u-1", Token: "token-1"}, tokens[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClearResetToken(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`UPDATE users SET password_reset_token = NULL, updated_at = \$2 WHERE id = \$1`).
		WithArgs("u-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.ClearResetToken(context.Background(), "u-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
