package contact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const contactColumns = `id, user_id, firstname, lastname, email, phone, birthday, description, done, created_at, updated_at`

func scanContact(scan func(dest ...any) error) (Contact, error) {
	var c Contact
	err := scan(
		&c.ID, &c.UserID, &c.Firstname, &c.Lastname, &c.Email, &c.Phone,
		&c.Birthday, &c.Description, &c.Done, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func (r *Repository) List(ctx context.Context, userID string, skip, limit int) ([]Contact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE user_id = $1
		ORDER BY created_at ASC
		OFFSET $2 LIMIT $3
	`, userID, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	return collect(rows)
}

func (r *Repository) GetByID(ctx context.Context, userID, id string) (Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE id = $1 AND user_id = $2
	`, id, userID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, err
		}
		return Contact{}, fmt.Errorf("query contact by id: %w", err)
	}

	return c, nil
}

func (r *Repository) Create(ctx context.Context, userID string, input ContactInput) (Contact, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Contact{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := time.Now().UTC()
	c := Contact{
		ID:          id.String(),
		UserID:      userID,
		Firstname:   input.Firstname,
		Lastname:    input.Lastname,
		Email:       input.Email,
		Phone:       input.Phone,
		Birthday:    input.Birthday,
		Description: input.Description,
		Done:        false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO contacts (id, user_id, firstname, lastname, email, phone, birthday, description, done, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, c.ID, c.UserID, c.Firstname, c.Lastname, c.Email, c.Phone, c.Birthday, c.Description, c.Done, now)
	if err != nil {
		return Contact{}, fmt.Errorf("insert contact: %w", err)
	}

	return c, nil
}

func (r *Repository) Update(ctx context.Context, userID, id string, input ContactInput) (Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx, `
		UPDATE contacts
		SET firstname = $3, lastname = $4, email = $5, phone = $6, birthday = $7, description = $8, done = $9, updated_at = $10
		WHERE id = $1 AND user_id = $2
		RETURNING `+contactColumns+`
	`, id, userID, input.Firstname, input.Lastname, input.Email, input.Phone, input.Birthday, input.Description, input.Done, time.Now().UTC()).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, err
		}
		return Contact{}, fmt.Errorf("update contact: %w", err)
	}

	return c, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, userID, id string, done bool) (Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx, `
		UPDATE contacts
		SET done = $3, updated_at = $4
		WHERE id = $1 AND user_id = $2
		RETURNING `+contactColumns+`
	`, id, userID, done, time.Now().UTC()).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, err
		}
		return Contact{}, fmt.Errorf("update contact status: %w", err)
	}

	return c, nil
}

func (r *Repository) Delete(ctx context.Context, userID, id string) (Contact, error) {
	c, err := scanContact(r.db.QueryRowContext(ctx, `
		DELETE FROM contacts
		WHERE id = $1 AND user_id = $2
		RETURNING `+contactColumns+`
	`, id, userID).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, err
		}
		return Contact{}, fmt.Errorf("delete contact: %w", err)
	}

	return c, nil
}

// searchColumns whitelists the fields exposed by the search endpoint. The
// column name is interpolated into SQL, so nothing outside this map may pass.
var searchColumns = map[string]string{
	"firstname": "firstname",
	"lastname":  "lastname",
	"email":     "email",
}

func (r *Repository) Search(ctx context.Context, userID, field, query string, skip, limit int) ([]Contact, error) {
	column, ok := searchColumns[field]
	if !ok {
		return nil, fmt.Errorf("unknown search field %q", field)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE user_id = $1 AND `+column+` LIKE $2
		ORDER BY created_at ASC
		OFFSET $3 LIMIT $4
	`, userID, "%"+query+"%", skip, limit)
	if err != nil {
		return nil, fmt.Errorf("search contacts: %w", err)
	}
	defer rows.Close()

	return collect(rows)
}

// Birthdays returns contacts whose birthday falls within the next 7 days,
// compared by month and day so the birth year does not matter.
func (r *Repository) Birthdays(ctx context.Context, userID string, skip, limit int) ([]Contact, error) {
	days := upcomingMonthDays(time.Now().UTC(), 7)

	placeholders := make([]string, len(days))
	args := make([]any, 0, len(days)+3)
	args = append(args, userID)
	for i, day := range days {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, day)
	}
	args = append(args, skip, limit)

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM contacts
		WHERE user_id = $1 AND to_char(birthday, 'MMDD') IN (%s)
		ORDER BY to_char(birthday, 'MMDD') ASC
		OFFSET $%d LIMIT $%d
	`, contactColumns, strings.Join(placeholders, ", "), len(days)+2, len(days)+3), args...)
	if err != nil {
		return nil, fmt.Errorf("query upcoming birthdays: %w", err)
	}
	defer rows.Close()

	return collect(rows)
}

// upcomingMonthDays lists today plus the following n days as MMDD strings,
// wrapping across month and year boundaries.
func upcomingMonthDays(from time.Time, n int) []string {
	days := make([]string, 0, n+1)
	for i := 0; i <= n; i++ {
		days = append(days, from.AddDate(0, 0, i).Format("0102"))
	}
	return days
}

func collect(rows *sql.Rows) ([]Contact, error) {
	contacts := make([]Contact, 0)
	for rows.Next() {
		c, err := scanContact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}

	return contacts, nil
}
