package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/gramcrm/server/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// AccountRepo defines the interface for account repository operations
type AccountRepo interface {
	GetByID(ctx context.Context, id int64) (model.Account, error)
	ListByStatus(ctx context.Context, statuses ...model.AccountStatus) ([]model.Account, error)
	Create(ctx context.Context, a *model.Account) error
	Save(ctx context.Context, a *model.Account) error
	TouchActivity(ctx context.Context, id int64, at time.Time) error
	Count(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context, status model.AccountStatus) (int, error)
}

type accountRepo struct {
	db *sql.DB
}

// NewAccountRepo creates a new AccountRepo instance
func NewAccountRepo(db *sql.DB) AccountRepo {
	return &accountRepo{db: db}
}

const accountColumns = `
	id, name, phone_number, api_id, api_hash, session_string,
	telegram_user_id, first_name, last_name, username,
	status, last_error, error_count, last_activity, created_at, updated_at
`

func scanAccount(row *sql.Row) (model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.ID, &a.Name, &a.PhoneNumber, &a.APIID, &a.APIHash, &a.SessionString,
		&a.TelegramUserID, &a.FirstName, &a.LastName, &a.Username,
		&a.Status, &a.LastError, &a.ErrorCount, &a.LastActivity, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, fmt.Errorf("account: %w", ErrNotFound)
		}
		return model.Account{}, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

// GetByID retrieves an account by ID
func (r *accountRepo) GetByID(ctx context.Context, id int64) (model.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// ListByStatus retrieves all accounts whose status is one of the given values.
func (r *accountRepo) ListByStatus(ctx context.Context, statuses ...model.AccountStatus) ([]model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE status = ANY($1) ORDER BY id`
	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}
	rows, err := r.db.QueryContext(ctx, query, pq.Array(vals))
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var a model.Account
		err := rows.Scan(
			&a.ID, &a.Name, &a.PhoneNumber, &a.APIID, &a.APIHash, &a.SessionString,
			&a.TelegramUserID, &a.FirstName, &a.LastName, &a.Username,
			&a.Status, &a.LastError, &a.ErrorCount, &a.LastActivity, &a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create inserts a new account and fills its generated fields.
func (r *accountRepo) Create(ctx context.Context, a *model.Account) error {
	if a.Status == "" {
		a.Status = model.StatusInactive
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO accounts (name, phone_number, api_id, api_hash, session_string, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`, a.Name, a.PhoneNumber, a.APIID, a.APIHash, a.SessionString, a.Status).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// Save persists the account's mutable fields.
func (r *accountRepo) Save(ctx context.Context, a *model.Account) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET
			name = $2, phone_number = $3, api_id = $4, api_hash = $5,
			session_string = $6, telegram_user_id = $7,
			first_name = $8, last_name = $9, username = $10,
			status = $11, last_error = $12, error_count = $13,
			last_activity = $14, updated_at = now()
		WHERE id = $1
	`, a.ID, a.Name, a.PhoneNumber, a.APIID, a.APIHash,
		a.SessionString, a.TelegramUserID,
		a.FirstName, a.LastName, a.Username,
		a.Status, a.LastError, a.ErrorCount, a.LastActivity)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %d: %w", a.ID, ErrNotFound)
	}
	return nil
}

// TouchActivity updates last_activity only.
func (r *accountRepo) TouchActivity(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET last_activity = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// Count returns the total number of accounts.
func (r *accountRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of accounts in the given status.
func (r *accountRepo) CountByStatus(ctx context.Context, status model.AccountStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count accounts by status: %w", err)
	}
	return n, nil
}
