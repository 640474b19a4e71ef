package token

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateID means a token with the same qr_id already exists. UUIDs
// should make this unreachable, but the store guards it anyway.
var ErrDuplicateID = errors.New("token id already exists")

// Repository persists issued tokens in Postgres. Tokens are append-only;
// the active flag is the only mutable field and anchors never change.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Save persists a newly issued token.
func (r *Repository) Save(ctx context.Context, t Token) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO qr_codes (qr_id, subject, period, latitude, longitude, created_at, expires_at, created_by, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, t.ID, t.Subject, t.Period, t.Latitude, t.Longitude, t.IssuedAt, t.ExpiresAt, t.CreatedBy, t.Active)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateID
	}
	return err
}

// Active returns the token only if it exists and is still active. An
// inactive token is indistinguishable from a missing one: both return nil.
func (r *Repository) Active(ctx context.Context, id string) (*Token, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT qr_id, subject, period, latitude, longitude, created_at, expires_at, created_by, is_active
		FROM qr_codes
		WHERE qr_id = $1 AND is_active
	`, id)
	return scanToken(row)
}

// Get returns the token regardless of the active flag, for the faculty
// surface (re-downloading an artifact, audit views).
func (r *Repository) Get(ctx context.Context, id string) (*Token, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT qr_id, subject, period, latitude, longitude, created_at, expires_at, created_by, is_active
		FROM qr_codes
		WHERE qr_id = $1
	`, id)
	return scanToken(row)
}

// Deactivate flips the active flag. sql.ErrNoRows when the id is unknown.
func (r *Repository) Deactivate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE qr_codes SET is_active = FALSE WHERE qr_id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

func scanToken(row *sql.Row) (*Token, error) {
	var t Token
	err := row.Scan(&t.ID, &t.Subject, &t.Period, &t.Latitude, &t.Longitude, &t.IssuedAt, &t.ExpiresAt, &t.CreatedBy, &t.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}
