package store

import "context"

// schema statements, applied in order; each is idempotent. The partial
// unique index backs the duplicate-redemption guarantee: at most one
// redeemed row per claimant/subject/period/day. Administrative edits keep
// their rows in the table but the index only covers redemption-origin rows.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS qr_codes (
		id BIGSERIAL PRIMARY KEY,
		qr_id TEXT UNIQUE NOT NULL,
		subject TEXT NOT NULL,
		period TEXT NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS attendance (
		id BIGSERIAL PRIMARY KEY,
		student_name TEXT NOT NULL,
		student_roll TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL,
		period TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		device_id TEXT NOT NULL,
		student_latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		student_longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		qr_latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		qr_longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'present',
		marked_by TEXT NOT NULL,
		modified_by TEXT,
		modification_reason TEXT,
		created_date DATE NOT NULL DEFAULT CURRENT_DATE
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS attendance_redeemed_once
		ON attendance (student_name, subject, period, created_date)
		WHERE marked_by = 'student_app'`,
	`CREATE TABLE IF NOT EXISTS faculty (
		id BIGSERIAL PRIMARY KEY,
		faculty_id TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		email TEXT,
		department TEXT,
		role TEXT NOT NULL DEFAULT 'faculty',
		password_hash TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_login TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate bootstraps the schema.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
