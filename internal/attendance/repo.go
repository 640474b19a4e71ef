package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record statuses. Redemption only ever writes StatusPresent; the others
// exist for administrative overrides.
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
	StatusLate    = "late"
)

// MarkedByRedemption tags rows created by the student redemption flow. The
// duplicate-suppression index is scoped to this value, so administrative
// edits are exempt from it.
const MarkedByRedemption = "student_app"

// ErrDuplicate means a redemption-origin record already exists for the same
// claimant, subject, period and calendar date.
var ErrDuplicate = errors.New("attendance already marked today")

// Record is one attendance fact. Claimant and anchor coordinates are copied
// from the token at redemption time, so later token changes cannot alter
// history.
type Record struct {
	ID                 int64     `json:"id"`
	StudentName        string    `json:"student_name"`
	StudentRoll        string    `json:"student_roll"`
	Subject            string    `json:"subject"`
	Period             string    `json:"period"`
	Timestamp          time.Time `json:"timestamp"`
	DeviceID           string    `json:"device_id"`
	StudentLatitude    float64   `json:"student_latitude"`
	StudentLongitude   float64   `json:"student_longitude"`
	AnchorLatitude     float64   `json:"qr_latitude"`
	AnchorLongitude    float64   `json:"qr_longitude"`
	Status             string    `json:"status"`
	MarkedBy           string    `json:"marked_by"`
	ModifiedBy         *string   `json:"modified_by,omitempty"`
	ModificationReason *string   `json:"modification_reason,omitempty"`
	CreatedDate        time.Time `json:"created_date"`
}

// Repository persists attendance records and faculty accounts in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// HasRedemption reports whether a redemption-origin record already exists
// for the claimant/subject/period on the current calendar date.
func (r *Repository) HasRedemption(ctx context.Context, studentName, subject, period string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance
			WHERE student_name = $1 AND subject = $2 AND period = $3
			  AND created_date = CURRENT_DATE AND marked_by = $4
		)
	`, studentName, subject, period, MarkedByRedemption)
	var exists bool
	err := row.Scan(&exists)
	return exists, err
}

// InsertRedemption writes a new redemption record as an atomic conditional
// insert. The partial unique index on (student_name, subject, period,
// created_date) decides races that slip past HasRedemption: the losing
// insert affects no rows and comes back as ErrDuplicate.
func (r *Repository) InsertRedemption(ctx context.Context, rec Record) (Record, error) {
	if rec.DeviceID == "" {
		rec.DeviceID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Status = StatusPresent
	rec.MarkedBy = MarkedByRedemption

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance (
			student_name, student_roll, subject, period, timestamp, device_id,
			student_latitude, student_longitude, qr_latitude, qr_longitude,
			status, marked_by
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (student_name, subject, period, created_date)
			WHERE marked_by = 'student_app' DO NOTHING
		RETURNING id, created_date
	`, rec.StudentName, rec.StudentRoll, rec.Subject, rec.Period, rec.Timestamp, rec.DeviceID,
		rec.StudentLatitude, rec.StudentLongitude, rec.AnchorLatitude, rec.AnchorLongitude,
		rec.Status, rec.MarkedBy)
	if err := row.Scan(&rec.ID, &rec.CreatedDate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrDuplicate
		}
		return Record{}, err
	}
	return rec, nil
}

// GetRecord returns a single record by id.
func (r *Repository) GetRecord(ctx context.Context, id int64) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_name, student_roll, subject, period, timestamp, device_id,
		       student_latitude, student_longitude, qr_latitude, qr_longitude,
		       status, marked_by, modified_by, modification_reason, created_date
		FROM attendance WHERE id = $1
	`, id)
	var rec Record
	if err := scanRecord(row.Scan, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListFilter narrows ListRecords. Zero values mean no filter; Date is a
// calendar date in 2006-01-02 form.
type ListFilter struct {
	Subject     string
	StudentRoll string
	Date        string
	Limit       int
	Offset      int
}

// ListRecords returns records newest-first with basic filters.
func (r *Repository) ListRecords(ctx context.Context, f ListFilter) ([]Record, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `SELECT id, student_name, student_roll, subject, period, timestamp, device_id,
		student_latitude, student_longitude, qr_latitude, qr_longitude,
		status, marked_by, modified_by, modification_reason, created_date
		FROM attendance`
	args := []any{}
	clauses := []string{}
	if f.Subject != "" {
		clauses = append(clauses, "subject = $"+itoa(len(args)+1))
		args = append(args, f.Subject)
	}
	if f.StudentRoll != "" {
		clauses = append(clauses, "student_roll = $"+itoa(len(args)+1))
		args = append(args, f.StudentRoll)
	}
	if f.Date != "" {
		clauses = append(clauses, "created_date = $"+itoa(len(args)+1))
		args = append(args, f.Date)
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinClauses(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT $" + itoa(len(args)+1) + " OFFSET $" + itoa(len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := scanRecord(rows.Scan, &rec); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// OverrideStatus is the administrative edit path: it changes status and
// records who changed it and why, leaving the original redemption fact
// (coordinates, timestamp, marked_by) untouched.
func (r *Repository) OverrideStatus(ctx context.Context, id int64, status, modifiedBy, reason string) error {
	if status != StatusPresent && status != StatusAbsent && status != StatusLate {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance
		SET status = $2, modified_by = $3, modification_reason = $4
		WHERE id = $1
	`, id, status, modifiedBy, reason)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

// SummaryRow aggregates one subject's records for a calendar date.
type SummaryRow struct {
	Subject string `json:"subject"`
	Present int    `json:"present"`
	Absent  int    `json:"absent"`
	Late    int    `json:"late"`
}

// Summary returns per-subject status counts for the given date
// (2006-01-02); empty date means today.
func (r *Repository) Summary(ctx context.Context, date string) ([]SummaryRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT subject,
		       COUNT(*) FILTER (WHERE status = 'present'),
		       COUNT(*) FILTER (WHERE status = 'absent'),
		       COUNT(*) FILTER (WHERE status = 'late')
		FROM attendance
		WHERE created_date = COALESCE(NULLIF($1, '')::date, CURRENT_DATE)
		GROUP BY subject
		ORDER BY subject
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SummaryRow
	for rows.Next() {
		var s SummaryRow
		if err := rows.Scan(&s.Subject, &s.Present, &s.Absent, &s.Late); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func scanRecord(scan func(dest ...any) error, rec *Record) error {
	return scan(&rec.ID, &rec.StudentName, &rec.StudentRoll, &rec.Subject, &rec.Period,
		&rec.Timestamp, &rec.DeviceID,
		&rec.StudentLatitude, &rec.StudentLongitude, &rec.AnchorLatitude, &rec.AnchorLongitude,
		&rec.Status, &rec.MarkedBy, &rec.ModifiedBy, &rec.ModificationReason, &rec.CreatedDate)
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

func joinClauses(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for i := 1; i < len(parts); i++ {
		out += sep + parts[i]
	}
	return out
}

// Faculty is a staff account allowed to issue tokens and edit records.
type Faculty struct {
	ID           int64      `json:"id"`
	FacultyID    string     `json:"faculty_id"`
	Name         string     `json:"name"`
	Email        *string    `json:"email,omitempty"`
	Department   *string    `json:"department,omitempty"`
	Role         string     `json:"role"`
	PasswordHash string     `json:"-"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// GetFaculty returns an active faculty account, or nil when unknown or
// deactivated.
func (r *Repository) GetFaculty(ctx context.Context, facultyID string) (*Faculty, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, faculty_id, name, email, department, role, password_hash, last_login, created_at
		FROM faculty WHERE faculty_id = $1 AND is_active
	`, facultyID)
	var f Faculty
	if err := row.Scan(&f.ID, &f.FacultyID, &f.Name, &f.Email, &f.Department, &f.Role, &f.PasswordHash, &f.LastLogin, &f.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

// UpsertFaculty creates or updates a faculty account.
func (r *Repository) UpsertFaculty(ctx context.Context, facultyID, name, passwordHash, role string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO faculty (faculty_id, name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (faculty_id) DO UPDATE SET
			name = EXCLUDED.name,
			password_hash = EXCLUDED.password_hash,
			role = EXCLUDED.role
	`, facultyID, name, passwordHash, role)
	return err
}

// TouchLastLogin records a successful login.
func (r *Repository) TouchLastLogin(ctx context.Context, facultyID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE faculty SET last_login = NOW() WHERE faculty_id = $1`, facultyID)
	return err
}
