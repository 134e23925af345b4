package attendance

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added idx_attendance_events_identity for per-identity day lookups
const currentSchemaVersion = 1

// DateLayout is the format of local_date values.
const DateLayout = "2006-01-02"

// ErrStorage wraps every failure of the underlying database.
var ErrStorage = errors.New("attendance storage failure")

// ErrInvalidIdentity is returned for roster entries or events without a usable identity.
var ErrInvalidIdentity = errors.New("invalid identity")

// Store is the durable attendance log and identity roster, backed by SQLite
// in WAL mode.
type Store struct {
	db  *sql.DB
	loc *time.Location
}

// Open creates or opens the SQLite database at path. Calendar days are
// computed in loc. Pragmas and migrations are applied on every open.
func Open(path string, loc *time.Location) (*Store, error) {
	if loc == nil {
		return nil, errors.New("attendance: nil location")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, loc: loc}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Location returns the civil timezone of the store.
func (s *Store) Location() *time.Location {
	return s.loc
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`
			CREATE INDEX IF NOT EXISTS idx_attendance_events_identity
			ON attendance_events(identity_name, local_date)
		`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// LocalDate formats the civil day of t in loc.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// RecordAttendance appends one event for identity. The caller is responsible
// for the same-day duplicate check; the store accepts repeated events.
func (s *Store) RecordAttendance(ctx context.Context, identity Identity, imageRef string, at time.Time) (int64, error) {
	if identity.ID <= 0 || identity.Name == "" {
		return 0, fmt.Errorf("record attendance: %w: %+v", ErrInvalidIdentity, identity)
	}

	local := at.In(s.loc)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attendance_events
		(identity_id, identity_name, organization, category, image_reference, recorded_at, local_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		identity.ID,
		identity.Name,
		identity.Organization,
		identity.Category,
		imageRef,
		local.Format(time.RFC3339Nano),
		local.Format(DateLayout),
	)
	if err != nil {
		return 0, storageErr("record attendance", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("record attendance", err)
	}
	return id, nil
}

// ListIdentities returns the full roster ordered by id.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, organization, category FROM identities ORDER BY id
	`)
	if err != nil {
		return nil, storageErr("list identities", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.ID, &id.Name, &id.Organization, &id.Category); err != nil {
			return nil, storageErr("list identities", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list identities", err)
	}
	return out, nil
}

// ListTodayEvents returns the events of now's civil day, newest first.
func (s *Store) ListTodayEvents(ctx context.Context, now time.Time) ([]Event, error) {
	return s.ListEventsOn(ctx, now)
}

// ListEventsOn returns the events of day's civil day, newest first.
func (s *Store) ListEventsOn(ctx context.Context, day time.Time) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_id, identity_name, organization, category, image_reference, recorded_at, local_date
		FROM attendance_events
		WHERE local_date = ?
		ORDER BY recorded_at DESC, id DESC
	`, LocalDate(day, s.loc))
	if err != nil {
		return nil, storageErr("list events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev       Event
			recorded string
		)
		if err := rows.Scan(&ev.ID, &ev.IdentityID, &ev.IdentityName, &ev.Organization,
			&ev.Category, &ev.ImageReference, &recorded, &ev.LocalDate); err != nil {
			return nil, storageErr("list events", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, recorded)
		if err != nil {
			return nil, storageErr("list events", err)
		}
		ev.Timestamp = ts.In(s.loc)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list events", err)
	}
	return out, nil
}

// AttendedNamesOn returns the distinct identity names with an event on day.
func (s *Store) AttendedNamesOn(ctx context.Context, day time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT identity_name FROM attendance_events WHERE local_date = ?
	`, LocalDate(day, s.loc))
	if err != nil {
		return nil, storageErr("attended names", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storageErr("attended names", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("attended names", err)
	}
	return names, nil
}

// FirstEventTimestamp returns the timestamp of the earliest recorded event.
// The boolean is false when the log is empty.
func (s *Store) FirstEventTimestamp(ctx context.Context) (time.Time, bool, error) {
	var recorded string
	err := s.db.QueryRowContext(ctx, `
		SELECT recorded_at FROM attendance_events ORDER BY recorded_at ASC, id ASC LIMIT 1
	`).Scan(&recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storageErr("first event", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, recorded)
	if err != nil {
		return time.Time{}, false, storageErr("first event", err)
	}
	return ts.In(s.loc), true, nil
}

// CountEventsOn returns the number of events on day's civil day.
func (s *Store) CountEventsOn(ctx context.Context, day time.Time) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance_events WHERE local_date = ?
	`, LocalDate(day, s.loc)).Scan(&n); err != nil {
		return 0, storageErr("count events", err)
	}
	return n, nil
}

// AttendanceDates returns the distinct local dates with at least one event, ascending.
func (s *Store) AttendanceDates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT local_date FROM attendance_events ORDER BY local_date
	`)
	if err != nil {
		return nil, storageErr("attendance dates", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, storageErr("attendance dates", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("attendance dates", err)
	}
	return dates, nil
}

// ReconcileRoster inserts roster entries whose names are not stored yet.
// Existing rows are never modified. Returns the number of inserted rows.
func (s *Store) ReconcileRoster(ctx context.Context, roster []Identity) (int, error) {
	for i, id := range roster {
		if id.Name == "" {
			return 0, fmt.Errorf("reconcile roster: %w: entry %d has no name", ErrInvalidIdentity, i)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("reconcile roster", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO identities (name, organization, category, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`)
	if err != nil {
		return 0, storageErr("reconcile roster", err)
	}
	defer stmt.Close()

	created := time.Now().In(s.loc).Format(time.RFC3339)
	inserted := 0
	for _, id := range roster {
		res, err := stmt.ExecContext(ctx, id.Name, id.Organization, id.Category, created)
		if err != nil {
			return 0, storageErr("reconcile roster", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, storageErr("reconcile roster", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("reconcile roster", err)
	}
	return inserted, nil
}
