package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tests (
    id TEXT PRIMARY KEY,
    test_key TEXT UNIQUE NOT NULL,
    name TEXT NOT NULL,
    page_path TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'draft',
    traffic_allocation REAL NOT NULL DEFAULT 1,
    variants TEXT NOT NULL,
    primary_goal TEXT NOT NULL DEFAULT '',
    secondary_goals TEXT,
    selection TEXT NOT NULL DEFAULT 'weighted',
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_tests_page ON tests(page_path, status);

CREATE TABLE IF NOT EXISTS assignments (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    user_id TEXT,
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    FOREIGN KEY (test_id) REFERENCES tests(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_test_session ON assignments(test_id, session_id);
CREATE INDEX IF NOT EXISTS idx_assignments_session ON assignments(session_id);

CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL,
    assignment_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    event_name TEXT NOT NULL DEFAULT '',
    event_value REAL,
    event_metadata TEXT,
    page_path TEXT NOT NULL DEFAULT '',
    time_on_page INTEGER,
    scroll_depth INTEGER,
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    FOREIGN KEY (assignment_id) REFERENCES assignments(id)
);

CREATE INDEX IF NOT EXISTS idx_events_test ON events(test_id, event_type);
CREATE INDEX IF NOT EXISTS idx_events_assignment ON events(assignment_id);
`

const testColumns = `id, test_key, name, page_path, status, traffic_allocation, variants, primary_goal, secondary_goals, selection, created_at, updated_at`

func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Size reports the database size in bytes for the health endpoint.
func (s *SQLiteStore) Size(ctx context.Context) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx,
		"SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()",
	).Scan(&size)
	return size, err
}

func (s *SQLiteStore) CreateTest(ctx context.Context, t *Test) (*Test, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}
	prepareTest(t)

	variantsJSON, goalsJSON, err := encodeTestJSON(t)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tests (`+testColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Key, t.Name, t.PagePath, string(t.Status), t.TrafficAllocation,
		variantsJSON, t.PrimaryGoal, nullableString(goalsJSON), string(t.Selection),
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("test %q: %w", t.Key, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to insert test: %w", err)
	}

	return t, nil
}

func (s *SQLiteStore) GetTestByKey(ctx context.Context, key string) (*Test, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE test_key = ?`, key)
	return scanSQLiteTest(row)
}

func (s *SQLiteStore) ActiveTestForPage(ctx context.Context, pagePath string) (*Test, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+testColumns+` FROM tests
		 WHERE page_path = ? AND status = 'active'
		 ORDER BY created_at DESC LIMIT 1`, pagePath)
	return scanSQLiteTest(row)
}

func (s *SQLiteStore) ListTests(ctx context.Context) ([]*Test, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+testColumns+` FROM tests ORDER BY created_at DESC, test_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	defer rows.Close()

	var tests []*Test
	for rows.Next() {
		t, err := scanSQLiteTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

func (s *SQLiteStore) UpdateTestStatus(ctx context.Context, key string, status TestStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tests SET status = ?, updated_at = ? WHERE test_key = ?`,
		string(status), time.Now().Unix(), key,
	)
	if err != nil {
		return fmt.Errorf("failed to update test status: %w", err)
	}
	return checkAffected(result)
}

func (s *SQLiteStore) DeleteTest(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const sub = `(SELECT id FROM tests WHERE test_key = ?)`
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE test_id = `+sub, key); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE test_id = `+sub, key); err != nil {
		return fmt.Errorf("failed to delete assignments: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE test_key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete test: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, testID, sessionID string) (*Assignment, error) {
	var a Assignment
	var userID sql.NullString
	var createdAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, test_id, session_id, variant_id, user_id, created_at
		 FROM assignments WHERE test_id = ? AND session_id = ?`, testID, sessionID,
	).Scan(&a.ID, &a.TestID, &a.SessionID, &a.VariantID, &userID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	a.UserID = userID.String
	a.CreatedAt = time.Unix(createdAt, 0)
	return &a, nil
}

func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *Assignment) (*Assignment, bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	// The unique (test_id, session_id) index turns a lost race into a no-op insert.
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO assignments (id, test_id, session_id, variant_id, user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.TestID, a.SessionID, a.VariantID, nullableString([]byte(a.UserID)), a.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert assignment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return a, true, nil
	}

	existing, err := s.GetAssignment(ctx, a.TestID, a.SessionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) ReassignVariant(ctx context.Context, a *Assignment, variantID string) (*Assignment, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET variant_id = ? WHERE id = ? AND variant_id = ?`,
		variantID, a.ID, a.VariantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reassign variant: %w", err)
	}
	return s.GetAssignment(ctx, a.TestID, a.SessionID)
}

func (s *SQLiteStore) DeleteAssignment(ctx context.Context, testID, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE assignment_id IN
		 (SELECT id FROM assignments WHERE test_id = ? AND session_id = ?)`, testID, sessionID,
	); err != nil {
		return fmt.Errorf("failed to delete assignment events: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM assignments WHERE test_id = ? AND session_id = ?`, testID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete assignment: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AttachUser(ctx context.Context, sessionID, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET user_id = ? WHERE session_id = ? AND (user_id IS NULL OR user_id = '')`,
		userID, sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to attach user: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	metadata, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, test_id, assignment_id, variant_id, event_type, event_name,
		                     event_value, event_metadata, page_path, time_on_page, scroll_depth, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TestID, e.AssignmentID, e.VariantID, string(e.Type), e.Name,
		e.Value, nullableString(metadata), e.PagePath, e.TimeOnPage, e.ScrollDepth, e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEvents(ctx context.Context, testID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, test_id, assignment_id, variant_id, event_type, event_name, event_value,
		        event_metadata, page_path, time_on_page, scroll_depth, created_at
		 FROM events WHERE test_id = ? ORDER BY created_at DESC, id`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var value sql.NullFloat64
		var metadata sql.NullString
		var timeOnPage, scrollDepth sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.TestID, &e.AssignmentID, &e.VariantID, &e.Type, &e.Name, &value,
			&metadata, &e.PagePath, &timeOnPage, &scrollDepth, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if value.Valid {
			e.Value = &value.Float64
		}
		if timeOnPage.Valid {
			v := int(timeOnPage.Int64)
			e.TimeOnPage = &v
		}
		if scrollDepth.Valid {
			v := int(scrollDepth.Int64)
			e.ScrollDepth = &v
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) GetVariantStats(ctx context.Context, testID, goal string) ([]VariantStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			a.variant_id,
			COUNT(DISTINCT a.id) AS assignments,
			COUNT(DISTINCT CASE WHEN e.event_type = 'page_view' THEN e.assignment_id END) AS views,
			COUNT(DISTINCT CASE WHEN e.event_type = 'conversion' AND (? = '' OR e.event_name = ?)
			                    THEN e.assignment_id END) AS conversions
		FROM assignments a
		LEFT JOIN events e ON e.assignment_id = a.id
		WHERE a.test_id = ?
		GROUP BY a.variant_id
		ORDER BY a.variant_id
	`, goal, goal, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to get variant stats: %w", err)
	}
	defer rows.Close()

	var stats []VariantStats
	for rows.Next() {
		var vs VariantStats
		if err := rows.Scan(&vs.VariantID, &vs.Assignments, &vs.Views, &vs.Conversions); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats = append(stats, vs)
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTest(row rowScanner) (*Test, error) {
	var t Test
	var variantsJSON string
	var goalsJSON sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&t.ID, &t.Key, &t.Name, &t.PagePath, &t.Status, &t.TrafficAllocation,
		&variantsJSON, &t.PrimaryGoal, &goalsJSON, &t.Selection, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan test: %w", err)
	}
	if err := decodeTestJSON(&t, variantsJSON, goalsJSON.String); err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func encodeTestJSON(t *Test) (variants string, goals []byte, err error) {
	v, err := json.Marshal(t.Variants)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal variants: %w", err)
	}
	if len(t.SecondaryGoals) > 0 {
		goals, err = json.Marshal(t.SecondaryGoals)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal secondary goals: %w", err)
		}
	}
	return string(v), goals, nil
}

func decodeTestJSON(t *Test, variants, goals string) error {
	if err := json.Unmarshal([]byte(variants), &t.Variants); err != nil {
		return fmt.Errorf("failed to unmarshal variants: %w", err)
	}
	if goals != "" {
		if err := json.Unmarshal([]byte(goals), &t.SecondaryGoals); err != nil {
			return fmt.Errorf("failed to unmarshal secondary goals: %w", err)
		}
	}
	return nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event metadata: %w", err)
	}
	return b, nil
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
