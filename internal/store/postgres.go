package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the shared-database backend. Queries mirror SQLiteStore;
// JSON columns are jsonb and timestamps are timestamptz.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ab_tests (
    id TEXT PRIMARY KEY,
    test_key TEXT UNIQUE NOT NULL,
    name TEXT NOT NULL,
    page_path TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'draft',
    traffic_allocation DOUBLE PRECISION NOT NULL DEFAULT 1,
    variants JSONB NOT NULL,
    primary_goal TEXT NOT NULL DEFAULT '',
    secondary_goals JSONB,
    selection TEXT NOT NULL DEFAULT 'weighted',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ab_tests_page ON ab_tests(page_path, status);

CREATE TABLE IF NOT EXISTS ab_test_assignments (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL REFERENCES ab_tests(id),
    session_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    user_id TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (test_id, session_id)
);

CREATE INDEX IF NOT EXISTS idx_ab_test_assignments_session ON ab_test_assignments(session_id);

CREATE TABLE IF NOT EXISTS ab_test_events (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL,
    assignment_id TEXT NOT NULL REFERENCES ab_test_assignments(id),
    variant_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    event_name TEXT NOT NULL DEFAULT '',
    event_value DOUBLE PRECISION,
    event_metadata JSONB,
    page_path TEXT NOT NULL DEFAULT '',
    time_on_page INTEGER,
    scroll_depth INTEGER,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ab_test_events_test ON ab_test_events(test_id, event_type);
CREATE INDEX IF NOT EXISTS idx_ab_test_events_assignment ON ab_test_events(assignment_id);
`

const pgTestColumns = `id, test_key, name, page_path, status, traffic_allocation, variants::text, primary_goal, COALESCE(secondary_goals::text, ''), selection, created_at, updated_at`

// OpenPostgres creates a verified pool and applies the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateTest(ctx context.Context, t *Test) (*Test, error) {
	if err := Validate(t); err != nil {
		return nil, err
	}
	prepareTest(t)

	variantsJSON, goalsJSON, err := encodeTestJSON(t)
	if err != nil {
		return nil, err
	}
	var goals *string
	if len(goalsJSON) > 0 {
		g := string(goalsJSON)
		goals = &g
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ab_tests (id, test_key, name, page_path, status, traffic_allocation, variants,
		                       primary_goal, secondary_goals, selection, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9::jsonb, $10, $11, $12)`,
		t.ID, t.Key, t.Name, t.PagePath, string(t.Status), t.TrafficAllocation,
		variantsJSON, t.PrimaryGoal, goals, string(t.Selection), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("test %q: %w", t.Key, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to insert test: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) GetTestByKey(ctx context.Context, key string) (*Test, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgTestColumns+` FROM ab_tests WHERE test_key = $1`, key)
	return scanPgTest(row)
}

func (s *PostgresStore) ActiveTestForPage(ctx context.Context, pagePath string) (*Test, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgTestColumns+` FROM ab_tests
		 WHERE page_path = $1 AND status = 'active'
		 ORDER BY created_at DESC LIMIT 1`, pagePath)
	return scanPgTest(row)
}

func (s *PostgresStore) ListTests(ctx context.Context) ([]*Test, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgTestColumns+` FROM ab_tests ORDER BY created_at DESC, test_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	defer rows.Close()

	var tests []*Test
	for rows.Next() {
		t, err := scanPgTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

func (s *PostgresStore) UpdateTestStatus(ctx context.Context, key string, status TestStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ab_tests SET status = $1, updated_at = now() WHERE test_key = $2`, string(status), key)
	if err != nil {
		return fmt.Errorf("failed to update test status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTest(ctx context.Context, key string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	const sub = `(SELECT id FROM ab_tests WHERE test_key = $1)`
	if _, err := tx.Exec(ctx, `DELETE FROM ab_test_events WHERE test_id = `+sub, key); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM ab_test_assignments WHERE test_id = `+sub, key); err != nil {
		return fmt.Errorf("failed to delete assignments: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM ab_tests WHERE test_key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete test: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetAssignment(ctx context.Context, testID, sessionID string) (*Assignment, error) {
	var a Assignment
	var userID *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, test_id, session_id, variant_id, user_id, created_at
		 FROM ab_test_assignments WHERE test_id = $1 AND session_id = $2`, testID, sessionID,
	).Scan(&a.ID, &a.TestID, &a.SessionID, &a.VariantID, &userID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	if userID != nil {
		a.UserID = *userID
	}
	return &a, nil
}

func (s *PostgresStore) CreateAssignment(ctx context.Context, a *Assignment) (*Assignment, bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var userID *string
	if a.UserID != "" {
		userID = &a.UserID
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ab_test_assignments (id, test_id, session_id, variant_id, user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (test_id, session_id) DO NOTHING`,
		a.ID, a.TestID, a.SessionID, a.VariantID, userID, a.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert assignment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return a, true, nil
	}

	existing, err := s.GetAssignment(ctx, a.TestID, a.SessionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) ReassignVariant(ctx context.Context, a *Assignment, variantID string) (*Assignment, error) {
	_, err := s.pool.Exec(ctx,
		`UPDATE ab_test_assignments SET variant_id = $1 WHERE id = $2 AND variant_id = $3`,
		variantID, a.ID, a.VariantID)
	if err != nil {
		return nil, fmt.Errorf("failed to reassign variant: %w", err)
	}
	return s.GetAssignment(ctx, a.TestID, a.SessionID)
}

func (s *PostgresStore) DeleteAssignment(ctx context.Context, testID, sessionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM ab_test_events WHERE assignment_id IN
		 (SELECT id FROM ab_test_assignments WHERE test_id = $1 AND session_id = $2)`, testID, sessionID,
	); err != nil {
		return fmt.Errorf("failed to delete assignment events: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`DELETE FROM ab_test_assignments WHERE test_id = $1 AND session_id = $2`, testID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) AttachUser(ctx context.Context, sessionID, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ab_test_assignments SET user_id = $1
		 WHERE session_id = $2 AND (user_id IS NULL OR user_id = '')`, userID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to attach user: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *Event) error {
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
	var meta *string
	if len(metadata) > 0 {
		m := string(metadata)
		meta = &m
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ab_test_events (id, test_id, assignment_id, variant_id, event_type, event_name,
		                             event_value, event_metadata, page_path, time_on_page, scroll_depth, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12)`,
		e.ID, e.TestID, e.AssignmentID, e.VariantID, string(e.Type), e.Name,
		e.Value, meta, e.PagePath, e.TimeOnPage, e.ScrollDepth, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, testID string) ([]*Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, test_id, assignment_id, variant_id, event_type, event_name, event_value,
		        event_metadata, page_path, time_on_page, scroll_depth, created_at
		 FROM ab_test_events WHERE test_id = $1 ORDER BY created_at DESC, id`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var eventType string
		if err := rows.Scan(&e.ID, &e.TestID, &e.AssignmentID, &e.VariantID, &eventType, &e.Name, &e.Value,
			&e.Metadata, &e.PagePath, &e.TimeOnPage, &e.ScrollDepth, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = EventType(eventType)
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetVariantStats(ctx context.Context, testID, goal string) ([]VariantStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			a.variant_id,
			COUNT(DISTINCT a.id),
			COUNT(DISTINCT CASE WHEN e.event_type = 'page_view' THEN e.assignment_id END),
			COUNT(DISTINCT CASE WHEN e.event_type = 'conversion' AND ($2::text = '' OR e.event_name = $2::text)
			                    THEN e.assignment_id END)
		FROM ab_test_assignments a
		LEFT JOIN ab_test_events e ON e.assignment_id = a.id
		WHERE a.test_id = $1
		GROUP BY a.variant_id
		ORDER BY a.variant_id
	`, testID, goal)
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

func scanPgTest(row pgx.Row) (*Test, error) {
	var t Test
	var status, selection, variantsJSON, goalsJSON string
	err := row.Scan(&t.ID, &t.Key, &t.Name, &t.PagePath, &status, &t.TrafficAllocation,
		&variantsJSON, &t.PrimaryGoal, &goalsJSON, &selection, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan test: %w", err)
	}
	t.Status = TestStatus(status)
	t.Selection = Selection(selection)
	if err := decodeTestJSON(&t, variantsJSON, goalsJSON); err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
