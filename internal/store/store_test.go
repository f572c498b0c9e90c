package store_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksiegai/abgate/internal/store"
)

func setupSQLite(t *testing.T) store.Backend {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// setupPostgres needs ABGATE_TEST_DATABASE_URL; keys are unique per run so a
// shared database is fine.
func setupPostgres(t *testing.T) store.Backend {
	t.Helper()
	url := os.Getenv("ABGATE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ABGATE_TEST_DATABASE_URL not set")
	}
	s, err := store.Open(context.Background(), "postgres", url)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite(t *testing.T)   { runBackendSuite(t, setupSQLite) }
func TestPostgres(t *testing.T) { runBackendSuite(t, setupPostgres) }

func runBackendSuite(t *testing.T, open func(*testing.T) store.Backend) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, open(t)) })
	t.Run("DuplicateKey", func(t *testing.T) { testDuplicateKey(t, open(t)) })
	t.Run("ActiveTestForPage", func(t *testing.T) { testActiveTestForPage(t, open(t)) })
	t.Run("Assignments", func(t *testing.T) { testAssignments(t, open(t)) })
	t.Run("AttachUser", func(t *testing.T) { testAttachUser(t, open(t)) })
	t.Run("EventsAndStats", func(t *testing.T) { testEventsAndStats(t, open(t)) })
	t.Run("DeleteAssignment", func(t *testing.T) { testDeleteAssignment(t, open(t)) })
	t.Run("DeleteTest", func(t *testing.T) { testDeleteTest(t, open(t)) })
}

func newTest(prefix string) *store.Test {
	key := prefix + "-" + uuid.NewString()[:8]
	return &store.Test{
		Key:               key,
		PagePath:          "/" + key,
		TrafficAllocation: 1,
		Variants: []store.Variant{
			{ID: "control", Weight: 1},
			{ID: "bold", Name: "Bold", Weight: 1, Changes: json.RawMessage(`{"headline":"Ship faster"}`)},
		},
	}
}

func testCreateAndGet(t *testing.T, s store.Backend) {
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	in := newTest("hero")
	in.PrimaryGoal = "signup"
	in.SecondaryGoals = []string{"scroll_75", "pricing_click"}

	created, err := s.CreateTest(ctx, in)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, store.StatusDraft, created.Status)
	assert.Equal(t, store.SelectionWeighted, created.Selection)
	assert.Equal(t, created.Key, created.Name)

	got, err := s.GetTestByKey(ctx, in.Key)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "signup", got.PrimaryGoal)
	assert.Equal(t, []string{"scroll_75", "pricing_click"}, got.SecondaryGoals)
	require.Len(t, got.Variants, 2)
	assert.Equal(t, "control", got.Variants[0].Name)
	assert.JSONEq(t, `{"headline":"Ship faster"}`, string(got.Variants[1].Changes))
	assert.Equal(t, created.CreatedAt.Unix(), got.CreatedAt.Unix())

	tests, err := s.ListTests(ctx)
	require.NoError(t, err)
	found := false
	for _, lt := range tests {
		found = found || lt.Key == in.Key
	}
	assert.True(t, found)

	_, err = s.GetTestByKey(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.UpdateTestStatus(ctx, "missing-"+uuid.NewString(), store.StatusActive), store.ErrNotFound)
}

func testDuplicateKey(t *testing.T, s store.Backend) {
	ctx := context.Background()
	in := newTest("dup")
	_, err := s.CreateTest(ctx, in)
	require.NoError(t, err)

	again := newTest("dup")
	again.Key = in.Key
	_, err = s.CreateTest(ctx, again)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	bad := newTest("bad")
	bad.Variants = nil
	_, err = s.CreateTest(ctx, bad)
	assert.Error(t, err)
}

func testActiveTestForPage(t *testing.T, s store.Backend) {
	ctx := context.Background()
	in := newTest("page")
	_, err := s.CreateTest(ctx, in)
	require.NoError(t, err)

	_, err = s.ActiveTestForPage(ctx, in.PagePath)
	assert.ErrorIs(t, err, store.ErrNotFound, "draft tests are not served")

	require.NoError(t, s.UpdateTestStatus(ctx, in.Key, store.StatusActive))
	got, err := s.ActiveTestForPage(ctx, in.PagePath)
	require.NoError(t, err)
	assert.Equal(t, in.Key, got.Key)
	assert.True(t, got.Active())

	require.NoError(t, s.UpdateTestStatus(ctx, in.Key, store.StatusPaused))
	_, err = s.ActiveTestForPage(ctx, in.PagePath)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAssignments(t *testing.T, s store.Backend) {
	ctx := context.Background()
	test, err := s.CreateTest(ctx, newTest("assign"))
	require.NoError(t, err)

	_, err = s.GetAssignment(ctx, test.ID, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	first, created, err := s.CreateAssignment(ctx, &store.Assignment{TestID: test.ID, SessionID: "s1", VariantID: "control"})
	require.NoError(t, err)
	assert.True(t, created)

	// A racing insert for the same session keeps the first choice.
	stored, created, err := s.CreateAssignment(ctx, &store.Assignment{TestID: test.ID, SessionID: "s1", VariantID: "bold"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, stored.ID)
	assert.Equal(t, "control", stored.VariantID)

	moved, err := s.ReassignVariant(ctx, stored, "bold")
	require.NoError(t, err)
	assert.Equal(t, "bold", moved.VariantID)

	// stored still says control, so a second reassign is a no-op.
	again, err := s.ReassignVariant(ctx, stored, "control")
	require.NoError(t, err)
	assert.Equal(t, "bold", again.VariantID)
}

func testAttachUser(t *testing.T, s store.Backend) {
	ctx := context.Background()
	a, err := s.CreateTest(ctx, newTest("attach-a"))
	require.NoError(t, err)
	b, err := s.CreateTest(ctx, newTest("attach-b"))
	require.NoError(t, err)

	sid := "sess-" + uuid.NewString()
	for _, test := range []*store.Test{a, b} {
		_, _, err := s.CreateAssignment(ctx, &store.Assignment{TestID: test.ID, SessionID: sid, VariantID: "control"})
		require.NoError(t, err)
	}

	n, err := s.AttachUser(ctx, sid, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.AttachUser(ctx, sid, "user-2")
	require.NoError(t, err)
	assert.Zero(t, n, "an attached assignment keeps its first user")

	got, err := s.GetAssignment(ctx, a.ID, sid)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
}

func testEventsAndStats(t *testing.T, s store.Backend) {
	ctx := context.Background()
	test, err := s.CreateTest(ctx, newTest("events"))
	require.NoError(t, err)

	assign := func(sid, variant string) *store.Assignment {
		a, _, err := s.CreateAssignment(ctx, &store.Assignment{TestID: test.ID, SessionID: sid, VariantID: variant})
		require.NoError(t, err)
		return a
	}
	record := func(a *store.Assignment, e store.Event) {
		e.TestID = test.ID
		e.AssignmentID = a.ID
		e.VariantID = a.VariantID
		require.NoError(t, s.InsertEvent(ctx, &e))
	}

	value := 49.0
	seconds, depth := 42, 80
	c1 := assign("c1", "control")
	c2 := assign("c2", "control")
	b1 := assign("b1", "bold")

	record(c1, store.Event{Type: store.EventPageView, PagePath: test.PagePath})
	record(c1, store.Event{Type: store.EventPageView, PagePath: test.PagePath})
	record(c1, store.Event{Type: store.EventConversion, Name: "signup", Value: &value, Metadata: map[string]any{"plan": "pro", "seats": float64(3)}})
	record(c2, store.Event{Type: store.EventTimeOnPage, Name: "time_on_page", TimeOnPage: &seconds})
	record(b1, store.Event{Type: store.EventPageView})
	record(b1, store.Event{Type: store.EventScroll, Name: "max_scroll_depth", ScrollDepth: &depth})
	record(b1, store.Event{Type: store.EventConversion, Name: "newsletter"})

	counts, err := s.GetVariantStats(ctx, test.ID, "signup")
	require.NoError(t, err)
	byVariant := map[string]store.VariantStats{}
	for _, c := range counts {
		byVariant[c.VariantID] = c
	}
	assert.Equal(t, store.VariantStats{VariantID: "control", Assignments: 2, Views: 1, Conversions: 1}, byVariant["control"])
	assert.Equal(t, store.VariantStats{VariantID: "bold", Assignments: 1, Views: 1, Conversions: 0}, byVariant["bold"])

	counts, err = s.GetVariantStats(ctx, test.ID, "")
	require.NoError(t, err)
	for _, c := range counts {
		assert.Equal(t, 1, c.Conversions, c.VariantID)
	}

	events, err := s.GetEvents(ctx, test.ID)
	require.NoError(t, err)
	require.Len(t, events, 7)
	for _, e := range events {
		switch {
		case e.Name == "signup":
			require.NotNil(t, e.Value)
			assert.Equal(t, 49.0, *e.Value)
			assert.Equal(t, map[string]any{"plan": "pro", "seats": float64(3)}, e.Metadata)
		case e.Type == store.EventTimeOnPage:
			require.NotNil(t, e.TimeOnPage)
			assert.Equal(t, 42, *e.TimeOnPage)
		case e.Type == store.EventScroll:
			require.NotNil(t, e.ScrollDepth)
			assert.Equal(t, 80, *e.ScrollDepth)
		case e.Type == store.EventPageView:
			assert.Nil(t, e.Value)
			assert.Nil(t, e.Metadata)
		}
	}
}

func testDeleteAssignment(t *testing.T, s store.Backend) {
	ctx := context.Background()
	test, err := s.CreateTest(ctx, newTest("clear"))
	require.NoError(t, err)
	a, _, err := s.CreateAssignment(ctx, &store.Assignment{TestID: test.ID, SessionID: "s1", VariantID: "control"})
	require.NoError(t, err)
	require.NoError(t, s.InsertEvent(ctx, &store.Event{TestID: test.ID, AssignmentID: a.ID, VariantID: "control", Type: store.EventPageView}))
	other, _, err := s.CreateAssignment(ctx, &store.Assignment{TestID: test.ID, SessionID: "s2", VariantID: "bold"})
	require.NoError(t, err)
	require.NoError(t, s.InsertEvent(ctx, &store.Event{TestID: test.ID, AssignmentID: other.ID, VariantID: "bold", Type: store.EventPageView}))

	require.NoError(t, s.DeleteAssignment(ctx, test.ID, "s1"))
	_, err = s.GetAssignment(ctx, test.ID, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteAssignment(ctx, test.ID, "s1"), store.ErrNotFound)

	events, err := s.GetEvents(ctx, test.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, other.ID, events[0].AssignmentID)

	// The session can be assigned afresh.
	again, created, err := s.CreateAssignment(ctx, &store.Assignment{TestID: test.ID, SessionID: "s1", VariantID: "bold"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "bold", again.VariantID)
}

func testDeleteTest(t *testing.T, s store.Backend) {
	ctx := context.Background()
	test, err := s.CreateTest(ctx, newTest("delete"))
	require.NoError(t, err)
	a, _, err := s.CreateAssignment(ctx, &store.Assignment{TestID: test.ID, SessionID: "s1", VariantID: "bold"})
	require.NoError(t, err)
	require.NoError(t, s.InsertEvent(ctx, &store.Event{TestID: test.ID, AssignmentID: a.ID, VariantID: "bold", Type: store.EventPageView}))

	require.NoError(t, s.DeleteTest(ctx, test.Key))

	_, err = s.GetTestByKey(ctx, test.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)
	events, err := s.GetEvents(ctx, test.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.ErrorIs(t, s.DeleteTest(ctx, test.Key), store.ErrNotFound)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := store.Open(context.Background(), "mysql", "whatever")
	assert.ErrorContains(t, err, "unknown store driver")
}
