package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksiegai/abgate/internal/config"
	"github.com/ksiegai/abgate/internal/staticdefs"
	"github.com/ksiegai/abgate/internal/stats"
	"github.com/ksiegai/abgate/internal/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfig saves a config pointing at a fresh SQLite file and returns its path.
func writeConfig(t *testing.T, edit func(*config.Config)) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.Store.DSN = filepath.Join(dir, "abgate.db")
	cfg.Auth.TokenFile = filepath.Join(dir, "token")
	if edit != nil {
		edit(cfg)
	}
	path := filepath.Join(dir, "abgate.yaml")
	require.NoError(t, cfg.Save(path))
	return path, cfg
}

func createHero(t *testing.T, path string, extra ...string) {
	t.Helper()
	args := append([]string{"create", "hero", "-c", path, "--page", "/", "--variants", "control:50,bold:50", "--goal", "signup"}, extra...)
	out, err := run(t, args...)
	require.NoError(t, err, out)
}

func TestInit_WritesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "abgate.yaml")
	dsn := filepath.Join(dir, "data.db")

	out, err := run(t, "init", "-c", path, "--driver", "sqlite", "--dsn", dsn, "--port", "9090")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)
	assert.Contains(t, out, `<script src="http://localhost:9090/ab.js" defer></script>`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, dsn, cfg.Store.DSN)

	_, err = run(t, "init", "-c", path, "--driver", "sqlite", "--dsn", dsn, "--port", "9090")
	assert.ErrorContains(t, err, "already exists")

	_, err = run(t, "init", "-c", path, "--driver", "mysql", "--dsn", dsn, "--port", "9090", "--force")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestCreateListResults(t *testing.T) {
	path, _ := writeConfig(t, nil)
	createHero(t, path, "--status", "active")

	out, err := run(t, "list", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "hero")
	assert.Contains(t, out, "ACTIVE")

	out, err = run(t, "results", "hero", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "GOAL: signup")
	assert.Contains(t, out, "control")
	assert.Contains(t, out, "bold")

	out, err = run(t, "results", "hero", "-c", path, "--json", "--goal", "purchase")
	require.NoError(t, err)
	var result stats.Result
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "purchase", result.Goal)
	assert.Len(t, result.Variants, 2)

	_, err = run(t, "results", "missing", "-c", path)
	assert.ErrorContains(t, err, "not found")
}

func TestList_Empty(t *testing.T) {
	path, _ := writeConfig(t, nil)

	out, err := run(t, "list", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No tests yet.")
}

func TestCreate_RejectsBadInput(t *testing.T) {
	path, _ := writeConfig(t, nil)

	_, err := run(t, "create", "hero", "-c", path, "--variants", "only")
	assert.ErrorContains(t, err, "at least 2 variants")

	_, err = run(t, "create", "hero", "-c", path, "--variants", "a:x,b")
	assert.ErrorContains(t, err, "not a number")

	_, err = run(t, "create", "hero", "-c", path, "--variants", "a,b", "--status", "bogus")
	assert.ErrorContains(t, err, "invalid status")

	_, err = run(t, "create", "hero", "-c", path, "--variants", "a,a")
	assert.ErrorContains(t, err, "duplicate variant")

	createHero(t, path)
	_, err = run(t, "create", "hero", "-c", path, "--variants", "a,b")
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestStatusAndWinner(t *testing.T) {
	path, _ := writeConfig(t, nil)
	createHero(t, path)

	_, err := run(t, "winner", "hero", "-c", path, "--variant", "bold")
	assert.ErrorContains(t, err, "has not been running")

	out, err := run(t, "status", "hero", "active", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "now active")

	_, err = run(t, "winner", "hero", "-c", path, "--variant", "nope")
	assert.ErrorContains(t, err, "unknown variant")

	out, err = run(t, "winner", "hero", "-c", path, "--variant", "bold")
	require.NoError(t, err)
	assert.Contains(t, out, "Declared winner for test 'hero': bold")

	out, err = run(t, "list", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETED")

	_, err = run(t, "status", "hero", "finished", "-c", path)
	assert.ErrorContains(t, err, "invalid status")
}

func TestDelete(t *testing.T) {
	path, _ := writeConfig(t, nil)
	createHero(t, path)

	out, err := run(t, "delete", "hero", "-c", path, "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted test 'hero'")

	_, err = run(t, "results", "hero", "-c", path)
	assert.ErrorContains(t, err, "not found")
}

func TestExport(t *testing.T) {
	path, cfg := writeConfig(t, nil)
	createHero(t, path, "--status", "active")

	ctx := context.Background()
	s, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	require.NoError(t, err)
	test, err := s.GetTestByKey(ctx, "hero")
	require.NoError(t, err)
	a, _, err := s.CreateAssignment(ctx, &store.Assignment{TestID: test.ID, SessionID: "s1", VariantID: "bold"})
	require.NoError(t, err)
	value := 12.5
	require.NoError(t, s.InsertEvent(ctx, &store.Event{
		TestID: test.ID, AssignmentID: a.ID, VariantID: "bold",
		Type: store.EventConversion, Name: "signup", Value: &value,
		Metadata: map[string]any{"plan": "pro"},
	}))
	require.NoError(t, s.Close())

	out, err := run(t, "export", "hero", "-c", path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "timestamp,test_key,assignment_id,variant_id,event_type"))
	assert.Contains(t, lines[1], "hero,"+a.ID+",bold,conversion,signup,12.5")
	assert.Contains(t, lines[1], `"{""plan"":""pro""}"`)

	out, err = run(t, "export", "hero", "-c", path, "--format", "json")
	require.NoError(t, err)
	var export jsonExport
	require.NoError(t, json.Unmarshal([]byte(out), &export))
	require.Len(t, export.Events, 1)
	assert.Equal(t, "conversion", export.Events[0].EventType)
	assert.Equal(t, "pro", export.Events[0].Metadata["plan"])

	_, err = run(t, "export", "hero", "-c", path, "--format", "xml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestStaticExport(t *testing.T) {
	path, _ := writeConfig(t, nil)
	createHero(t, path, "--status", "active")
	out, err := run(t, "create", "pricing", "-c", path, "--page", "/pricing", "--variants", "a,b")
	require.NoError(t, err, out)

	file := filepath.Join(t.TempDir(), "tests.json")
	out, err = run(t, "static-export", "-c", path, "-o", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 1 active tests")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	var doc staticdefs.Document
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Contains(t, doc.Tests, "/")
	assert.Equal(t, "hero", doc.Tests["/"].Key)
	assert.NotContains(t, doc.Tests, "/pricing")
}

func TestSnippet(t *testing.T) {
	path, _ := writeConfig(t, nil)
	createHero(t, path, "--status", "active")

	out, err := run(t, "snippet", "hero", "-c", path, "-f", "html", "-s", "https://ab.example.com")
	require.NoError(t, err)
	assert.Contains(t, out, " index.html")
	assert.Contains(t, out, `<script src="https://ab.example.com/ab.js" defer></script>`)
}

func TestDebugLink(t *testing.T) {
	path, _ := writeConfig(t, nil)
	createHero(t, path, "--status", "active")

	out, err := run(t, "debug-link", "hero", "-c", path, "--variant", "bold")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/debug/ab/force?test_key=hero&variant_id=bold\n", out)

	_, err = run(t, "debug-link", "hero", "-c", path, "--variant", "nope")
	assert.ErrorContains(t, err, "unknown variant")

	prodPath, _ := writeConfig(t, func(c *config.Config) { c.Environment = config.EnvProduction })
	_, err = run(t, "debug-link", "hero", "-c", prodPath, "--variant", "bold")
	assert.ErrorContains(t, err, "disabled in production")
}

func TestToken(t *testing.T) {
	path, cfg := writeConfig(t, nil)

	_, err := run(t, "token", "-c", path)
	assert.ErrorContains(t, err, "no server running")

	require.NoError(t, os.WriteFile(cfg.Auth.TokenFile, []byte("abc123\n"), 0o600))
	out, err := run(t, "token", "-c", path, "-s", "https://ab.example.com/")
	require.NoError(t, err)
	assert.Contains(t, out, "Dashboard: https://ab.example.com/dashboard?token=abc123")

	out, err = run(t, "otp", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Dashboard: http://localhost:8080/dashboard?token=abc123")
}

func TestParseVariants(t *testing.T) {
	vs, err := parseVariants(" control:80 , bold:20,plain ")
	require.NoError(t, err)
	assert.Equal(t, []store.Variant{
		{ID: "control", Weight: 80},
		{ID: "bold", Weight: 20},
		{ID: "plain", Weight: 1},
	}, vs)

	_, err = parseVariants("a,")
	assert.Error(t, err)
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{123456, "123,456"},
		{1234567, "1,234,567"},
	}
	for _, tc := range tests {
		if got := formatNumber(tc.n); got != tc.want {
			t.Errorf("formatNumber(%d) = %s, want %s", tc.n, got, tc.want)
		}
	}
}
