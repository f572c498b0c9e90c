package staticdefs_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ksiegai/abgate/internal/staticdefs"
	"github.com/ksiegai/abgate/internal/store"
)

func activeTest(key, path string, updated time.Time) *store.Test {
	return &store.Test{
		ID:                "id-" + key,
		Key:               key,
		PagePath:          path,
		Status:            store.StatusActive,
		TrafficAllocation: 1,
		Variants:          []store.Variant{{ID: "a", Weight: 1}, {ID: "b", Weight: 1}},
		UpdatedAt:         updated,
	}
}

func TestBuild_KeepsActiveNewestPerPage(t *testing.T) {
	now := time.Now()
	older := activeTest("hero-v1", "/", now.Add(-time.Hour))
	newer := activeTest("hero-v2", "/", now)
	paused := activeTest("pricing", "/pricing", now)
	paused.Status = store.StatusPaused

	doc := staticdefs.Build([]*store.Test{newer, older, paused})

	require.Len(t, doc.Tests, 1)
	assert.Equal(t, "hero-v2", doc.Tests["/"].Key)
}

func serveDocument(t *testing.T, doc staticdefs.Document, hits *int32) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, staticdefs.Write(&buf, doc))
	body := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSource_ServesAndCaches(t *testing.T) {
	var hits int32
	doc := staticdefs.Build([]*store.Test{
		activeTest("hero", "/", time.Now()),
		activeTest("pricing", "/pricing", time.Now()),
	})
	srv := serveDocument(t, doc, &hits)

	src := staticdefs.NewSource(srv.URL, time.Hour, zap.NewNop())
	ctx := context.Background()

	got, err := src.ActiveTestForPage(ctx, "/pricing")
	require.NoError(t, err)
	assert.Equal(t, "pricing", got.Key)
	assert.Equal(t, "id-pricing", got.ID)

	got, err = src.GetTestByKey(ctx, "hero")
	require.NoError(t, err)
	assert.Equal(t, "/", got.PagePath)

	_, err = src.ActiveTestForPage(ctx, "/about")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, []string{"hero", "pricing"}, src.Keys(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestSource_FetchFailureMeansNoTests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := staticdefs.NewSource(srv.URL, time.Minute, zap.NewNop())
	_, err := src.ActiveTestForPage(context.Background(), "/")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSource_DropsInvalidTests(t *testing.T) {
	broken := activeTest("broken", "/broken", time.Now())
	broken.Variants = nil
	doc := staticdefs.Document{Tests: map[string]*store.Test{
		"/broken": broken,
		"/":       activeTest("hero", "/", time.Now()),
	}}
	var hits int32
	srv := serveDocument(t, doc, &hits)

	src := staticdefs.NewSource(srv.URL, time.Minute, zap.NewNop())
	assert.Equal(t, []string{"hero"}, src.Keys(context.Background()))
}

func TestSource_ServesStaleDuringRefresh(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, staticdefs.Write(&buf, staticdefs.Build([]*store.Test{activeTest("hero", "/", time.Now())})))
	body := buf.Bytes()

	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) > 1 {
			<-release
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	src := staticdefs.NewSource(srv.URL, 20*time.Millisecond, zap.NewNop())
	ctx := context.Background()
	require.Equal(t, []string{"hero"}, src.Keys(ctx))

	time.Sleep(40 * time.Millisecond)
	start := time.Now()
	for i := 0; i < 5; i++ {
		assert.Equal(t, []string{"hero"}, src.Keys(ctx))
	}
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&hits) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}
