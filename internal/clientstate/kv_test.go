package clientstate_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksiegai/abgate/internal/clientstate"
)

func TestCookieJar_SetVisibleInSameRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	jar := clientstate.NewCookieJar(w, req, "")

	_, ok := jar.Get("abgate_sid")
	assert.False(t, ok)

	require.NoError(t, jar.Set("abgate_sid", "abc", time.Hour))
	v, ok := jar.Get("abgate_sid")
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "abgate_sid", cookies[0].Name)
	assert.Equal(t, 3600, cookies[0].MaxAge)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)
}

func TestCookieJar_ReadsRequestAndDeletes(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "k", Value: "v"})
	w := httptest.NewRecorder()
	jar := clientstate.NewCookieJar(w, req, ".example.com")

	v, ok := jar.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, jar.Delete("k"))
	_, ok = jar.Get("k")
	assert.False(t, ok)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
	assert.Equal(t, "example.com", cookies[0].Domain)
}

func TestCookieJar_RejectsInvalidValue(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	jar := clientstate.NewCookieJar(httptest.NewRecorder(), req, "")

	assert.Error(t, jar.Set("k", `{"a":"b"}`, time.Hour))
	_, ok := jar.Get("k")
	assert.False(t, ok)
}

func TestMirror_FallsBackToSecondary(t *testing.T) {
	ctx := context.Background()
	mem := clientstate.NewMemory()
	require.NoError(t, mem.Set(ctx, "sid1:token", "stored", 0))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	jar := clientstate.NewCookieJar(httptest.NewRecorder(), req, "")
	kv := clientstate.Mirror{jar, clientstate.Scope(ctx, mem, "sid1")}

	v, ok := kv.Get("token")
	require.True(t, ok)
	assert.Equal(t, "stored", v)

	require.NoError(t, kv.Set("other", "x", time.Hour))
	got, err := mem.Get(ctx, "sid1:other")
	require.NoError(t, err)
	assert.Equal(t, "x", got)

	require.NoError(t, kv.Delete("other"))
	_, err = mem.Get(ctx, "sid1:other")
	assert.True(t, errors.Is(err, clientstate.ErrMiss))
}

func TestMirror_SkipsNilStores(t *testing.T) {
	kv := clientstate.Mirror{nil, clientstate.Scope(context.Background(), clientstate.NewMemory(), "s")}
	require.NoError(t, kv.Set("a", "1", 0))
	v, ok := kv.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

type refusingKV struct{}

func (refusingKV) Get(string) (string, bool)               { return "", false }
func (refusingKV) Set(string, string, time.Duration) error { return errors.New("refused") }
func (refusingKV) Delete(string) error                     { return errors.New("refused") }

func TestMirror_PartialWrite(t *testing.T) {
	kv := clientstate.Mirror{clientstate.Scope(context.Background(), clientstate.NewMemory(), "s"), refusingKV{}}

	err := kv.Set("a", "1", time.Hour)
	assert.ErrorIs(t, err, clientstate.ErrPartialWrite)
	v, ok := kv.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	assert.ErrorIs(t, kv.Delete("a"), clientstate.ErrPartialWrite)

	err = clientstate.Mirror{refusingKV{}}.Set("a", "1", time.Hour)
	require.Error(t, err)
	assert.NotErrorIs(t, err, clientstate.ErrPartialWrite)
}

func TestScope_NilWithoutNamespace(t *testing.T) {
	assert.Nil(t, clientstate.Scope(context.Background(), clientstate.NewMemory(), ""))
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	mem := clientstate.NewMemory()
	require.NoError(t, mem.Set(ctx, "k", "v", time.Nanosecond))
	time.Sleep(time.Millisecond)

	_, err := mem.Get(ctx, "k")
	assert.ErrorIs(t, err, clientstate.ErrMiss)
}

func TestRedisMirror_RoundTrip(t *testing.T) {
	url := os.Getenv("ABGATE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ABGATE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()

	r, err := clientstate.NewRedisMirror(ctx, url, "abgate_test:")
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	require.NoError(t, r.Set(ctx, "roundtrip", "value", time.Minute))
	v, err := r.Get(ctx, "roundtrip")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	require.NoError(t, r.Delete(ctx, "roundtrip"))
	_, err = r.Get(ctx, "roundtrip")
	assert.ErrorIs(t, err, clientstate.ErrMiss)
}
