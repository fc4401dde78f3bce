package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marquee/pkg/ratelimit"
	"marquee/pkg/utils/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/small", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tiny-body"))
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 200*1024))
	})
	mux.HandleFunc("/ua", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.UserAgent()))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	srv := newUpstream(t)
	f := NewHTTPFetcher(Options{})
	defer f.Close()

	var buf bytes.Buffer
	n, err := f.Fetch(context.Background(), srv.URL+"/small", &buf, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len("tiny-body")), n)
	assert.Equal(t, "tiny-body", buf.String())
}

func TestHTTPFetcher_LargeBodyStreams(t *testing.T) {
	srv := newUpstream(t)
	f := NewHTTPFetcher(Options{})

	var buf bytes.Buffer
	n, err := f.Fetch(context.Background(), srv.URL+"/big", &buf, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(200*1024), n)
}

func TestHTTPFetcher_MaxBytes(t *testing.T) {
	srv := newUpstream(t)
	f := NewHTTPFetcher(Options{})

	_, err := FetchBytes(context.Background(), f, srv.URL+"/big", 70*1024)
	assert.ErrorIs(t, err, ErrTooLarge)

	body, err := FetchBytes(context.Background(), f, srv.URL+"/small", 70*1024)
	require.NoError(t, err)
	assert.Equal(t, "tiny-body", string(body))
}

func TestHTTPFetcher_Status(t *testing.T) {
	srv := newUpstream(t)
	f := NewHTTPFetcher(Options{})

	_, err := FetchBytes(context.Background(), f, srv.URL+"/missing", 0)
	assert.ErrorIs(t, err, ErrStatus)
}

func TestHTTPFetcher_UserAgent(t *testing.T) {
	srv := newUpstream(t)
	f := NewHTTPFetcher(Options{UserAgent: "marquee-test"})

	body, err := FetchBytes(context.Background(), f, srv.URL+"/ua", 0)
	require.NoError(t, err)
	assert.Equal(t, "marquee-test", string(body))
}

func TestHTTPFetcher_InvalidURL(t *testing.T) {
	f := NewHTTPFetcher(Options{})
	_, err := FetchBytes(context.Background(), f, "::not a url", 0)
	assert.Error(t, err)
}

func TestHTTPFetcher_CancelledContext(t *testing.T) {
	srv := newUpstream(t)
	f := NewHTTPFetcher(Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FetchBytes(ctx, f, srv.URL+"/small", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPFetcher_Throttled(t *testing.T) {
	srv := newUpstream(t)
	limiter := ratelimit.NewMemoryRateLimiter(1, time.Hour, logger.NewNop())
	defer limiter.Close()
	f := NewHTTPFetcher(Options{Limiter: limiter})

	_, err := FetchBytes(context.Background(), f, srv.URL+"/small", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = FetchBytes(ctx, f, srv.URL+"/small", 0)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "throttled"))
}
