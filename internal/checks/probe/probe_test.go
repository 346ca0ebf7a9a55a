package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/qa-scanner/internal/policy/ratelimit"
)

func newSite(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var gets atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ok", http.StatusFound)
	})
	mux.HandleFunc("/no-head", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gets.Add(1)
		_, _ = w.Write([]byte("<html><body>fine</body></html>"))
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &gets
}

func TestProbeOK(t *testing.T) {
	t.Parallel()
	srv, _ := newSite(t)

	res := New(Config{}).Probe(context.Background(), srv.URL+"/ok")
	require.NoError(t, res.Err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, http.MethodHead, res.Method)
	require.Zero(t, res.Redirects)
	require.False(t, res.Broken())
}

func TestProbeNotFoundIsBroken(t *testing.T) {
	t.Parallel()
	srv, _ := newSite(t)

	res := New(Config{}).Probe(context.Background(), srv.URL+"/missing")
	require.NoError(t, res.Err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.True(t, res.Broken())
}

func TestProbeCountsRedirects(t *testing.T) {
	t.Parallel()
	srv, _ := newSite(t)

	res := New(Config{}).Probe(context.Background(), srv.URL+"/moved")
	require.NoError(t, res.Err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, 2, res.Redirects)
	require.Equal(t, srv.URL+"/ok", res.FinalURL)
}

func TestProbeFallsBackToGet(t *testing.T) {
	t.Parallel()
	srv, gets := newSite(t)

	res := New(Config{}).Probe(context.Background(), srv.URL+"/no-head")
	require.NoError(t, res.Err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, http.MethodGet, res.Method)
	require.EqualValues(t, 1, gets.Load())
}

func TestProbeStopsRedirectLoops(t *testing.T) {
	t.Parallel()
	srv, _ := newSite(t)

	res := New(Config{MaxRedirects: 3}).Probe(context.Background(), srv.URL+"/loop")
	require.Error(t, res.Err)
	require.True(t, res.Broken())
}

func TestProbeTimeoutAndCancel(t *testing.T) {
	t.Parallel()
	srv, _ := newSite(t)

	res := New(Config{Timeout: 50 * time.Millisecond}).Probe(context.Background(), srv.URL+"/slow")
	require.Error(t, res.Err)
	require.True(t, res.Broken())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = New(Config{}).Probe(ctx, srv.URL+"/slow")
	require.ErrorIs(t, res.Err, context.Canceled)
}

func TestProbeUnreachable(t *testing.T) {
	t.Parallel()

	res := New(Config{Timeout: time.Second}).Probe(context.Background(), "http://127.0.0.1:1/nothing")
	require.Error(t, res.Err)
	require.True(t, res.Broken())
}

func TestProbeWaitsOnHostLimit(t *testing.T) {
	t.Parallel()
	srv, _ := newSite(t)

	p := New(Config{HostLimit: ratelimit.Config{RPS: 0.1, Burst: 1}})
	require.NoError(t, p.Probe(context.Background(), srv.URL+"/ok").Err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := p.Probe(ctx, srv.URL+"/ok")
	require.ErrorContains(t, res.Err, "rate limit wait")
	require.True(t, res.Broken())
}
