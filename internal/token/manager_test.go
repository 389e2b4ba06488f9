package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huazz233/kiro-proxy/internal/apierr"
	"github.com/huazz233/kiro-proxy/internal/config"
	"github.com/huazz233/kiro-proxy/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPoolWithCredential(t *testing.T, expiresAt time.Time) *pool.Pool {
	t.Helper()
	p := pool.New(pool.ModePriority, nil, nil)
	rec := config.CredentialRecord{
		ID:           1,
		RefreshToken: "refresh-abc",
		AccessToken:  "stale-token",
		AuthMethod:   "social",
	}
	if !expiresAt.IsZero() {
		rec.ExpiresAt = expiresAt.Format(time.RFC3339)
	}
	require.NoError(t, p.LoadRecords([]config.CredentialRecord{rec}))
	return p
}

func TestEnsureFresh_ReturnsCachedTokenWhenFresh(t *testing.T) {
	p := newTestPoolWithCredential(t, time.Now().Add(1*time.Hour))
	m := New(p, http.DefaultClient, nil)

	token, err := m.EnsureFresh(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "stale-token", token)
}

func TestEnsureFresh_RefreshesWhenExpired(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accessToken":"fresh-token","expiresIn":3600}`))
	}))
	defer srv.Close()

	p := newTestPoolWithCredential(t, time.Now().Add(-1*time.Hour))
	m := New(p, srv.Client(), nil)
	m.endpointOverride = srv.URL

	token, err := m.EnsureFresh(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	snap, ok := p.Get(1)
	require.True(t, ok)
	assert.Equal(t, "fresh-token", snap.AccessToken)
}

func TestEnsureFresh_SingleFlightDedupesConcurrentRefreshes(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accessToken":"fresh-token","expiresIn":3600}`))
	}))
	defer srv.Close()

	p := newTestPoolWithCredential(t, time.Now().Add(-1*time.Hour))
	m := New(p, srv.Client(), nil)
	m.endpointOverride = srv.URL

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := m.EnsureFresh(context.Background(), 1)
			if err == nil {
				results[i] = token
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "N concurrent callers against the same credential must share exactly one HTTP refresh call")
	for _, r := range results {
		assert.Equal(t, "fresh-token", r)
	}
}

func TestForceRefresh_AlwaysHitsUpstream(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accessToken":"forced-token","expiresIn":3600}`))
	}))
	defer srv.Close()

	p := newTestPoolWithCredential(t, time.Now().Add(1*time.Hour)) // still fresh
	m := New(p, srv.Client(), nil)
	m.endpointOverride = srv.URL

	require.NoError(t, m.ForceRefresh(context.Background(), 1))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDoRefresh_RejectedRefreshTokenIsRefreshAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := newTestPoolWithCredential(t, time.Now().Add(-1*time.Hour))
	m := New(p, srv.Client(), nil)
	m.endpointOverride = srv.URL

	_, err := m.EnsureFresh(context.Background(), 1)
	require.Error(t, err)
	classified, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindRefreshAuth, classified.Kind)
}
