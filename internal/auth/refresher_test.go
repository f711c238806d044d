// ABOUTME: Tests for the token refresh loop
// ABOUTME: Drives the loop with an injected timer to assert refresh timing and failure policies

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlit/agent-runtime/internal/config"
)

type fakeTimer struct {
	waits chan time.Duration
	fire  chan time.Time
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{waits: make(chan time.Duration, 8), fire: make(chan time.Time)}
}

func (f *fakeTimer) after(d time.Duration) <-chan time.Time {
	f.waits <- d
	return f.fire
}

func (f *fakeTimer) nextWait(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-f.waits:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("refresher did not schedule a wait")
		return 0
	}
}

// credentialsContext returns a context backed by an OAuth endpoint whose
// responses are produced by respond, called with the 1-based call number.
func credentialsContext(t *testing.T, respond func(n int32, w http.ResponseWriter)) (*Context, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := oauthServer(t, func(w http.ResponseWriter, r *http.Request) {
		respond(calls.Add(1), w)
	})

	c, err := New(Settings{BaseURL: srv.URL, ClientCredentials: "Y2xp"}, srv.Client(), testLogger())
	require.NoError(t, err)
	c.now = fixedClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, c.Init(context.Background()))
	return c, &calls
}

func okToken(n int32, w http.ResponseWriter) {
	_ = json.NewEncoder(w).Encode(map[string]any{"access_token": fmt.Sprintf("tok-%d", n), "expires_in": 20})
}

func runRefresher(r *Refresher) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return cancel, done
}

func TestRefresher_RefreshesTenSecondsBeforeExpiry(t *testing.T) {
	c, calls := credentialsContext(t, okToken)
	timer := newFakeTimer()

	r := NewRefresher(c, config.RefreshFailureExit, time.Second, nil, nil, testLogger())
	r.after = timer.after
	cancel, done := runRefresher(r)
	defer cancel()

	assert.Equal(t, 10*time.Second, timer.nextWait(t))
	assert.EqualValues(t, 1, calls.Load(), "no refresh before the timer fires")

	timer.fire <- time.Now()

	assert.Equal(t, 10*time.Second, timer.nextWait(t))
	assert.EqualValues(t, 2, calls.Load(), "exactly one refresh")

	tok, err := c.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok.AccessToken)

	cancel()
	assert.NoError(t, <-done)
}

func TestRefresher_ExitPolicyPropagatesFailure(t *testing.T) {
	c, _ := credentialsContext(t, func(n int32, w http.ResponseWriter) {
		if n == 1 {
			okToken(n, w)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})
	timer := newFakeTimer()

	r := NewRefresher(c, config.RefreshFailureExit, time.Second, nil, nil, testLogger())
	r.after = timer.after
	cancel, done := runRefresher(r)
	defer cancel()

	timer.nextWait(t)
	timer.fire <- time.Now()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTokenExchange)
	case <-time.After(2 * time.Second):
		t.Fatal("refresher did not stop on failure")
	}
}

func TestRefresher_KeepPolicyRetries(t *testing.T) {
	c, calls := credentialsContext(t, func(n int32, w http.ResponseWriter) {
		if n == 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		okToken(n, w)
	})
	timer := newFakeTimer()

	r := NewRefresher(c, config.RefreshFailureKeep, 3*time.Second, nil, nil, testLogger())
	r.after = timer.after
	cancel, done := runRefresher(r)
	defer cancel()

	assert.Equal(t, 10*time.Second, timer.nextWait(t))
	timer.fire <- time.Now()

	assert.Equal(t, 3*time.Second, timer.nextWait(t), "failed refresh retries after retry interval")
	tok, err := c.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken, "stale token kept")

	timer.fire <- time.Now()
	assert.Equal(t, 10*time.Second, timer.nextWait(t))
	assert.EqualValues(t, 3, calls.Load())

	tok, err = c.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok-3", tok.AccessToken)

	cancel()
	assert.NoError(t, <-done)
}

func TestRefresher_ShortLivedTokenWaitsRetryInterval(t *testing.T) {
	c, calls := credentialsContext(t, func(n int32, w http.ResponseWriter) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": fmt.Sprintf("tok-%d", n), "expires_in": 5})
	})
	timer := newFakeTimer()

	r := NewRefresher(c, config.RefreshFailureExit, 3*time.Second, nil, nil, testLogger())
	r.after = timer.after
	cancel, done := runRefresher(r)
	defer cancel()

	assert.Equal(t, 3*time.Second, timer.nextWait(t))
	timer.fire <- time.Now()
	assert.Equal(t, 3*time.Second, timer.nextWait(t), "re-exchange is never immediate")
	assert.EqualValues(t, 2, calls.Load())

	cancel()
	assert.NoError(t, <-done)
}

func TestRefresher_StaticCredentialReturnsImmediately(t *testing.T) {
	c, err := New(Settings{JWT: "static", JWTExpiresIn: 20}, nil, testLogger())
	require.NoError(t, err)

	r := NewRefresher(c, config.RefreshFailureExit, time.Second, nil, nil, testLogger())
	r.after = func(time.Duration) <-chan time.Time {
		t.Fatal("static token must never be refreshed")
		return nil
	}
	assert.NoError(t, r.Run(context.Background()))
}
