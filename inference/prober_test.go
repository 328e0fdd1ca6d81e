package inference

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProberSucceedsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, HealthPath, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := NewProber(ProberConfig{BaseURL: srv.URL, Log: testLogger()})
	require.NoError(t, err)

	assert.NoError(t, p.WaitReady(context.Background()))
}

func TestProberRetriesUntilReady(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mock := clock.NewMock()
	p, err := NewProber(ProberConfig{
		BaseURL:     srv.URL,
		Clock:       mock,
		MaxAttempts: 5,
		Interval:    2 * time.Second,
		Log:         testLogger(),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.WaitReady(context.Background()) }()

	// Drive the fake clock until the prober finishes. Each Add releases at
	// most one pending interval timer.
	for i := 0; i < 10; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, calls.Load(), int32(3))
			return
		case <-time.After(50 * time.Millisecond):
			mock.Add(2 * time.Second)
		}
	}
	t.Fatal("prober did not finish")
}

func TestProberExhaustsBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	mock := clock.NewMock()
	p, err := NewProber(ProberConfig{
		BaseURL:     srv.URL,
		Clock:       mock,
		MaxAttempts: 3,
		Interval:    time.Second,
		Log:         testLogger(),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.WaitReady(context.Background()) }()

	for {
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrNotReady)
			return
		case <-time.After(50 * time.Millisecond):
			mock.Add(time.Second)
		}
	}
}

func TestProberHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := NewProber(ProberConfig{
		BaseURL:     srv.URL,
		MaxAttempts: 100,
		Interval:    time.Hour,
		Log:         testLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.WaitReady(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("prober did not observe cancellation")
	}
}
