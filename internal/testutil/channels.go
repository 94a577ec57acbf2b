// Package testutil provides shared test helpers for callaudio packages.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	// DefaultTestTimeout is the standard timeout for async test operations.
	DefaultTestTimeout = 5 * time.Second

	// ShortTestTimeout is for operations expected to complete quickly.
	ShortTestTimeout = 1 * time.Second
)

// WaitForChannel waits for a signal on ch or fails after timeout.
func WaitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// Receive returns the next value from ch or fails after timeout.
func Receive[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		require.FailNow(t, "timed out waiting for value")
		var zero T
		return zero
	}
}

// AssertNoReceive fails if ch yields a value within wait.
func AssertNoReceive[T any](t *testing.T, ch <-chan T, wait time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		require.Failf(t, "unexpected value", "received %v", v)
	case <-time.After(wait):
	}
}

// Syncer is implemented by anything with a processing barrier, such as the
// state machines built on a looper.
type Syncer interface {
	Sync(ctx context.Context) error
}

// SyncAll runs the barrier of every syncer in order, repeating rounds until
// messages forwarded between machines have settled.
func SyncAll(t *testing.T, syncers ...Syncer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), DefaultTestTimeout)
	defer cancel()
	for range 3 {
		for _, s := range syncers {
			require.NoError(t, s.Sync(ctx))
		}
	}
}
