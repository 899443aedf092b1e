package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func noSleep(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }

var errFatal = errors.New("fatal")

func TestGoRestartStopsOnTerminalError(t *testing.T) {
	s := NewSupervisor(context.Background())

	var runs atomic.Int32
	terminal := make(chan error, 1)
	s.GoRestart("acct", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return errFatal
	},
		withSleep(noSleep),
		WithTerminalError(func(err error) bool { return errors.Is(err, errFatal) }, func(err error) { terminal <- err }),
	)

	select {
	case err := <-terminal:
		require.ErrorIs(t, err, errFatal)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal callback not invoked")
	}
	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, int32(3), runs.Load())

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	require.True(t, snap[0].Terminal)
	require.Equal(t, uint64(2), snap[0].Restarts)
}

func TestGoRestartTreatsCleanExitAsFailureWhenConfigured(t *testing.T) {
	s := NewSupervisor(context.Background())

	var runs atomic.Int32
	done := make(chan struct{})
	var once sync.Once
	s.GoRestart("acct", func(ctx context.Context) error {
		if runs.Add(1) >= 4 {
			once.Do(func() { close(done) })
			<-ctx.Done()
		}
		return nil
	}, withSleep(noSleep), WithStopOnCleanExit(false))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("clean exit was not restarted")
	}
	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, int32(4), runs.Load())
}

func TestGoRestartRecoversPanics(t *testing.T) {
	s := NewSupervisor(context.Background())

	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("panicky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		close(done)
		return nil
	}, withSleep(noSleep))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking run was not restarted")
	}
	require.NoError(t, s.Stop(context.Background()))
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, uint64(1), snap[0].Panics)
}

func TestGoRestartIsolatesSiblings(t *testing.T) {
	s := NewSupervisor(context.Background())

	s.GoRestart("dead", func(ctx context.Context) error { return errFatal },
		withSleep(noSleep),
		WithTerminalError(func(err error) bool { return errors.Is(err, errFatal) }, nil),
	)

	var ticks atomic.Int32
	alive := make(chan struct{})
	s.GoRestart("alive", func(ctx context.Context) error {
		for {
			if ticks.Add(1) == 5 {
				close(alive)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	})

	select {
	case <-alive:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling stopped making progress")
	}
	require.NoError(t, s.Context().Err())
	require.NoError(t, s.Stop(context.Background()))
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(10*time.Second, time.Second, 5*time.Second)
		require.GreaterOrEqual(t, d, 5*time.Second)
		require.LessOrEqual(t, d, 6*time.Second)
	}
}
