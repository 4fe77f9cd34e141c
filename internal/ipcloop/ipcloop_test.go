package ipcloop_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/sleepd/internal/activity"
	"github.com/joeycumines/sleepd/internal/alarm"
	"github.com/joeycumines/sleepd/internal/clock"
	"github.com/joeycumines/sleepd/internal/diag"
	"github.com/joeycumines/sleepd/internal/hal"
	"github.com/joeycumines/sleepd/internal/ipcloop"
)

func newEngine(t *testing.T) (*alarm.Engine, *hal.Sim) {
	t.Helper()
	sim := hal.NewSim(time.Now())
	store, err := alarm.Open(filepath.Join(t.TempDir(), "alarms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c := clock.New(sim, clock.WithNowFunc(time.Now))
	acts := activity.New()
	engine := alarm.New(store, "", c, acts, sim, nil, diag.New())
	return engine, sim
}

func runLoop(t *testing.T, l *ipcloop.Loop) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestLoop_HeartbeatFiresDueAlarms(t *testing.T) {
	engine, _ := newEngine(t)
	l, err := ipcloop.New(engine, 5*time.Millisecond)
	require.NoError(t, err)
	stop := runLoop(t, l)
	defer stop()

	_, err = engine.Set(alarm.SetInput{
		AppID:    "app",
		Key:      "k",
		URI:      "x://y",
		// Calendar: the Sim RTC does not tick, so every heartbeat sees the
		// wall/RTC offset grow and would shift a relative entry forward.
		Calendar: true,
		Expiry:   float64(time.Now().Add(alarm.MinRelativeDuration).UnixNano()) / 1e9,
	})
	require.NoError(t, err)

	_, ok, err := engine.Read("app", "k", false)
	require.NoError(t, err)
	require.True(t, ok, "entry should still be present before expiry")

	require.Eventually(t, func() bool {
		_, ok, err := engine.Read("app", "k", false)
		require.NoError(t, err)
		return !ok
	}, alarm.MinRelativeDuration+2*time.Second, 10*time.Millisecond, "heartbeat should fire and remove the expired entry")
}

func TestLoop_DispatchRunsOnLoopThread(t *testing.T) {
	engine, _ := newEngine(t)
	l, err := ipcloop.New(engine, time.Hour)
	require.NoError(t, err)
	stop := runLoop(t, l)
	defer stop()

	var n int64
	for i := 0; i < 8; i++ {
		err := l.Dispatch(func() { atomic.AddInt64(&n, 1) })
		require.NoError(t, err)
	}
	require.EqualValues(t, 8, atomic.LoadInt64(&n))
}
