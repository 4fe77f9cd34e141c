package activity_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/sleepd/internal/activity"
)

func TestRegistry_StartStopCanSleep(t *testing.T) {
	r := activity.New()
	now := time.Now()

	require.True(t, r.CanSleep(now))
	require.True(t, r.Start("x", 5*time.Second))
	require.False(t, r.CanSleep(now))
	require.True(t, r.CanSleep(now.Add(6*time.Second)))

	r.Stop("x")
	require.True(t, r.CanSleep(now))
}

func TestRegistry_StartClampsDuration(t *testing.T) {
	r := activity.New()
	now := time.Now()
	require.True(t, r.Start("x", 30*time.Minute))
	require.InDelta(t, float64(activity.MaxDuration), float64(r.MaxRemaining(now)), float64(2*time.Second))
}

func TestRegistry_StartReplacesExisting(t *testing.T) {
	r := activity.New()
	now := time.Now()
	require.True(t, r.Start("x", 1*time.Second))
	require.True(t, r.Start("x", 10*time.Second))
	require.Equal(t, 1, r.Count(now))
	require.False(t, r.CanSleep(now.Add(2*time.Second)))
}

func TestRegistry_FreezeThaw(t *testing.T) {
	r := activity.New()
	now := time.Now()

	require.True(t, r.Freeze(now))
	r.Thaw()

	require.True(t, r.Start("x", 5*time.Second))
	require.False(t, r.Freeze(now))

	r.RemoveExpired(now.Add(6 * time.Second))
	require.True(t, r.Freeze(now.Add(6 * time.Second)))
	r.Thaw()
}

func TestRegistry_StartFailsWhileFrozen(t *testing.T) {
	r := activity.New()
	now := time.Now()
	require.True(t, r.Freeze(now))
	defer r.Thaw()

	require.False(t, r.Start("x", time.Second))
}

func TestRegistry_StartTriggersIdleRecheckHook(t *testing.T) {
	r := activity.New()
	hits := 0
	r.SetOnStart(func() { hits++ })
	require.True(t, r.Start("x", time.Second))
	require.Equal(t, 1, hits)
}

func TestRegistry_MaxRemainingAndCount(t *testing.T) {
	r := activity.New()
	now := time.Now()
	require.Equal(t, time.Duration(0), r.MaxRemaining(now))

	r.Start("a", 2*time.Second)
	r.Start("b", 8*time.Second)
	require.Equal(t, 2, r.Count(now))
	require.InDelta(t, float64(8*time.Second), float64(r.MaxRemaining(now)), float64(100*time.Millisecond))
}

func TestRegistry_SnapshotText(t *testing.T) {
	r := activity.New()
	now := time.Now()
	require.Contains(t, r.SnapshotText(now), "(none)")

	r.Start("x", 5*time.Second)
	text := r.SnapshotText(now)
	require.Contains(t, text, "x")
}
