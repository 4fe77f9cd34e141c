package clock_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/sleepd/internal/clock"
	"github.com/joeycumines/sleepd/internal/hal"
)

func TestClock_UpdateReference_acceptsAndCommits(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wall := base
	sim := hal.NewSim(base)
	c := clock.New(sim, clock.WithNowFunc(func() time.Time { return wall }))

	wall = base.Add(90 * time.Second)
	delta := c.UpdateReference(nil)
	require.InDelta(t, 90.0, delta, 0.01)

	// second call with no further wall movement should report ~0.
	delta = c.UpdateReference(nil)
	require.InDelta(t, 0.0, delta, 0.05)
}

func TestClock_UpdateReference_rejectedDoesNotCommit(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wall := base
	sim := hal.NewSim(base)
	c := clock.New(sim, clock.WithNowFunc(func() time.Time { return wall }))

	wall = base.Add(5 * time.Minute)
	delta := c.UpdateReference(func(float64) bool { return false })
	require.Equal(t, 0.0, delta)

	// since rejected, nothing was committed: the next observation still
	// sees the full earlier jump.
	delta = c.UpdateReference(nil)
	require.InDelta(t, 300.0, delta, 1.0)
}

func TestClock_UpdateRTC_reportsDeltaSinceLastOffset(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sim := hal.NewSim(base)
	wall := base
	c := clock.New(sim, clock.WithNowFunc(func() time.Time { return wall }))

	var d1 float64
	require.True(t, c.UpdateRTC(&d1))
	require.InDelta(t, 0.0, d1, 0.01)

	// suspend passes: RTC advances by 300s but wall (once resumed) jumps forward too.
	sim.SetRTC(base.Add(300 * time.Second))
	wall = base.Add(300 * time.Second)
	var d2 float64
	require.True(t, c.UpdateRTC(&d2))
	require.InDelta(t, 0.0, d2, 0.01)

	// a clock that drifts relative to RTC (NTP sync) shows up as a delta.
	wall = base.Add(310 * time.Second)
	var d3 float64
	require.True(t, c.UpdateRTC(&d3))
	require.InDelta(t, 10.0, d3, 0.01)
}

func TestClock_UpdateRTC_rtcReadFailureSkipsCycle(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sim := hal.NewSim(base)
	c := clock.New(sim)

	var d float64
	require.True(t, c.UpdateRTC(&d))

	sim.SetRTCErr(errReadFail{})
	require.False(t, c.UpdateRTC(&d))
}

func TestClock_WallRTCDiff_invalidOnReadFailure(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sim := hal.NewSim(base)
	c := clock.New(sim)
	sim.SetRTCErr(errReadFail{})
	require.Equal(t, clock.InvalidTime, c.WallRTCDiff())
}

type errReadFail struct{}

func (errReadFail) Error() string { return "simulated rtc failure" }

func TestClock_TimeSaver_persistedAndReadable(t *testing.T) {
	dir := t.TempDir()
	path := clock.DefaultTimeSaverPath(dir)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sim := hal.NewSim(base)
	wall := base
	c := clock.New(sim, clock.WithNowFunc(func() time.Time { return wall }), clock.WithTimeSaverPath(path))

	var d float64
	require.True(t, c.UpdateRTC(&d))

	wall = base.Add(20 * time.Second)
	require.True(t, c.UpdateRTC(&d))
	require.NotZero(t, d)

	saved, ok := clock.ReadTimeSaver(path)
	require.True(t, ok)
	require.WithinDuration(t, wall, saved, time.Second)
}

func TestDefaultTimeSaverPath(t *testing.T) {
	require.Equal(t, filepath.Join("/var/lib/sleepd", "time_saver"), clock.DefaultTimeSaverPath("/var/lib/sleepd"))
}

func TestClock_TimeSaver_seedsFloorUntilFirstUpdateRTC(t *testing.T) {
	dir := t.TempDir()
	path := clock.DefaultTimeSaverPath(dir)

	// The seeder's RTC lags its wall clock by a second, so its first
	// UpdateRTC commits a nonzero delta and persists saved.
	saved := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seeder := clock.New(hal.NewSim(saved.Add(-time.Second)), clock.WithNowFunc(func() time.Time { return saved }), clock.WithTimeSaverPath(path))
	var d float64
	require.True(t, seeder.UpdateRTC(&d))

	// A bogus early wall clock (e.g. an RTC-less device booting before
	// NTP sync) must be floored at the persisted sample.
	bogus := saved.Add(-30 * 24 * time.Hour)
	wall := bogus
	sim := hal.NewSim(bogus)
	c := clock.New(sim, clock.WithNowFunc(func() time.Time { return wall }), clock.WithTimeSaverPath(path))
	require.InDelta(t, 0.0, c.WallRTCDiff()-(float64(saved.Unix())-float64(bogus.Unix())), 1.0)

	// Once UpdateRTC commits, the floor no longer applies: a later bogus
	// wall reading passes straight through.
	var first float64
	require.True(t, c.UpdateRTC(&first))
	wall = bogus.Add(-24 * time.Hour)
	sim.SetRTC(bogus.Add(-24 * time.Hour))
	require.InDelta(t, 0.0, c.WallRTCDiff(), 0.01)
}
