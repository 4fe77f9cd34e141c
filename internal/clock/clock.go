// Package clock implements the Reference Clock (spec.md §4.A): a
// monotonic reference time plus the wall-to-RTC offset, with a
// transactional "see delta, decide, commit" API that callers use to
// atomically adjust dependent state (the Alarm Engine's relative
// expiries) alongside accepting a wall-clock jump.
//
// Grounded on _examples/original_source/include/internal/reference_time.h
// (the reference_time/update_reference/wall_rtc_diff/update_rtc
// contract) and on the teacher's preference for pull APIs with a
// callback shape for transactional state changes (spec.md §9).
package clock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/sleepd/internal/corelog"
	"github.com/joeycumines/sleepd/internal/hal"
)

// InvalidTime is the sentinel returned on a platform clock read failure
// (spec.md §4.A: "returns the invalid-time sentinel -1").
const InvalidTime = -1.0

// Clock is the Reference Clock component.
type Clock struct {
	mu sync.Mutex

	rtc   hal.RTC
	now   func() time.Time // wall clock source, overridable for tests
	log   *corelog.Logger
	start time.Time // process-monotonic anchor

	refOffsetS float64 // clock_to_reference, seconds
	rtcToWallS float64 // rtc_to_wall, seconds

	timeSaverPath string
	saverFloor    time.Time
	floorActive   bool
}

// Option configures a new Clock.
type Option func(*Clock)

// WithNowFunc overrides the wall-clock source (tests only).
func WithNowFunc(f func() time.Time) Option {
	return func(c *Clock) { c.now = f }
}

// WithTimeSaverPath enables persisting the last observed wall time to
// path, atomically (write-tmp-then-rename), on every committed delta,
// per the SPEC_FULL.md time_saver supplement.
func WithTimeSaverPath(path string) Option {
	return func(c *Clock) { c.timeSaverPath = path }
}

// New constructs a Clock anchored to the current monotonic instant. If a
// time-saver file is configured and readable, its value seeds a wall-clock
// floor (never trust a wall time older than the last persisted sample)
// that every wall-time read in this Clock is clamped against, until the
// first UpdateRTC call supersedes it.
func New(rtc hal.RTC, opts ...Option) *Clock {
	c := &Clock{
		rtc:   rtc,
		now:   time.Now,
		log:   corelog.Named("clock"),
		start: time.Now(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.timeSaverPath != "" {
		if saved, ok := ReadTimeSaver(c.timeSaverPath); ok {
			c.saverFloor = saved
			c.floorActive = true
			c.log.Info().Int64("saved_unix", saved.Unix()).Log("seeded wall-clock floor from time_saver")
		}
	}
	c.refOffsetS = float64(c.wallNow().UnixNano()) / 1e9
	return c
}

// wallNow returns the current wall time, clamped against the time-saver
// floor (if still active) so a transient RTC-less startup never reports
// a wall time older than the last persisted sample.
func (c *Clock) wallNow() time.Time {
	t := c.now()
	if c.floorActive && t.Before(c.saverFloor) {
		return c.saverFloor
	}
	return t
}

// ReferenceTime returns a time in seconds that starts at the wall time
// observed when the Clock was constructed and advances monotonically at
// real-time rate; it never jumps when the wall clock is set, only when
// UpdateReference commits a delta.
func (c *Clock) ReferenceTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.referenceTimeLocked()
}

func (c *Clock) referenceTimeLocked() float64 {
	return time.Since(c.start).Seconds() + c.refOffsetS
}

// UpdateReference samples wall-minus-reference; if the delta is nonzero
// and accept (when non-nil) returns true, the offset is committed and
// the signed delta returned. If accept is nil, a nonzero delta is always
// committed. Otherwise 0 is returned and nothing changes.
func (c *Clock) UpdateReference(accept func(delta float64) bool) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := float64(c.wallNow().UnixNano()) / 1e9
	delta := wall - c.referenceTimeLocked()
	if delta == 0 {
		return 0
	}
	if accept != nil && !accept(delta) {
		return 0
	}
	c.refOffsetS += delta
	c.log.Debug().Float64("delta_s", delta).Log("reference time adjusted")
	return delta
}

// WallRTCDiff returns wall-minus-rtc-hardware, sampled fresh from the
// HAL. Returns InvalidTime if the RTC read fails.
func (c *Clock) WallRTCDiff() float64 {
	rtcNow, err := c.rtc.Read()
	if err != nil {
		c.log.Warning().Err(err).Log("rtc read failed")
		return InvalidTime
	}
	wall := float64(c.wallNow().UnixNano()) / 1e9
	return wall - float64(rtcNow.Unix())
}

// UpdateRTC recomputes rtcToWall from a fresh HAL sample. On success it
// reports the signed change since the prior offset via outDelta (when
// non-nil), persists the observed wall time to the time-saver file (if
// configured) whenever that change is nonzero, and returns true. If the
// RTC read fails it returns false, leaving outDelta untouched and
// persisting nothing. The time-saver startup floor, if
// still active, is consulted one last time for this call's wall sample
// and then cleared: a successful call always supersedes it.
func (c *Clock) UpdateRTC(outDelta *float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rtcNow, err := c.rtc.Read()
	if err != nil {
		c.log.Warning().Err(err).Log("rtc read failed, skipping cycle")
		return false
	}

	wallTime := c.wallNow()
	c.floorActive = false
	wall := float64(wallTime.UnixNano()) / 1e9
	newDiff := wall - float64(rtcNow.Unix())
	delta := newDiff - c.rtcToWallS
	c.rtcToWallS = newDiff
	if outDelta != nil {
		*outDelta = delta
	}

	if delta != 0 {
		c.persistTimeSaver(wallTime)
	}
	return true
}

// RTCToWall returns the current rtc_to_wall offset in seconds, such that
// wall_time = rtc_time + RTCToWall().
func (c *Clock) RTCToWall() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtcToWallS
}

// ToRTC converts a wall-clock instant (seconds since epoch) to the RTC
// domain (spec.md §4.D's to_rtc(t) = t - rtc_to_wall).
func (c *Clock) ToRTC(wallSeconds float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wallSeconds - c.rtcToWallS
}

func (c *Clock) persistTimeSaver(t time.Time) {
	if c.timeSaverPath == "" {
		return
	}
	tmp := c.timeSaverPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(t.Unix(), 10)), 0o644); err != nil {
		c.log.Warning().Err(err).Log("time_saver write failed")
		return
	}
	if err := os.Rename(tmp, c.timeSaverPath); err != nil {
		c.log.Warning().Err(err).Log("time_saver rename failed")
	}
}

// ReadTimeSaver returns the last persisted wall time, or the zero value
// if the file is absent or unreadable. Used at startup as a floor for
// "now" when the RTC read itself fails transiently.
func ReadTimeSaver(path string) (time.Time, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// DefaultTimeSaverPath joins a state directory with the conventional
// "time_saver" filename (spec.md §6).
func DefaultTimeSaverPath(stateDir string) string {
	return filepath.Join(stateDir, "time_saver")
}
