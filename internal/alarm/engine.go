package alarm

import (
	"context"
	"errors"
	"time"

	"github.com/joeycumines/sleepd/internal/activity"
	"github.com/joeycumines/sleepd/internal/clock"
	"github.com/joeycumines/sleepd/internal/corelog"
	"github.com/joeycumines/sleepd/internal/diag"
	"github.com/joeycumines/sleepd/internal/hal"
)

// MinRelativeDuration is the floor below which a relative (non-calendar)
// alarm's time-until-fire is rejected outright (spec.md §4.D input
// validation).
const MinRelativeDuration = 5 * time.Second

// DefaultActivityDurationMs is substituted, at fire time, for any fired
// entry that didn't specify its own activity-hold duration (spec.md
// §4.D).
const DefaultActivityDurationMs = 5000

// RTCLivenessInterval is how often the engine samples the RTC hardware
// to detect a stuck clock (spec.md §4.D).
const RTCLivenessInterval = 5 * time.Minute

// ErrDurationTooShort is returned by Set when a relative alarm's
// time-until-fire is below MinRelativeDuration.
var ErrDurationTooShort = errors.New("alarm: relative duration below minimum")

// ErrActivityDurationTooShort is returned by Set when an explicit
// activity hold duration is supplied but is below the
// DefaultActivityDurationMs floor.
var ErrActivityDurationTooShort = errors.New("alarm: activity duration below minimum")

// Notifier delivers a fired alarm to its owning client (over whatever
// public-bus or private-channel transport the IPC layer wires up).
type Notifier interface {
	Deliver(ctx context.Context, e Entry)
}

// SetInput is the caller-supplied half of Entry: everything except the
// assigned ID.
type SetInput struct {
	AppID              string
	Key                string
	URI                string
	Params             []byte
	PublicChannel      bool
	Wakeup             bool
	Calendar           bool
	Expiry             float64
	ActivityID         string
	ActivityDurationMs int64
}

// Engine is the Alarm/Timeout Engine: the durable table plus the legacy
// XML queue, RTC programming, and the firing cycle that ties them to
// the Reference Clock and Activity Registry.
type Engine struct {
	store      *Store
	legacy     *LegacyQueue
	clk        *clock.Clock
	activities *activity.Registry
	rtc        hal.RTC
	notify     Notifier
	diagnostic *diag.Diagnostics
	log        *corelog.Logger

	lastRTCSample    time.Time
	lastRTCSampleSet bool
	lastLivenessAt   time.Time
}

// New constructs an Engine. legacyPath may be empty to disable the
// legacy XML surface (e.g. in tests).
func New(store *Store, legacyPath string, clk *clock.Clock, activities *activity.Registry, rtc hal.RTC, notify Notifier, diagnostics *diag.Diagnostics) *Engine {
	// Establish the rtc_to_wall baseline now, so the engine's first
	// Update cycle doesn't mistake "never sampled before" for a jump
	// covering the whole rtc/wall gap.
	clk.UpdateRTC(nil)

	return &Engine{
		store:      store,
		legacy:     LoadLegacyQueue(legacyPath),
		clk:        clk,
		activities: activities,
		rtc:        rtc,
		notify:     notify,
		diagnostic: diagnostics,
		log:        corelog.Named("alarm.engine"),
	}
}

func validate(in SetInput, now float64) error {
	if !in.Calendar && in.Expiry-now < MinRelativeDuration.Seconds() {
		return ErrDurationTooShort
	}
	if in.ActivityDurationMs != 0 && in.ActivityDurationMs < DefaultActivityDurationMs {
		return ErrActivityDurationTooShort
	}
	return nil
}

// Set validates and upserts in, replacing any existing row with the
// same (AppID, Key, PublicChannel) identity, and reprograms the RTC
// wakeup if this entry is now the earliest wake-capable one.
func (e *Engine) Set(in SetInput) (Entry, error) {
	now := wallSeconds(time.Now())
	if err := validate(in, now); err != nil {
		return Entry{}, err
	}
	entry, err := e.store.Upsert(Entry{
		AppID:              in.AppID,
		Key:                in.Key,
		URI:                in.URI,
		Params:             in.Params,
		PublicChannel:      in.PublicChannel,
		Wakeup:             in.Wakeup,
		Calendar:           in.Calendar,
		Expiry:             in.Expiry,
		ActivityID:         in.ActivityID,
		ActivityDurationMs: in.ActivityDurationMs,
	})
	if err != nil {
		return Entry{}, err
	}
	if err := e.ProgramNextWakeup(true); err != nil {
		e.log.Warning().Err(err).Log("failed reprogramming RTC wakeup after set")
	}
	return entry, nil
}

// Clear removes the row matching (appID, key, public) and reprograms
// the RTC wakeup. Always succeeds, even if no such row existed.
func (e *Engine) Clear(appID, key string, public bool) (bool, error) {
	existed, err := e.store.Clear(appID, key, public)
	if err != nil {
		return false, err
	}
	if err := e.ProgramNextWakeup(true); err != nil {
		e.log.Warning().Err(err).Log("failed reprogramming RTC wakeup after clear")
	}
	return existed, nil
}

// Read returns the row matching (appID, key, public).
func (e *Engine) Read(appID, key string, public bool) (Entry, bool, error) {
	return e.store.Read(appID, key, public)
}

// ByID looks up a row by its assigned ID.
func (e *Engine) ByID(id uint64) (Entry, bool, error) {
	return e.store.ByID(id)
}

// DeleteID removes a row by ID with no wakeup reprogramming side effect
// (spec.md §4.D distinguishes "delete" from "clear").
func (e *Engine) DeleteID(id uint64) (bool, error) {
	return e.store.DeleteID(id)
}

// StoreLen returns the number of persisted rows in the durable table, for
// the time/diagnostics IPC query added in SPEC_FULL.md.
func (e *Engine) StoreLen() (int, error) {
	return e.store.Len()
}

// AddLegacy inserts a legacy-format alarm (the time/alarmAdd and
// time/alarmAddCalendar IPC operations), returning its ID.
func (e *Engine) AddLegacy(key, serviceName, applicationName string, expiry float64, calendar bool) (int, error) {
	return e.legacy.Add(key, serviceName, applicationName, expiry, calendar)
}

// QueryLegacy looks up a legacy alarm by (serviceName, key).
func (e *Engine) QueryLegacy(serviceName, key string) (LegacyAlarm, bool) {
	return e.legacy.Query(serviceName, key)
}

// RemoveLegacy deletes a legacy alarm by ID.
func (e *Engine) RemoveLegacy(id int) (bool, error) {
	return e.legacy.Remove(id)
}

// Update runs one firing/heartbeat cycle (spec.md §4.D):
//  1. refresh the RTC-to-wall offset; on a nonzero delta, shift every
//     relative (non-calendar) row by it and re-sync the Reference
//     Clock's offset via UpdateReference;
//  2. fire every row (and legacy alarm) whose expiry has passed,
//     starting its activity hold and delivering its notification;
//  3. reprogram the next RTC wakeup;
//  4. on the 5-minute liveness interval, sample the RTC and warn if it
//     hasn't moved since the last sample.
func (e *Engine) Update(now time.Time) {
	var delta float64
	if e.clk.UpdateRTC(&delta) && delta != 0 {
		if err := e.store.ShiftNonCalendar(delta); err != nil {
			e.log.Warning().Err(err).Log("failed shifting relative alarms after clock jump")
		}
		if err := e.legacy.ShiftNonCalendar(delta); err != nil {
			e.log.Warning().Err(err).Log("failed shifting legacy alarms after clock jump")
		}
		e.clk.UpdateReference(nil)
	}

	nowS := wallSeconds(now)
	e.fireDue(nowS)
	e.fireLegacyDue(nowS)

	if err := e.ProgramNextWakeup(true); err != nil {
		e.log.Warning().Err(err).Log("failed reprogramming RTC wakeup during update cycle")
	}

	e.checkLiveness(now)
}

func (e *Engine) fireDue(nowS float64) {
	due, err := e.store.Due(nowS)
	if err != nil {
		e.log.Warning().Err(err).Log("failed reading due alarms")
		return
	}
	for _, entry := range due {
		e.fire(entry)
		if _, err := e.store.DeleteID(entry.ID); err != nil {
			e.log.Warning().Err(err).Uint64("id", entry.ID).Log("failed deleting fired alarm")
		}
	}
}

func (e *Engine) fire(entry Entry) {
	durationMs := entry.ActivityDurationMs
	if durationMs == 0 {
		durationMs = DefaultActivityDurationMs
	}
	activityID := entry.ActivityID
	if activityID == "" {
		activityID = "alarm:" + entry.AppID + ":" + entry.Key
	}
	e.activities.Start(activityID, time.Duration(durationMs)*time.Millisecond)

	if e.notify != nil {
		e.notify.Deliver(context.Background(), entry)
	}
	e.log.Info().Str("app_id", entry.AppID).Str("key", entry.Key).Uint64("id", entry.ID).Log("alarm fired")
}

func (e *Engine) fireLegacyDue(nowS float64) {
	due := e.legacy.Due(nowS)
	if len(due) == 0 {
		return
	}
	ids := make([]int, 0, len(due))
	for _, a := range due {
		activityID := "legacy-alarm:" + a.ServiceName + ":" + a.Key
		e.activities.Start(activityID, DefaultActivityDurationMs*time.Millisecond)
		e.log.Info().Str("service", a.ServiceName).Str("key", a.Key).Int("id", a.ID).Log("legacy alarm fired")
		ids = append(ids, a.ID)
	}
	if err := e.legacy.RemoveFired(ids); err != nil {
		e.log.Warning().Err(err).Log("failed removing fired legacy alarms")
	}
}

// ProgramNextWakeup arms (or clears) the RTC so it fires at the earliest
// wake-capable row's expiry, converted to the RTC domain. When
// withCallback is true the RTC's fire callback re-runs Update; when
// false (the suspend path arming the final wakeup) no callback is
// registered, matching spec.md §4.D's "during suspend the RTC is armed
// with no callback".
func (e *Engine) ProgramNextWakeup(withCallback bool) error {
	entry, ok, err := e.store.EarliestWake()
	if err != nil {
		return err
	}
	if !ok {
		return e.rtc.ProgramAlarm(time.Time{}, nil)
	}

	rtcSeconds := e.clk.ToRTC(entry.Expiry)
	at := time.Unix(0, int64(rtcSeconds*1e9))

	var cb func()
	if withCallback {
		cb = func() { e.Update(time.Now()) }
	}
	return e.rtc.ProgramAlarm(at, cb)
}

// NextWakeup returns the wall-clock instant of the earliest wake-capable
// alarm, if any (used by the Suspend State Machine's "imminent alarm"
// guard, spec.md §4.E).
func (e *Engine) NextWakeup() (time.Time, bool) {
	entry, ok, err := e.store.EarliestWake()
	if err != nil || !ok {
		return time.Time{}, false
	}
	return time.Unix(0, int64(entry.Expiry*1e9)), true
}

func (e *Engine) checkLiveness(now time.Time) {
	if e.lastLivenessAt.IsZero() {
		e.lastLivenessAt = now
	}
	if now.Sub(e.lastLivenessAt) < RTCLivenessInterval {
		return
	}
	e.lastLivenessAt = now

	sample, err := e.rtc.Read()
	if err != nil {
		return
	}
	if e.lastRTCSampleSet && sample.Equal(e.lastRTCSample) {
		e.diagnostic.RTCStuck(sample)
	}
	e.lastRTCSample = sample
	e.lastRTCSampleSet = true
}

func wallSeconds(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }
