// Package activity implements the Activity Registry (spec.md §4.B): a
// set of time-bounded leases that veto suspend while held, plus the
// freeze/thaw bracket the Suspend State Machine uses to guarantee no
// lease can appear between the final idleness check and the platform
// suspend call.
//
// Grounded on _examples/original_source/src/pwrevents/activity.c for the
// lease lifecycle and the freeze/thaw critical section, and on the
// single-mutex, short-critical-section style of
// caramis-oasis-core/go/roothash/memory/memory.go's runtimeState.
package activity

import (
	"sort"
	"sync"
	"time"

	"github.com/joeycumines/sleepd/internal/corelog"
)

// MaxDuration is the clamp applied to direct activityStart leases
// (spec.md §3, §6): "duration_ms ≤ 15 minutes (values over cap are
// silently clamped)".
const MaxDuration = 15 * time.Minute

// loggableDuration is the floor above which a naturally-expiring lease
// is diagnostic-class and must be logged (spec.md §4.B).
const loggableDuration = 10 * time.Minute

type lease struct {
	id       string
	start    time.Time
	end      time.Time
	duration time.Duration
}

// Registry is the Activity Registry.
type Registry struct {
	mu sync.Mutex

	leases map[string]*lease
	frozen bool
	log    *corelog.Logger

	// onStart, when set, is invoked after a successful Start outside the
	// lock, requesting the idle watcher re-check idleness immediately —
	// a newly-started short lease may shorten an existing "long pole".
	onStart func()
}

// New constructs an empty Activity Registry.
func New() *Registry {
	return &Registry{
		leases: make(map[string]*lease),
		log:    corelog.Named("activity"),
	}
}

// SetOnStart installs the idle-recheck hook described on Start.
func (r *Registry) SetOnStart(fn func()) {
	r.mu.Lock()
	r.onStart = fn
	r.mu.Unlock()
}

// Start creates or replaces the lease for id, clamping duration to
// MaxDuration, and returns false iff the registry is currently frozen
// (spec.md §4.B). A successful start triggers an immediate idle
// re-check via the onStart hook, if installed.
func (r *Registry) Start(id string, duration time.Duration) bool {
	if duration > MaxDuration {
		duration = MaxDuration
	}
	if duration < 0 {
		duration = 0
	}

	r.mu.Lock()
	delete(r.leases, id)
	frozen := r.frozen
	var hook func()
	if !frozen {
		now := time.Now()
		r.leases[id] = &lease{
			id:       id,
			start:    now,
			end:      now.Add(duration),
			duration: duration,
		}
		hook = r.onStart
	}
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return !frozen
}

// Stop removes the lease for id, if present.
func (r *Registry) Stop(id string) {
	r.mu.Lock()
	delete(r.leases, id)
	r.mu.Unlock()
}

// CanSleep reports whether no lease has end_time strictly after now.
func (r *Registry) CanSleep(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.leases {
		if l.end.After(now) {
			return false
		}
	}
	return true
}

// Count returns the number of leases whose end_time is after from.
func (r *Registry) Count(from time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.leases {
		if l.end.After(from) {
			n++
		}
	}
	return n
}

// MaxRemaining returns the longest remaining duration among unexpired
// leases at now, or 0 if none.
func (r *Registry) MaxRemaining(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max time.Duration
	for _, l := range r.leases {
		if rem := l.end.Sub(now); rem > max {
			max = rem
		}
	}
	return max
}

// RemoveExpired sweeps leases with end_time <= now. Leases that expired
// naturally with a duration of at least 10 minutes are diagnostic-class
// events and are logged (spec.md §4.B).
func (r *Registry) RemoveExpired(now time.Time) {
	r.mu.Lock()
	expired := make([]*lease, 0)
	for id, l := range r.leases {
		if !l.end.After(now) {
			expired = append(expired, l)
			delete(r.leases, id)
		}
	}
	r.mu.Unlock()

	for _, l := range expired {
		if l.duration >= loggableDuration {
			r.log.Info().
				Str("id", l.id).
				Dur("duration", l.duration).
				Log("long-running activity lease expired")
		}
	}
}

// Freeze takes the registry lock and, if any unexpired lease exists
// (relative to now), releases it and returns false. Otherwise it sets
// the frozen flag and returns true while continuing to hold the lock:
// the caller MUST call Thaw to release it. This brackets the suspend
// critical section so no lease can appear between the final idleness
// check and the platform suspend call (spec.md §4.B).
func (r *Registry) Freeze(now time.Time) bool {
	r.mu.Lock()
	for _, l := range r.leases {
		if l.end.After(now) {
			r.mu.Unlock()
			return false
		}
	}
	r.frozen = true
	return true
}

// Thaw clears the frozen flag and releases the lock taken by a
// successful Freeze.
func (r *Registry) Thaw() {
	r.frozen = false
	r.mu.Unlock()
}

// SnapshotText renders the current leases ordered by end_time ascending,
// for diagnostics (spec.md §4.B, and the time/diagnostics IPC query
// added in SPEC_FULL.md).
func (r *Registry) SnapshotText(now time.Time) string {
	r.mu.Lock()
	list := make([]*lease, 0, len(r.leases))
	for _, l := range r.leases {
		list = append(list, l)
	}
	frozen := r.frozen
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].end.Before(list[j].end) })

	out := "activities:"
	if frozen {
		out += " [frozen]"
	}
	for _, l := range list {
		remaining := l.end.Sub(now)
		out += "\n  " + l.id + " remaining=" + remaining.String()
	}
	if len(list) == 0 {
		out += " (none)"
	}
	return out
}
