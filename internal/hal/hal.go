// Package hal declares the platform abstraction layer this daemon
// consumes but does not implement (spec.md §1, §6: "Platform HAL
// (consumed, not implemented here)"). Production wiring supplies a real
// implementation over the kernel RTC and suspend syscalls; Sim (sim.go)
// is the software stand-in used by every test in this module.
package hal

import (
	"context"
	"time"
)

// RTC models the hardware real-time clock: readable at any time, and
// programmable with a single pending wakeup alarm.
type RTC interface {
	// Read returns the current RTC-hardware time. Failure is transient
	// per spec.md §7 and must be retried on the next cycle, never
	// treated as fatal.
	Read() (time.Time, error)

	// ProgramAlarm arms the RTC to fire at, invoking onFire if non-nil
	// once the device is awake to observe it (spec.md §4.D: "during
	// suspend the RTC is armed with no callback"). Passing the zero
	// time.Time clears the alarm (spec.md §4.D: "programmed to zero").
	ProgramAlarm(at time.Time, onFire func()) error
}

// Suspend invokes the platform suspend primitive. It blocks until the
// device resumes (either by the RTC alarm or another wake source) and
// returns only on resume, or on a failure to even enter suspend.
type Suspend interface {
	Suspend(ctx context.Context) error
}

// Display reports whether the device's display is currently powered,
// used by the idle watcher (spec.md §4.E: "a no-op when the display is
// on").
type Display interface {
	IsOn() bool
}

// Power models the shutdown/reboot primitives excluded from this core's
// scope (spec.md §1) but referenced by it as an external collaborator.
type Power interface {
	Reboot() error
	Shutdown() error
}
