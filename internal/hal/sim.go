package hal

import (
	"context"
	"sync"
	"time"
)

// Sim is an in-memory, fully controllable implementation of RTC, Suspend,
// Display, and Power, used by every test in this module in place of the
// real kernel HAL.
type Sim struct {
	mu sync.Mutex

	rtc         time.Time
	rtcErr      error
	alarmAt     time.Time
	alarmFn     func()
	displayOn   bool
	suspendErr  error
	suspendFn   func(ctx context.Context) error
	suspendHits int
}

// NewSim creates a simulated HAL with its RTC seeded to now.
func NewSim(now time.Time) *Sim {
	return &Sim{rtc: now, displayOn: false}
}

func (s *Sim) Read() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rtcErr != nil {
		return time.Time{}, s.rtcErr
	}
	return s.rtc, nil
}

// SetRTC advances (or rewinds) the simulated hardware clock directly,
// e.g. to model suspend time passing.
func (s *Sim) SetRTC(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtc = t
}

// SetRTCErr forces the next Read calls to fail, modeling a transient HAL
// fault (spec.md §7).
func (s *Sim) SetRTCErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtcErr = err
}

func (s *Sim) ProgramAlarm(at time.Time, onFire func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarmAt = at
	s.alarmFn = onFire
	return nil
}

// Alarm returns the last-programmed wake time (zero if cleared) and
// whether a completion callback was supplied.
func (s *Sim) Alarm() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alarmAt, s.alarmFn != nil
}

// FireAlarm invokes the last-programmed callback, if any, modeling the
// RTC interrupt that resumes the device.
func (s *Sim) FireAlarm() {
	s.mu.Lock()
	fn := s.alarmFn
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Sim) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayOn
}

// SetDisplay controls the simulated display power state.
func (s *Sim) SetDisplay(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayOn = on
}

// SetSuspendFunc overrides the behavior of Suspend; by default it just
// counts invocations and returns nil.
func (s *Sim) SetSuspendFunc(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspendFn = fn
}

// SetSuspendErr causes the next Suspend calls to fail.
func (s *Sim) SetSuspendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspendErr = err
}

func (s *Sim) Suspend(ctx context.Context) error {
	s.mu.Lock()
	s.suspendHits++
	fn := s.suspendFn
	err := s.suspendErr
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return err
}

// SuspendCount returns how many times Suspend was invoked.
func (s *Sim) SuspendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspendHits
}

func (s *Sim) Reboot() error   { return nil }
func (s *Sim) Shutdown() error { return nil }

var (
	_ RTC     = (*Sim)(nil)
	_ Suspend = (*Sim)(nil)
	_ Display = (*Sim)(nil)
	_ Power   = (*Sim)(nil)
)
