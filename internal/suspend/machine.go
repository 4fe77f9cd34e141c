package suspend

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/sleepd/internal/activity"
	"github.com/joeycumines/sleepd/internal/alarm"
	"github.com/joeycumines/sleepd/internal/clients"
	"github.com/joeycumines/sleepd/internal/config"
	"github.com/joeycumines/sleepd/internal/corelog"
	"github.com/joeycumines/sleepd/internal/diag"
	"github.com/joeycumines/sleepd/internal/hal"
)

// ReadyToken reports whether the "system finished booting" sentinel is
// present (spec.md §4.E: "the state machine MUST refuse to advance past
// OnIdle unless a sentinel file/token is present").
type ReadyToken func() bool

// ChargerProbe reports whether external power is currently connected,
// for the "charger present AND policy forbids" transition. The default
// probe (used when no Option overrides it) always reports false: no
// production HAL surface for charger state is in scope for this core
// (spec.md §1 keeps the HAL to RTC/suspend/display/power only), so
// without an explicit probe the charger-forbids rule is inert rather
// than permanently blocking sleep.
type ChargerProbe func() bool

// Resume type codes for the outgoing "resume" broadcast signal
// (spec.md §6: "resume{resumetype:int} where resumetype ∈ {0=kernel,
// 1=activity, 2=non_idle, 3=abort}"). ResumeNonIdle has no emitter in
// this Machine: this implementation has no separate "woke early, still
// not idle" detection distinct from KernelResume, so it is defined for
// wire-format completeness only.
const (
	ResumeKernel = iota
	ResumeActivity
	ResumeNonIdle
	ResumeAbort
)

// Broadcaster delivers the suspend-cycle signals named in spec.md §6
// (suspendRequest, prepareSuspend, suspended, resume) to subscribed
// clients. Consumed, not implemented, by this package: the IPC bus that
// fans these out to connected clients is out of scope per spec.md §1,
// the same way hal.RTC/hal.Suspend are consumed rather than implemented
// here.
type Broadcaster interface {
	SuspendRequest()
	PrepareSuspend()
	Suspended()
	Resume(resumetype int)
}

// Option configures a Machine at construction.
type Option func(*Machine)

// WithReadyToken installs the boot-complete sentinel check.
func WithReadyToken(fn ReadyToken) Option {
	return func(m *Machine) { m.ready = fn }
}

// WithChargerProbe installs the charger-present check.
func WithChargerProbe(fn ChargerProbe) Option {
	return func(m *Machine) { m.chargerProbe = fn }
}

// WithBroadcaster installs the outgoing-signal delivery target.
func WithBroadcaster(b Broadcaster) Option {
	return func(m *Machine) { m.broadcast = b }
}

// Machine is the Suspend State Machine: a single goroutine (Run) that
// alternates between idle classification and a fully synchronous
// suspend attempt, so there is never more than one attempt in flight.
type Machine struct {
	mu    sync.Mutex
	state State

	cfg        config.Config
	ledger     *clients.Ledger
	activities *activity.Registry
	alarms     *alarm.Engine
	susp       hal.Suspend
	display    hal.Display
	diagnostic *diag.Diagnostics
	log        *corelog.Logger

	ready        ReadyToken
	chargerProbe ChargerProbe
	broadcast    Broadcaster

	force        chan struct{}
	recheck      chan struct{}
	stop         chan struct{}
	done         chan struct{}
	lastResumeAt time.Time
}

// New constructs a Machine in State On. Call Run in its own goroutine to
// start the idle watcher.
func New(cfg config.Config, ledger *clients.Ledger, activities *activity.Registry, alarms *alarm.Engine, susp hal.Suspend, display hal.Display, diagnostics *diag.Diagnostics, opts ...Option) *Machine {
	m := &Machine{
		cfg:          cfg,
		ledger:       ledger,
		activities:   activities,
		alarms:       alarms,
		susp:         susp,
		display:      display,
		diagnostic:   diagnostics,
		log:          corelog.Named("suspend"),
		chargerProbe: func() bool { return false },
		force:        make(chan struct{}, 1),
		recheck:      make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	activities.SetOnStart(m.wakeIdleWatcher)
	return m
}

// State returns the machine's current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.log.Debug().Str("state", s.String()).Log("suspend state transition")
}

// ForceSuspend posts an external force-suspend request (spec.md §4.E:
// "On -> external force-suspend request -> SuspendRequest"). Non-blocking:
// a force request already pending is not duplicated.
func (m *Machine) ForceSuspend() {
	select {
	case m.force <- struct{}{}:
	default:
	}
}

func (m *Machine) wakeIdleWatcher() {
	select {
	case m.recheck <- struct{}{}:
	default:
	}
}

// Stop requests the idle watcher loop to exit. Does not interrupt an
// attempt already in flight; Run returns once that attempt (if any)
// completes and the loop next checks for shutdown.
func (m *Machine) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// Done is closed once Run has returned.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Run is the idle watcher loop (spec.md §4.E: "A single timer drives
// idle_check"). It blocks until ctx is cancelled or Stop is called.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)
	for {
		timer := time.NewTimer(m.idleInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.stop:
			timer.Stop()
			return
		case <-m.force:
			timer.Stop()
			m.attemptSuspend(true)
		case <-m.recheck:
			timer.Stop()
		case <-timer.C:
			if m.idleTick() {
				m.attemptSuspend(false)
			}
		}
	}
}

// idleInterval computes how long the idle watcher should sleep before
// its next check: the post-resume suppression window if still within
// it, else wait_idle_ms stretched to cover the longest remaining
// activity lease (spec.md §4.E).
func (m *Machine) idleInterval() time.Duration {
	if !m.lastResumeAt.IsZero() {
		if since := time.Since(m.lastResumeAt); since < m.cfg.AfterResumeIdle() {
			return m.cfg.AfterResumeIdle() - since
		}
	}
	interval := m.cfg.WaitIdle()
	if rem := m.activities.MaxRemaining(time.Now()); rem > interval {
		interval = rem
	}
	return interval
}

// idleTick evaluates the On -> OnIdle -> SuspendRequest guard chain,
// returning true iff the device should start a suspend attempt.
func (m *Machine) idleTick() bool {
	if m.display.IsOn() {
		return false
	}
	if !m.lastResumeAt.IsZero() && time.Since(m.lastResumeAt) < m.cfg.AfterResumeIdle() {
		return false
	}

	m.setState(StateOnIdle)
	now := time.Now()

	if !m.activities.CanSleep(now) {
		m.setState(StateOn)
		return false
	}
	if m.chargerProbe() && !m.cfg.SuspendWithCharger {
		m.setState(StateOn)
		return false
	}
	if m.ready != nil && !m.ready() {
		m.setState(StateOn)
		return false
	}
	if next, ok := m.alarms.NextWakeup(); ok && next.Sub(now) < m.cfg.WaitAlarms() {
		m.setState(StateOn)
		return false
	}
	return true
}

// attemptSuspend runs one full SuspendRequest -> PrepareSuspend -> Sleep
// cycle synchronously, returning to On regardless of outcome. forced
// skips the Activity Registry freeze (spec.md §4.E: "freeze is
// mandatory only for idle-initiated suspends") but still runs both
// voting rounds.
func (m *Machine) attemptSuspend(forced bool) {
	m.setState(StateSuspendRequest)
	m.ledger.VoteInit()
	if m.broadcast != nil {
		m.broadcast.SuspendRequest()
	}

	if !m.runRound(clients.RoundSuspendRequest, m.cfg.WaitSuspendResponse()) {
		m.setState(StateOn)
		return
	}

	m.setState(StatePrepareSuspend)
	if m.broadcast != nil {
		m.broadcast.PrepareSuspend()
	}
	if !m.runRound(clients.RoundPrepareSuspend, m.cfg.WaitPrepareSuspend()) {
		m.setState(StateAbortSuspend)
		if m.broadcast != nil {
			m.broadcast.Resume(ResumeAbort)
		}
		m.setState(StateOn)
		return
	}

	m.setState(StateSleep)
	now := time.Now()

	if !forced {
		if !m.activities.Freeze(now) {
			m.setState(StateActivityResume)
			if m.broadcast != nil {
				m.broadcast.Resume(ResumeActivity)
			}
			m.setState(StateOn)
			return
		}
		defer m.activities.Thaw()
	}

	if err := m.alarms.ProgramNextWakeup(false); err != nil {
		m.log.Warning().Err(err).Log("failed arming RTC wakeup before suspend")
		m.setState(StateAbortSuspend)
		if m.broadcast != nil {
			m.broadcast.Resume(ResumeAbort)
		}
		m.setState(StateOn)
		return
	}

	if m.broadcast != nil {
		m.broadcast.Suspended()
	}
	if err := m.susp.Suspend(context.Background()); err != nil {
		m.log.Warning().Err(err).Log("platform suspend call failed")
		m.setState(StateAbortSuspend)
		if m.broadcast != nil {
			m.broadcast.Resume(ResumeAbort)
		}
		m.setState(StateOn)
		return
	}

	m.setState(StateKernelResume)
	m.lastResumeAt = time.Now()
	if m.broadcast != nil {
		m.broadcast.Resume(ResumeKernel)
	}
	if err := m.alarms.ProgramNextWakeup(true); err != nil {
		m.log.Warning().Err(err).Log("failed rearming RTC wakeup after resume")
	}
	m.setState(StateOn)
}

// runRound waits on round, applies the denial diagnostics on Nack, and
// reports whether the attempt should proceed (true for Ack or timeout,
// false for Nack).
func (m *Machine) runRound(round clients.Round, timeout time.Duration) bool {
	_, nacked, timedOut := m.ledger.WaitRound(round, timeout)
	if nacked {
		m.onDeny(round)
		return false
	}
	m.diagnostic.ResetDenyStep(round.String())
	if timedOut {
		if silent := m.ledger.SilentClients(round); len(silent) > 0 {
			m.log.Warning().Interface("silent_clients", silent).Str("round", round.String()).Log("round timed out, proceeding as acked")
		}
	}
	return true
}

func (m *Machine) onDeny(round clients.Round) {
	_, shouldLog := m.diagnostic.DenyStep(round.String())
	if shouldLog {
		m.log.Warning().Str("round", round.String()).Str("clients", m.ledger.Snapshot(round)).Log("suspend denied repeatedly")
	}
}
