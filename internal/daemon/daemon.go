// Package daemon wires the five core components (spec.md §4), the IPC
// translation layer, and the single-threaded IPC/alarm event loop into
// one running process, the way caramis-oasis-core's node package wires
// its subsystems together behind a single Start/Stop lifecycle.
//
// Missing required Options collaborators are aggregated with
// github.com/hashicorp/go-multierror, following the
// accumulate-then-return pattern sgtest-megarepo's
// enterprise/internal/codeintel/store package uses for closeRows
// (`err = multierror.Append(err, closeErr)`): every missing collaborator
// is recorded against a single running error value and reported together
// as one Fatal (spec.md §7). Later startup failures (alarm store open,
// event-loop construction) are returned as soon as they occur.
package daemon

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/joeycumines/sleepd/internal/activity"
	"github.com/joeycumines/sleepd/internal/alarm"
	"github.com/joeycumines/sleepd/internal/clients"
	"github.com/joeycumines/sleepd/internal/clock"
	"github.com/joeycumines/sleepd/internal/config"
	"github.com/joeycumines/sleepd/internal/corelog"
	"github.com/joeycumines/sleepd/internal/diag"
	"github.com/joeycumines/sleepd/internal/hal"
	"github.com/joeycumines/sleepd/internal/ipc"
	"github.com/joeycumines/sleepd/internal/ipcloop"
	"github.com/joeycumines/sleepd/internal/suspend"
)

// Options configures a Core. RTC, Suspend, and Display are the platform
// HAL (spec.md §1, consumed never implemented here); Transport is the
// IPC bus's send side. Both are named collaborators a caller supplies —
// hal.Sim satisfies all three HAL interfaces for anyone running this
// core without real platform bindings.
type Options struct {
	Config config.Config

	RTC     hal.RTC
	Suspend hal.Suspend
	Display hal.Display

	Transport ipc.Transport

	// AlarmStorePath is the bbolt file backing the Alarm Engine's
	// durable table. Required.
	AlarmStorePath string
	// LegacyAlarmPath is the legacy alarms.xml path. Empty disables the
	// legacy queue.
	LegacyAlarmPath string
	// TimeSaverPath is the time_saver file the Reference Clock persists
	// to on every committed wall/RTC delta, and reads at startup as a
	// wall-clock floor (SPEC_FULL.md's time_saver supplement). Empty
	// disables persistence entirely.
	TimeSaverPath string
}

// Core is the assembled daemon: the five core components, the IPC
// translation layer, and the event loop that hosts the alarm heartbeat
// and serializes inbound IPC dispatch.
type Core struct {
	cfg config.Config

	store      *alarm.Store
	clock      *clock.Clock
	activities *activity.Registry
	ledger     *clients.Ledger
	alarms     *alarm.Engine
	machine    *suspend.Machine
	diagnostic *diag.Diagnostics
	handlers   *ipc.Handlers
	loop       *ipcloop.Loop

	log *corelog.Logger

	stopMachine context.CancelFunc
	stopLoop    context.CancelFunc
	nackDone    chan struct{}
}

// New wires every component per Options, opening the Alarm Engine's
// bbolt store and failing fatally (spec.md §7) if any required
// collaborator can't be constructed. Nothing is started yet; call Run.
func New(opts Options) (*Core, error) {
	var errs error

	if opts.AlarmStorePath == "" {
		errs = multierror.Append(errs, fmt.Errorf("daemon: AlarmStorePath is required"))
	}
	if opts.RTC == nil || opts.Suspend == nil || opts.Display == nil {
		errs = multierror.Append(errs, fmt.Errorf("daemon: RTC, Suspend, and Display HAL collaborators are required"))
	}
	if opts.Transport == nil {
		errs = multierror.Append(errs, fmt.Errorf("daemon: Transport is required"))
	}
	if errs != nil {
		return nil, errs
	}

	store, err := alarm.Open(opts.AlarmStorePath)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("daemon: opening alarm store: %w", err))
		return nil, errs
	}

	var clockOpts []clock.Option
	if opts.TimeSaverPath != "" {
		clockOpts = append(clockOpts, clock.WithTimeSaverPath(opts.TimeSaverPath))
	}
	clk := clock.New(opts.RTC, clockOpts...)
	activities := activity.New()
	ledger := clients.New()
	diagnostics := diag.New()

	// Handlers, the Alarm Engine, and the Suspend State Machine form a
	// construction cycle: the engine and machine each need a
	// Notifier/Broadcaster that only Handlers can supply, and Handlers
	// needs the engine and machine to dispatch requests to. Handlers.Bind
	// closes the cycle once all three exist.
	handlers := ipc.New(ledger, activities, nil, nil, clk, diagnostics, opts.Transport)
	alarms := alarm.New(store, opts.LegacyAlarmPath, clk, activities, opts.RTC, handlers, diagnostics)
	machine := suspend.New(opts.Config, ledger, activities, alarms, opts.Suspend, opts.Display, diagnostics, suspend.WithBroadcaster(handlers))
	handlers.Bind(alarms, machine)

	loop, err := ipcloop.New(alarms, opts.Config.WaitAlarms())
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("daemon: constructing event loop: %w", err))
		_ = store.Close()
		return nil, errs
	}

	return &Core{
		cfg:        opts.Config,
		store:      store,
		clock:      clk,
		activities: activities,
		ledger:     ledger,
		alarms:     alarms,
		machine:    machine,
		diagnostic: diagnostics,
		handlers:   handlers,
		loop:       loop,
		log:        corelog.Named("daemon"),
	}, nil
}

// Handlers returns the IPC translation layer, for a transport to route
// inbound requests through Dispatch and into.
func (c *Core) Handlers() *ipc.Handlers { return c.handlers }

// Dispatch serializes fn onto the event loop thread, blocking the
// caller until it completes. Every Handlers call a transport makes
// should go through this, so IPC dispatch and the alarm heartbeat never
// race on the same components.
func (c *Core) Dispatch(fn func()) error { return c.loop.Dispatch(fn) }

// Run starts the Suspend State Machine's idle watcher (its own
// goroutine, per spec.md §5, so a blocked suspend syscall never stalls
// IPC), the Nack-diagnostics watcher, and the event loop, then blocks
// until ctx is cancelled. It joins the idle watcher and the event loop
// before returning; the Nack-diagnostics watcher has no shutdown signal
// of its own (clients.Ledger.NackEvents never closes its channel short
// of the process exiting) and so may still be draining queued events
// when Run returns — harmless, since it only ever logs.
func (c *Core) Run(ctx context.Context) error {
	machineCtx, stopMachine := context.WithCancel(ctx)
	c.stopMachine = stopMachine
	go c.machine.Run(machineCtx)

	c.nackDone = make(chan struct{})
	go func() {
		defer close(c.nackDone)
		c.diagnostic.WatchNacks(c.ledger.NackEvents())
	}()

	loopCtx, stopLoop := context.WithCancel(ctx)
	c.stopLoop = stopLoop
	err := c.loop.Run(loopCtx)

	c.machine.Stop()
	<-c.machine.Done()

	return err
}

// Stop requests the idle watcher and the event loop to exit; Run
// returns once they have (see Run's doc comment on the
// Nack-diagnostics watcher, which Stop does not join).
func (c *Core) Stop() {
	if c.stopLoop != nil {
		c.stopLoop()
	}
	if c.stopMachine != nil {
		c.stopMachine()
	}
}

// Close releases the Alarm Engine's store handle. Call after Run
// returns.
func (c *Core) Close() error {
	return c.store.Close()
}

// ReleaseClient is the idempotent teardown entrypoint a shutdown/reboot
// collaborator (out of scope per spec.md §1) is expected to call for a
// disconnecting client, per spec.md §5 "Resource lifetimes": it
// unregisters uid from the Client Registry & Vote Ledger so the client
// no longer counts toward quorum on the next voting round.
//
// Activity Registry leases are deliberately left untouched here: a
// lease's id is an opaque string the caller chooses on activityStart
// (ipc.ActivityStartRequest.ID), not the client's uid, and nothing in
// this core maps one to the other — a client may hold zero, one, or
// several leases under ids unrelated to its identify-assigned uid, and
// the same id may outlive a reconnect. Leases expire on their own
// clock via activity.Registry.RemoveExpired; forcing them out here
// would require tracking an ownership relationship spec.md never asks
// for.
func (c *Core) ReleaseClient(uid string) {
	c.ledger.Unregister(uid)
}
