// Package ipcloop hosts the single-threaded event loop spec.md §5
// describes: "A single-threaded event loop hosts the IPC callbacks, the
// idle timer, the alarm heartbeat, and the state-machine transitions."
// The Suspend State Machine's own voting/attempt-suspend sequencing
// already runs on its own dedicated goroutine (internal/suspend.Machine.Run)
// for the reason spec.md §5 gives next — "so that a blocked suspend
// syscall never stalls IPC" — so this loop's remaining two duties are the
// Alarm Engine's firing/RTC-liveness heartbeat and serializing inbound IPC
// dispatch, grounded on github.com/joeycumines/go-eventloop the way
// go-utilpkg's inprocgrpc.Channel serializes RPC handling onto one
// Loop.Submit-driven goroutine (see channel.go's resCh/Submit pattern,
// mirrored below by Dispatch).
package ipcloop

import (
	"context"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"

	"github.com/joeycumines/sleepd/internal/alarm"
	"github.com/joeycumines/sleepd/internal/corelog"
)

// Loop is the daemon's single-threaded IPC/alarm event loop.
type Loop struct {
	loop      *eventloop.Loop
	alarms    *alarm.Engine
	heartbeat time.Duration
	log       *corelog.Logger
}

// New constructs a Loop that fires the alarm heartbeat (firing due
// entries, reprogramming the RTC wakeup, and the RTC liveness check —
// all internal/alarm.Engine.Update's responsibility) every heartbeat
// interval once Run starts.
func New(alarms *alarm.Engine, heartbeat time.Duration) (*Loop, error) {
	inner, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	return &Loop{
		loop:      inner,
		alarms:    alarms,
		heartbeat: heartbeat,
		log:       corelog.Named("ipcloop"),
	}, nil
}

// Run starts the alarm heartbeat and blocks running the event loop until
// ctx is cancelled, per eventloop.Loop.Run's contract.
func (l *Loop) Run(ctx context.Context) error {
	l.scheduleHeartbeat()
	return l.loop.Run(ctx)
}

func (l *Loop) scheduleHeartbeat() {
	if err := l.loop.ScheduleTimer(l.heartbeat, func() {
		l.alarms.Update(time.Now())
		l.scheduleHeartbeat()
	}); err != nil {
		l.log.Warning().Err(err).Log("failed scheduling alarm heartbeat")
	}
}

// Dispatch runs fn on the loop thread and blocks the calling goroutine
// until it completes, the way inprocgrpc.Channel's Invoke submits a task
// and waits on a buffered result channel for the loop to signal
// completion. This is how an IPC transport's arbitrary request-handling
// goroutines get their Handlers calls serialized with the alarm
// heartbeat, without themselves running on the loop.
func (l *Loop) Dispatch(fn func()) error {
	done := make(chan struct{}, 1)
	err := l.loop.Submit(eventloop.Task{Runnable: func() {
		fn()
		done <- struct{}{}
	}})
	if err != nil {
		return err
	}
	<-done
	return nil
}
