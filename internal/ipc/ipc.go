// Package ipc translates the wire-level JSON operations of spec.md §6
// into calls against the five core components, and their results back
// into the `{returnValue, ...}` reply shape spec.md §7 requires.
//
// The IPC bus itself — connection routing, per-client subscription
// bookkeeping, the actual socket/transport — is named out of scope by
// spec.md §1 ("IPC bus routing/subscription plumbing" is an excluded
// external collaborator) and is modeled here as the consumed Transport
// interface, the same way internal/hal consumes the platform instead of
// implementing it. Handlers is the thing a real transport calls into per
// inbound message, and the thing internal/suspend and internal/alarm call
// out to when they need to talk back to a client.
package ipc

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/sleepd/internal/activity"
	"github.com/joeycumines/sleepd/internal/alarm"
	"github.com/joeycumines/sleepd/internal/clients"
	"github.com/joeycumines/sleepd/internal/clock"
	"github.com/joeycumines/sleepd/internal/corelog"
	"github.com/joeycumines/sleepd/internal/diag"
	"github.com/joeycumines/sleepd/internal/suspend"
)

// Transport is the send side of the IPC bus: addressed delivery to one
// client, and fan-out delivery to every subscribed client. Consumed, not
// implemented, by this package.
type Transport interface {
	// Send delivers a single payload to clientID, for alarm/timeout fire
	// callbacks and legacy-alarm notifications.
	Send(clientID string, method string, payload any)
	// Broadcast delivers a payload to every subscribed client (spec.md
	// §6's suspendRequest/prepareSuspend/suspended/resume signals).
	Broadcast(method string, payload any)
	// Subscribe and Unsubscribe manage the subscribed-client set that
	// Broadcast fans out to.
	Subscribe(clientID string)
	Unsubscribe(clientID string)
}

// ValidationError is a malformed-request error (spec.md §7: "malformed
// JSON, out-of-range fields, missing required keys"), translated at the
// boundary to {returnValue:false, errorText}. It never represents a
// state change.
type ValidationError struct {
	Text string
}

func (e *ValidationError) Error() string { return e.Text }

func validationErr(text string) error { return &ValidationError{Text: text} }

// ErrorReply is the `{returnValue:false, errorText}` shape spec.md §7
// requires for every failed operation. A transport renders any non-nil
// Handlers error through AsErrorReply into this shape.
type ErrorReply struct {
	ReturnValue bool   `json:"returnValue"`
	ErrorText   string `json:"errorText"`
}

// AsErrorReply renders err as an ErrorReply.
func AsErrorReply(err error) ErrorReply {
	return ErrorReply{ReturnValue: false, ErrorText: err.Error()}
}

// Handlers wires the five core components to the wire-level operations
// of spec.md §6, plus the SPEC_FULL.md additions (time/getSystemTime,
// time/diagnostics).
type Handlers struct {
	mu           sync.Mutex
	nextClientID uint64

	ledger     *clients.Ledger
	activities *activity.Registry
	alarms     *alarm.Engine
	machine    *suspend.Machine
	clk        *clock.Clock
	diagnostic *diag.Diagnostics
	transport  Transport
	log        *corelog.Logger
}

// New constructs a Handlers bound to the given components and transport.
// alarms and machine may be nil at construction time — both depend on a
// Notifier/Broadcaster that only Handlers itself can supply (a
// construction cycle: ipc needs alarm and suspend, which each need ipc
// back). Bind supplies them once they exist.
func New(ledger *clients.Ledger, activities *activity.Registry, alarms *alarm.Engine, machine *suspend.Machine, clk *clock.Clock, diagnostics *diag.Diagnostics, transport Transport) *Handlers {
	return &Handlers{
		ledger:     ledger,
		activities: activities,
		alarms:     alarms,
		machine:    machine,
		clk:        clk,
		diagnostic: diagnostics,
		transport:  transport,
		log:        corelog.Named("ipc"),
	}
}

// Bind completes construction by supplying the Alarm Engine and Suspend
// State Machine once they've been built with this Handlers as their
// Notifier/Broadcaster. Called exactly once during daemon startup.
func (h *Handlers) Bind(alarms *alarm.Engine, machine *suspend.Machine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alarms = alarms
	h.machine = machine
}

var _ suspend.Broadcaster = (*Handlers)(nil)

func (h *Handlers) newClientID() string {
	n := atomic.AddUint64(&h.nextClientID, 1)
	return "c-" + strconv.FormatUint(n, 10)
}
