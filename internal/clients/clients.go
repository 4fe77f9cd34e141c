// Package clients implements the Client Registry & Vote Ledger (spec.md
// §4.C): tracks which clients opted into the two suspend voting rounds
// and tallies their Ack/Nack responses per attempt.
//
// The round-resolution wait uses a condition-variable pair, exactly as
// spec.md §5 mandates ("A condition-variable pair for each of the two
// voting rounds"). The cumulative Nack diagnostic is fanned out over an
// unbounded github.com/eapache/channels.InfiniteChannel, the same
// pattern caramis-oasis-core/go/roothash/memory/memory.go uses to
// decouple a notifier from its producer, so a slow diagnostic consumer
// never blocks a vote.
package clients

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eapache/channels"

	"github.com/joeycumines/sleepd/internal/corelog"
)

// Round is one of the two voting rounds (spec.md §4.C).
type Round int

const (
	RoundSuspendRequest Round = iota
	RoundPrepareSuspend
	numRounds
)

func (r Round) String() string {
	switch r {
	case RoundSuspendRequest:
		return "suspendRequest"
	case RoundPrepareSuspend:
		return "prepareSuspend"
	default:
		return "unknown"
	}
}

// Response is a client's latched response within the current attempt.
type Response int

const (
	NoResponse Response = iota
	Ack
	Nack
)

// NackEvent is published whenever a client's cumulative Nack count for a
// round increases, for the rate-limited "top nacking clients" diagnostic
// (spec.md §4.C); see internal/diag.
type NackEvent struct {
	UID        string
	Name       string
	Round      Round
	Cumulative int
}

type client struct {
	uid      string
	name     string
	optIn    [numRounds]bool
	response [numRounds]Response
	nackCnt  [numRounds]int
}

// Ledger is the Client Registry & Vote Ledger.
type Ledger struct {
	mu sync.Mutex

	clients  map[string]*client
	expected [numRounds]int
	ackTally [numRounds]int
	anyNack  [numRounds]bool
	cond     [numRounds]*sync.Cond

	violations int

	nackEvents *channels.InfiniteChannel
	log        *corelog.Logger
}

// New constructs an empty Client Registry & Vote Ledger.
func New() *Ledger {
	l := &Ledger{
		clients:    make(map[string]*client),
		nackEvents: channels.NewInfiniteChannel(),
		log:        corelog.Named("clients"),
	}
	for i := range l.cond {
		l.cond[i] = sync.NewCond(&l.mu)
	}
	return l
}

// NackEvents returns the channel of NackEvent values, consumed by the
// diagnostics subsystem. Never blocks the voting path.
func (l *Ledger) NackEvents() <-chan interface{} {
	return l.nackEvents.Out()
}

// Register creates a client record for uid (replacing any prior record
// with the same uid).
func (l *Ledger) Register(uid, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients[uid] = &client{uid: uid, name: name}
}

// Unregister removes the client record for uid, if present.
func (l *Ledger) Unregister(uid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, uid)
}

// UnregisterByName removes every client record with the given name
// (spec.md §6: subscription-cancel upcalls identify clients by name).
func (l *Ledger) UnregisterByName(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for uid, c := range l.clients {
		if c.name == name {
			delete(l.clients, uid)
		}
	}
}

// OptIn sets whether uid participates in round. A reference to an
// unknown uid is a protocol violation (spec.md §7): silently ignored,
// bumping the violation counter.
func (l *Ledger) OptIn(uid string, round Round, in bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.clients[uid]
	if !ok {
		l.violations++
		return
	}
	c.optIn[round] = in
}

// VoteInit resets every client's per-round response to NoResponse and
// recomputes the expected-ack totals as the count of currently
// opted-in clients per round (spec.md §4.C). Called at the start of
// every suspend attempt.
func (l *Ledger) VoteInit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for round := Round(0); round < numRounds; round++ {
		l.ackTally[round] = 0
		l.anyNack[round] = false
		l.expected[round] = 0
	}
	for _, c := range l.clients {
		for round := Round(0); round < numRounds; round++ {
			c.response[round] = NoResponse
			if c.optIn[round] {
				l.expected[round]++
			}
		}
	}
}

// Vote records uid's response for round. Unknown uid is a no-op
// returning false. A client's second and subsequent responses within the
// same attempt are ignored (latching) — the return value is recomputed
// from the already-latched response. Returns true iff the vote was an
// Ack that brought the tally to >= expected, or the vote (new or
// latched) was a Nack; callers distinguish the two via Approved.
func (l *Ledger) Vote(uid string, round Round, ack bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[uid]
	if !ok {
		l.violations++
		return false
	}

	resp := Ack
	if !ack {
		resp = Nack
	}

	if c.response[round] == NoResponse {
		c.response[round] = resp
		if resp == Ack {
			l.ackTally[round]++
		} else {
			c.nackCnt[round]++
			l.anyNack[round] = true
			l.publishNack(c, round)
		}
	} else {
		l.violations++ // duplicate vote within the same attempt
	}

	switch c.response[round] {
	case Nack:
		l.cond[round].Broadcast()
		return true
	case Ack:
		approved := l.ackTally[round] >= l.expected[round]
		if approved {
			l.cond[round].Broadcast()
		}
		return approved
	default:
		return false
	}
}

func (l *Ledger) publishNack(c *client, round Round) {
	l.nackEvents.In() <- NackEvent{
		UID:        c.uid,
		Name:       c.name,
		Round:      round,
		Cumulative: c.nackCnt[round],
	}
}

// Approved reports whether round's Ack tally has reached its expected
// count. Per spec.md §8 invariant 5, once true it remains true until
// the next VoteInit.
func (l *Ledger) Approved(round Round) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ackTally[round] >= l.expected[round]
}

// Nacked reports whether any client has Nacked round during the current
// attempt.
func (l *Ledger) Nacked(round Round) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.anyNack[round]
}

// WaitRound blocks until round is Approved, Nacked, or timeout elapses,
// whichever comes first, waiting on the round's condition variable
// (spec.md §5). Timeout is not an error (spec.md §7): it is reported via
// timedOut so the caller can proceed "as if remaining clients had
// Acked."
func (l *Ledger) WaitRound(round Round, timeout time.Duration) (approved, nacked, timedOut bool) {
	deadline := time.Now().Add(timeout)

	l.mu.Lock()
	defer l.mu.Unlock()

	timer := time.AfterFunc(timeout, func() {
		l.mu.Lock()
		l.cond[round].Broadcast()
		l.mu.Unlock()
	})
	defer timer.Stop()

	for {
		if l.anyNack[round] {
			return false, true, false
		}
		if l.ackTally[round] >= l.expected[round] {
			return true, false, false
		}
		if !time.Now().Before(deadline) {
			return false, false, true
		}
		l.cond[round].Wait()
	}
}

// SilentClients returns the names of clients who opted into round but
// have not yet responded, for the "log the silent-client list" logging
// requirement (spec.md §5, §8 S1-S6 context).
func (l *Ledger) SilentClients(round Round) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, c := range l.clients {
		if c.optIn[round] && c.response[round] == NoResponse {
			out = append(out, c.name)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot renders the client table for round, for diagnostics
// (spec.md §4.C, the exponentially-backed-off client-table dump of
// spec.md §4.E).
func (l *Ledger) Snapshot(round Round) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	type row struct {
		name, resp string
		nacks      int
	}
	rows := make([]row, 0, len(l.clients))
	for _, c := range l.clients {
		resp := "none"
		switch c.response[round] {
		case Ack:
			resp = "ack"
		case Nack:
			resp = "nack"
		}
		rows = append(rows, row{name: c.name, resp: resp, nacks: c.nackCnt[round]})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })

	out := round.String() + " clients:"
	for _, r := range rows {
		out += "\n  " + r.name + " response=" + r.resp + " cumulativeNacks=" + strconv.Itoa(r.nacks)
	}
	if len(rows) == 0 {
		out += " (none)"
	}
	return out
}
