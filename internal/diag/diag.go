// Package diag hosts the daemon's rate-limited diagnostics: the
// top-nacking-client printout (spec.md §4.C), the RTC-stuck warning
// (spec.md §4.D), and the exponentially-backed-off client-table dump on
// repeated suspend denials (spec.md §4.E).
//
// The first two are genuinely time-windowed (avoid repeating the same
// warning within a sliding window) and are built on
// github.com/joeycumines/go-catrate, the teacher's sliding-window rate
// limiter. The third is a count-based backoff (log on denial counts
// 8, 16, 32, ... capped at 512-step increments) which is a different
// shape of throttle than catrate's time windows provide; no library in
// the retrieved pack implements count-based sampling, so it's a small
// hand-rolled counter (the one stdlib-only corner of this package).
package diag

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/joeycumines/sleepd/internal/clients"
	"github.com/joeycumines/sleepd/internal/corelog"
)

// NackWindow is how often the top-nacking-client diagnostic may repeat
// for the same client.
const NackWindow = 30 * time.Second

// RTCStuckWindow is how often the RTC-stuck warning may repeat.
const RTCStuckWindow = 15 * time.Minute

// Diagnostics owns the rate limiters and the consecutive-denial
// counters for the Suspend State Machine.
type Diagnostics struct {
	nackLimiter *catrate.Limiter
	rtcLimiter  *catrate.Limiter
	log         *corelog.Logger

	mu       sync.Mutex
	denyCnt  map[string]int // keyed by round name
	nextStep map[string]int
}

// New constructs a Diagnostics instance.
func New() *Diagnostics {
	return &Diagnostics{
		nackLimiter: catrate.NewLimiter(map[time.Duration]int{NackWindow: 1}),
		rtcLimiter:  catrate.NewLimiter(map[time.Duration]int{RTCStuckWindow: 1}),
		log:         corelog.Named("diag"),
		denyCnt:     make(map[string]int),
		nextStep:    make(map[string]int),
	}
}

// WatchNacks consumes events off ledger.NackEvents until the channel is
// closed (by process shutdown) or ctx-style stop isn't needed: callers
// run this in its own goroutine for the lifetime of the daemon.
func (d *Diagnostics) WatchNacks(events <-chan interface{}) {
	for raw := range events {
		ev, ok := raw.(clients.NackEvent)
		if !ok {
			continue
		}
		if _, allowed := d.nackLimiter.Allow(ev.UID); !allowed {
			continue
		}
		d.log.Warning().
			Str("client", ev.Name).
			Str("round", ev.Round.String()).
			Int("cumulative_nacks", ev.Cumulative).
			Log("client nacked suspend round")
	}
}

// RTCStuck reports (rate-limited) that consecutive RTC samples were
// identical (spec.md §4.D: "every 5 minutes the engine samples the RTC;
// if the sampled value is identical to the previous sample, a warning is
// emitted").
func (d *Diagnostics) RTCStuck(sample time.Time) {
	if _, allowed := d.rtcLimiter.Allow("rtc"); !allowed {
		return
	}
	d.log.Warning().Time("sample", sample).Log("RTC hardware value unchanged across liveness check, suspected stuck")
}

// DenyStep records a suspend denial at the named stage and reports
// whether the full client table should be logged this time, per the
// exponential schedule 8, 16, 32, ... capped at growing by 512 per step
// (spec.md §4.E).
func (d *Diagnostics) DenyStep(stage string) (count int, shouldLog bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.denyCnt[stage]++
	count = d.denyCnt[stage]

	next, ok := d.nextStep[stage]
	if !ok {
		next = 8
	}
	if count >= next {
		shouldLog = true
		step := next
		if step > 512 {
			step = 512
		}
		d.nextStep[stage] = next + step
	}
	return count, shouldLog
}

// ResetDenyStep clears the consecutive-denial counters for stage,
// called once the stage succeeds.
func (d *Diagnostics) ResetDenyStep(stage string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.denyCnt, stage)
	delete(d.nextStep, stage)
}
