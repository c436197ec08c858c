package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pushcraft/automation-engine/internal/timeline"
	"github.com/pushcraft/automation-engine/pkg/models"
)

// Ledger is the durable record the Scheduler consults to avoid
// double-firing across restarts and writes to on every terminal firing
//.
type Ledger interface {
	LastFired(recipeID string) (instant time.Time, ok bool)
	Record(entry models.LedgerEntry) error
}

// recipeSchedule adapts a recipe's Schedule to cron.Schedule, letting
// the cron engine's timer loop drive firings with no polling.
//
// cron.Cron's run loop calls Next(now) synchronously right after
// launching a job with "go job.Run()" — it does not wait for the job
// to finish. A firing the Dispatcher is still running (lead-time wait,
// cancellation window, per-step sends) has not written its ledger
// entry yet, so a recompute that relied on the ledger alone would see
// no change and re-offer the same already-elapsed pre-send instant,
// handing cron's timer a zero/negative duration and spinning it until
// the firing completes.
//
// armedPreSend/armedFiring record, in process memory, the occurrence
// this schedule last handed to cron as "next". A later call is only
// treated as "that occurrence is now in flight" when its now argument
// has actually reached armedPreSend — the wall-clock progress only
// cron's own run loop produces, never a caller probing Next at the
// same instant twice. That lets the very next post-dispatch recompute
// advance past the in-flight occurrence without waiting on the
// ledger write Dispatch hasn't made yet. The ledger check stays as the
// cross-restart guard: armed state resets to zero on every process
// restart, but a ledger entry for the current occurrence survives one.
type recipeSchedule struct {
	recipeID           string
	schedule           models.Schedule
	cancellationWindow time.Duration
	ledger             Ledger

	mu           sync.Mutex
	armedPreSend time.Time
	armedFiring  time.Time
}

var _ cron.Schedule = &recipeSchedule{}

// Next returns the zero time once the schedule has no more occurrences
// (one-time recipe already fired, or past its end date). The cron
// engine never re-invokes a Job whose Next returns the zero time.
//
// The returned instant is the *pre-send* instant, not the firing
// instant: the cron engine dispatches the firing to the Executor with
// the full lead time still ahead of it, so the Executor's own
// wait-for-lead-time step survives a process restart instead of
// being swallowed by the Scheduler waking up exactly at send time.
func (rs *recipeSchedule) Next(t time.Time) time.Time {
	rs.mu.Lock()
	preSend, firing := rs.armedPreSend, rs.armedFiring
	rs.mu.Unlock()

	at := t.UTC()
	if !preSend.IsZero() && !at.Before(preSend) {
		at = firing.Add(time.Second)
	}

	for {
		result, err := timeline.Next(rs.schedule, at, rs.cancellationWindow)
		if err != nil || result.Expired {
			return time.Time{}
		}

		if last, ok := rs.ledger.LastFired(rs.recipeID); ok && !result.FiringInstant.After(last) {
			at = result.FiringInstant.Add(time.Second)
			continue
		}

		rs.mu.Lock()
		rs.armedPreSend = result.PreSendInstant
		rs.armedFiring = result.FiringInstant
		rs.mu.Unlock()
		return result.PreSendInstant
	}
}
