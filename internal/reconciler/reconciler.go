// Package reconciler reconstructs the Scheduler's job map from the
// recipe store on startup and on demand, and reports how far the two
// have diverged.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pushcraft/automation-engine/internal/store"
	"github.com/pushcraft/automation-engine/pkg/models"
)

// Scheduler is the subset of the Scheduler the reconciler drives. A
// recipe already installed is reinstalled idempotently — Schedule
// atomically replaces any existing job for the same id.
type Scheduler interface {
	Schedule(recipe *models.Recipe) error
	MarkInstallFailed(recipeID string, recipe *models.Recipe, reason string)
	Resume()
}

// Reconciler periodically (and on demand) walks every recipe in the
// store and makes sure the Scheduler's live job map matches what should
// be scheduled.
type Reconciler struct {
	store     store.Store
	scheduler Scheduler
	interval  time.Duration

	lastRecord *models.RestorationRecord
}

// New builds a Reconciler. interval is the background pass cadence;
// values below a minute are raised to a minute.
func New(s store.Store, sched Scheduler, interval time.Duration) *Reconciler {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Reconciler{store: s, scheduler: sched, interval: interval}
}

// Start runs the reconciliation pass immediately, then again on every
// interval tick, until ctx is cancelled. It is meant to be launched as
// its own goroutine at process startup, restoring scheduler state after
// a restart. Cold-start replay of missed past firings is out of scope:
// this restores future triggers, not missed ones.
func (r *Reconciler) Start(ctx context.Context) {
	r.Run(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reconciler stopping")
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

// Run executes one reconciliation pass synchronously and returns its
// record. It is also the entry point for the Control Surface's
// `/automation/restore` endpoint.
func (r *Reconciler) Run(ctx context.Context) *models.RestorationRecord {
	// Lifts any prior emergency stop. Restore is the only way an operator
	// gets the scheduler accepting jobs again after one: the periodic
	// passes in Start go through pass, which leaves a stop in place.
	r.scheduler.Resume()
	return r.pass(ctx)
}

func (r *Reconciler) pass(ctx context.Context) *models.RestorationRecord {
	record := &models.RestorationRecord{
		Timestamp: time.Now().UTC(),
		Failures:  make(map[string]string),
	}

	recipes, err := r.store.List(ctx, store.ListFilter{})
	if err != nil {
		log.Error().Err(err).Msg("reconciliation pass could not list recipes")
		record.Failures["*"] = err.Error()
		r.lastRecord = record
		return record
	}

	for i := range recipes {
		recipe := &recipes[i]
		if !recipe.Schedulable() {
			continue
		}
		record.ExpectedCount++

		if err := r.scheduler.Schedule(recipe); err != nil {
			log.Error().Err(err).Str("recipe_id", recipe.ID).Msg("failed to install scheduled job during reconciliation")
			record.Failures[recipe.ID] = err.Error()
			r.scheduler.MarkInstallFailed(recipe.ID, recipe, err.Error())
			continue
		}
		record.ScheduledCount++
	}

	record.Divergence = record.ExpectedCount - record.ScheduledCount
	if record.Divergence != 0 {
		log.Warn().
			Int("expected", record.ExpectedCount).
			Int("scheduled", record.ScheduledCount).
			Int("divergence", record.Divergence).
			Msg("reconciliation pass found divergence between expected and scheduled jobs")
	}

	r.lastRecord = record
	return record
}

// LastRecord returns the most recent reconciliation outcome, or nil if
// no pass has run yet. Read by the Control Surface's /health endpoint.
func (r *Reconciler) LastRecord() *models.RestorationRecord {
	return r.lastRecord
}
