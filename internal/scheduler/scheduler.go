// Package scheduler owns the scheduled-job map: one live cron-like
// trigger per schedulable recipe, guarded by a single lock, dispatching
// firings to a bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/pushcraft/automation-engine/internal/timeline"
	"github.com/pushcraft/automation-engine/pkg/models"
)

// State is a scheduled job's position in its lifecycle.
type State string

const (
	StateInstalled     State = "installed"
	StateFiring        State = "firing"
	StateUninstalled   State = "uninstalled"
	StateInstallFailed State = "install-failed"
)

// Dispatcher drives one firing to completion and can cancel one still
// waiting out its lead time or cancellation window. It is the Sequence
// Executor's entry point as seen by the Scheduler.
type Dispatcher interface {
	Dispatch(ctx context.Context, firing *models.Firing, recipe *models.Recipe) models.LedgerOutcome
	Cancel(firingID string) bool
}

// Snapshot is one job's entry in a debug snapshot.
type Snapshot struct {
	RecipeID    string
	State       State
	NextInstant time.Time
	IsRunning   bool
	InstanceID  string
	FailReason  string
}

type job struct {
	recipeID        string
	recipe          models.Recipe
	state           State
	entryID         cron.EntryID
	hasEntry        bool
	isRunning       bool
	activeFiringID  string
	failReason      string
}

// Scheduler is single-threaded with respect to its job map: every
// mutation happens under mu.
type Scheduler struct {
	mu         sync.Mutex
	jobs       map[string]*job
	cron       *cron.Cron
	dispatcher Dispatcher
	ledger     Ledger
	slots      chan struct{}

	cancellationWindow time.Duration
	instanceID         string
	stopped            bool
}

// New builds a Scheduler with workerPoolSize concurrent firing slots.
func New(dispatcher Dispatcher, ledger Ledger, workerPoolSize int, cancellationWindow time.Duration, instanceID string) *Scheduler {
	if workerPoolSize <= 0 {
		workerPoolSize = 1
	}
	return &Scheduler{
		jobs:               make(map[string]*job),
		cron:               cron.New(cron.WithLocation(time.UTC)),
		dispatcher:         dispatcher,
		ledger:             ledger,
		slots:              make(chan struct{}, workerPoolSize),
		cancellationWindow: cancellationWindow,
		instanceID:         instanceID,
	}
}

// Start begins the cron engine's timer loop.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop drains in-flight cron callbacks and stops the timer loop. It
// does not cancel firings already dispatched to the worker pool.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule computes the recipe's next firing instant and installs a
// cron entry for it. If a job already exists for this recipe id, it is
// atomically replaced so lead-time or schedule changes take effect
//. A recipe whose schedule has no future occurrences is recorded
// as uninstalled, not an error.
func (s *Scheduler) Schedule(recipe *models.Recipe) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return fmt.Errorf("scheduler is emergency-stopped: call Resume (via restore) before scheduling")
	}

	rs := &recipeSchedule{
		recipeID:           recipe.ID,
		schedule:           recipe.Schedule,
		cancellationWindow: s.cancellationWindow,
		ledger:             s.ledger,
	}

	// A plain timeline.Next probe, not rs.Next: rs.Next arms its
	// in-memory dedup state as a side effect (see adapter.go), and that
	// arming must happen exactly once, from cron's own first call, not
	// from this pre-install expiry check.
	result, err := timeline.Next(recipe.Schedule, time.Now().UTC(), s.cancellationWindow)
	expired := err != nil || result.Expired

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeEntryLocked(recipe.ID)

	j := &job{recipeID: recipe.ID, recipe: *recipe}
	s.jobs[recipe.ID] = j

	if expired {
		j.state = StateUninstalled
		return nil
	}

	entryID := s.cron.Schedule(rs, cronJob{scheduler: s, recipeID: recipe.ID})
	j.entryID = entryID
	j.hasEntry = true
	j.state = StateInstalled
	return nil
}

// Unschedule removes a job. Idempotent. A firing already in progress
// for this recipe is not cancelled; only future firings are suppressed.
func (s *Scheduler) Unschedule(recipeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeEntryLocked(recipeID)
	delete(s.jobs, recipeID)
}

// removeEntryLocked must be called with mu held.
func (s *Scheduler) removeEntryLocked(recipeID string) {
	if j, ok := s.jobs[recipeID]; ok && j.hasEntry {
		s.cron.Remove(j.entryID)
	}
}

// Reschedule forces a recompute and reinstall, equivalent to Schedule
// called again with the latest recipe definition.
func (s *Scheduler) Reschedule(recipe *models.Recipe) error {
	return s.Schedule(recipe)
}

// MarkInstallFailed records a job as install-failed: the recipe is
// expected to be scheduled but installation could not proceed (bad
// schedule fields, corrupt store record). The recipe stays visible in
// the snapshot so divergence is never silently absorbed.
func (s *Scheduler) MarkInstallFailed(recipeID string, recipe *models.Recipe, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeEntryLocked(recipeID)
	s.jobs[recipeID] = &job{
		recipeID:   recipeID,
		recipe:     *recipe,
		state:      StateInstallFailed,
		failReason: reason,
	}
}

// Snapshot returns the current state of every tracked job.
func (s *Scheduler) Snapshot() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		snap := Snapshot{
			RecipeID:   j.recipeID,
			State:      j.state,
			IsRunning:  j.isRunning,
			InstanceID: s.instanceID,
			FailReason: j.failReason,
		}
		if j.hasEntry {
			if entry := s.cron.Entry(j.entryID); entry.ID == j.entryID {
				snap.NextInstant = entry.Next
			}
		}
		out = append(out, snap)
	}
	return out
}

// ScheduledCount returns the number of jobs with a live cron entry
// (installed or currently firing), reported by the Control Surface's
// health snapshot.
func (s *Scheduler) ScheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, j := range s.jobs {
		if j.state == StateInstalled || j.state == StateFiring {
			count++
		}
	}
	return count
}

// cronJob is the cron.Job the engine invokes on each trigger. It is
// responsible for the overlap guard, Firing construction, worker-slot
// acquisition, and ledger write that make up one firing-emission
// sequence.
type cronJob struct {
	scheduler *Scheduler
	recipeID  string
}

func (cj cronJob) Run() {
	s := cj.scheduler

	s.mu.Lock()
	j, ok := s.jobs[cj.recipeID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if j.isRunning {
		log.Warn().Str("recipe_id", cj.recipeID).Msg("firing dropped: previous execution still running")
		s.mu.Unlock()
		return
	}
	j.isRunning = true
	j.state = StateFiring
	recipe := j.recipe
	firingID := uuid.NewString()
	j.activeFiringID = firingID
	s.mu.Unlock()

	// The cron entry fires at the pre-send instant, with the lead time
	// still ahead of it (see recipeSchedule.Next). Recompute here to
	// recover the actual firing instant the Executor must wait out and
	// the ledger must record, rather than trusting wall-clock time at
	// trigger, which can drift a few seconds from the pre-send instant.
	// The recompute starts a minute before now: with a zero lead time the
	// trigger lands on (or just after) the firing instant itself, and a
	// recompute from now would return the following occurrence.
	result, err := timeline.Next(recipe.Schedule, time.Now().UTC().Add(-time.Minute), s.cancellationWindow)
	if err != nil {
		log.Error().Err(err).Str("recipe_id", cj.recipeID).Msg("firing dropped: could not recompute firing instant")
		s.finishLocked(cj.recipeID)
		return
	}

	firing := &models.Firing{
		ID:               firingID,
		RecipeID:         recipe.ID,
		ScheduledInstant: result.FiringInstant,
		Status:           models.FiringStatusPending,
	}

	ctx := context.Background()

	select {
	case s.slots <- struct{}{}:
	default:
		log.Warn().Str("recipe_id", cj.recipeID).Str("kind", string(models.ErrOverloadDropped)).Msg("firing dropped: worker pool saturated")
		s.finishLocked(cj.recipeID)
		return
	}
	outcome := func() models.LedgerOutcome {
		defer func() { <-s.slots }()
		return s.dispatcher.Dispatch(ctx, firing, &recipe)
	}()

	if err := s.ledger.Record(models.LedgerEntry{
		RecipeID:         recipe.ID,
		LastFiredInstant: firing.ScheduledInstant,
		Outcome:          outcome,
	}); err != nil {
		log.Error().Err(err).Str("recipe_id", cj.recipeID).Msg("failed to record ledger entry")
	}

	s.finishLocked(cj.recipeID)
}

func (s *Scheduler) finishLocked(recipeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[recipeID]; ok {
		j.isRunning = false
		j.activeFiringID = ""
		if j.state == StateFiring {
			j.state = StateInstalled
		}
	}
}

// Cancel transitions the recipe's currently in-flight firing to
// cancelled, if it is still within a suspension point the Executor
// checks (the wait until the firing instant, or the cancellation window
// that follows it). Once the firing has moved into per-step sending,
// cancellation is a no-op and Cancel returns false.
// reason is recorded by the caller (the Control Surface), not by the
// Scheduler itself.
func (s *Scheduler) Cancel(recipeID string, reason string) (bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[recipeID]
	if !ok {
		s.mu.Unlock()
		return false, &ErrUnknownRecipe{RecipeID: recipeID}
	}
	firingID := j.activeFiringID
	s.mu.Unlock()

	if firingID == "" {
		return false, nil
	}
	return s.dispatcher.Cancel(firingID), nil
}

// EmergencyStop unschedules every job and cancels every in-window
// firing. The scheduler refuses further Schedule calls until Resume is
// called, which the restore handler does before running the
// reconciliation pass — emergency stop is terminal until an operator
// triggers a restore.
func (s *Scheduler) EmergencyStop() {
	s.mu.Lock()
	s.stopped = true
	firingIDs := make([]string, 0, len(s.jobs))
	for recipeID, j := range s.jobs {
		s.removeEntryLocked(recipeID)
		if j.activeFiringID != "" {
			firingIDs = append(firingIDs, j.activeFiringID)
		}
	}
	s.jobs = make(map[string]*job)
	s.mu.Unlock()

	for _, id := range firingIDs {
		s.dispatcher.Cancel(id)
	}
}

// Resume lifts an EmergencyStop, allowing Schedule to install jobs
// again. Called at the start of an on-demand restoration pass
// (reconciler.Run); the reconciler's periodic passes do not call it.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
}

// ErrUnknownRecipe is returned by operations that require a previously
// scheduled job.
type ErrUnknownRecipe struct{ RecipeID string }

func (e *ErrUnknownRecipe) Error() string {
	return fmt.Sprintf("no scheduled job for recipe %s", e.RecipeID)
}
