package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pushcraft/automation-engine/internal/scheduler"
	"github.com/pushcraft/automation-engine/pkg/models"
)

type fakeLedger struct {
	mu      sync.Mutex
	fired   map[string]time.Time
	entries []models.LedgerEntry
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{fired: make(map[string]time.Time)}
}

func (f *fakeLedger) LastFired(recipeID string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.fired[recipeID]
	return t, ok
}

func (f *fakeLedger) Record(entry models.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired[entry.RecipeID] = entry.LastFiredInstant
	f.entries = append(f.entries, entry)
	return nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   int
	done    chan struct{}
	delay   time.Duration
	outcome models.LedgerOutcome
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{done: make(chan struct{}, 8), outcome: models.LedgerOutcomeCompleted}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, firing *models.Firing, recipe *models.Recipe) models.LedgerOutcome {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.done <- struct{}{}
	return f.outcome
}

func (f *fakeDispatcher) Cancel(firingID string) bool { return false }

func dailyRecipe(id string, executionTime string) *models.Recipe {
	return &models.Recipe{
		ID:   id,
		Name: "test recipe",
		Schedule: models.Schedule{
			Timezone:      "UTC",
			Frequency:     models.FrequencyDaily,
			StartDate:     "2020-01-01",
			ExecutionTime: executionTime,
		},
	}
}

func TestSchedule_InstallsJobWithFutureInstant(t *testing.T) {
	s := scheduler.New(newFakeDispatcher(), newFakeLedger(), 2, time.Minute, "instance-1")

	recipe := dailyRecipe("r1", "23:59")
	require.NoError(t, s.Schedule(recipe))

	snap := findSnapshot(t, s, "r1")
	require.Equal(t, scheduler.StateInstalled, snap.State)
	require.False(t, snap.NextInstant.IsZero(), "NextInstant is zero, want a computed future instant")
}

func TestSchedule_ExpiredOnceRecipe_MarksUninstalledNotError(t *testing.T) {
	s := scheduler.New(newFakeDispatcher(), newFakeLedger(), 2, time.Minute, "instance-1")

	recipe := &models.Recipe{
		ID:   "r-once",
		Name: "one-shot",
		Schedule: models.Schedule{
			Timezone:      "UTC",
			Frequency:     models.FrequencyOnce,
			StartDate:     "2000-01-01",
			ExecutionTime: "00:00",
		},
	}

	require.NoError(t, s.Schedule(recipe), "want nil error for an expired recipe")

	snap := findSnapshot(t, s, "r-once")
	require.Equal(t, scheduler.StateUninstalled, snap.State)
}

func TestSchedule_ReplacesExistingJob(t *testing.T) {
	s := scheduler.New(newFakeDispatcher(), newFakeLedger(), 2, time.Minute, "instance-1")

	require.NoError(t, s.Schedule(dailyRecipe("r2", "08:00")))
	first := findSnapshot(t, s, "r2").NextInstant

	require.NoError(t, s.Schedule(dailyRecipe("r2", "09:30")))
	second := findSnapshot(t, s, "r2").NextInstant

	require.False(t, first.Equal(second), "NextInstant unchanged after rescheduling with a different execution time")
	require.Len(t, s.Snapshot(), 1, "old job should be replaced, not duplicated")
}

func TestUnschedule_Idempotent(t *testing.T) {
	s := scheduler.New(newFakeDispatcher(), newFakeLedger(), 2, time.Minute, "instance-1")
	s.Unschedule("never-scheduled")
	s.Unschedule("never-scheduled")

	require.Empty(t, s.Snapshot())
}

func TestUnschedule_RemovesJob(t *testing.T) {
	s := scheduler.New(newFakeDispatcher(), newFakeLedger(), 2, time.Minute, "instance-1")
	require.NoError(t, s.Schedule(dailyRecipe("r3", "08:00")))
	s.Unschedule("r3")

	require.Empty(t, s.Snapshot())
}

func TestMarkInstallFailed_VisibleInSnapshot(t *testing.T) {
	s := scheduler.New(newFakeDispatcher(), newFakeLedger(), 2, time.Minute, "instance-1")
	recipe := dailyRecipe("r4", "08:00")

	s.MarkInstallFailed("r4", recipe, "corrupt schedule fields")

	snap := findSnapshot(t, s, "r4")
	require.Equal(t, scheduler.StateInstallFailed, snap.State)
	require.NotEmpty(t, snap.FailReason)
}

func TestScheduledCount_OnlyCountsInstalledJobs(t *testing.T) {
	s := scheduler.New(newFakeDispatcher(), newFakeLedger(), 2, time.Minute, "instance-1")

	require.NoError(t, s.Schedule(dailyRecipe("installed-1", "08:00")))
	s.MarkInstallFailed("failed-1", dailyRecipe("failed-1", "08:00"), "bad schedule")

	require.Equal(t, 1, s.ScheduledCount())
}

func TestFiring_DispatchesAndRecordsLedgerEntry(t *testing.T) {
	ledger := newFakeLedger()
	dispatcher := newFakeDispatcher()
	s := scheduler.New(dispatcher, ledger, 2, time.Minute, "instance-1")

	// Truncated to minute precision by "15:04", so the offset must cross
	// at least one full minute boundary to guarantee it lands after now.
	soon := time.Now().UTC().Add(70 * time.Second)
	recipe := &models.Recipe{
		ID:   "r-soon",
		Name: "fires soon",
		Schedule: models.Schedule{
			Timezone:      "UTC",
			Frequency:     models.FrequencyOnce,
			StartDate:     soon.Format("2006-01-02"),
			ExecutionTime: soon.Format("15:04"),
		},
	}
	require.NoError(t, s.Schedule(recipe))

	s.Start()
	defer s.Stop(context.Background())

	select {
	case <-dispatcher.done:
	case <-time.After(2 * time.Minute):
		t.Fatal("dispatcher was never invoked")
	}

	deadline := time.After(time.Second)
	for {
		if _, ok := ledger.LastFired("r-soon"); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("ledger entry was never recorded after dispatch")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCancel_NoActiveFiring_ReturnsFalse(t *testing.T) {
	s := scheduler.New(newFakeDispatcher(), newFakeLedger(), 2, time.Minute, "instance-1")
	s.Schedule(dailyRecipe("r1", "23:59"))

	cancelled, err := s.Cancel("r1", "operator request")
	require.NoError(t, err)
	require.False(t, cancelled, "want false when no firing is in flight")
}

func TestCancel_UnknownRecipe_ReturnsError(t *testing.T) {
	s := scheduler.New(newFakeDispatcher(), newFakeLedger(), 2, time.Minute, "instance-1")

	_, err := s.Cancel("does-not-exist", "reason")
	require.Error(t, err)
}

func TestEmergencyStop_UnschedulesAllJobsAndBlocksFurtherSchedule(t *testing.T) {
	s := scheduler.New(newFakeDispatcher(), newFakeLedger(), 2, time.Minute, "instance-1")
	s.Schedule(dailyRecipe("r1", "23:59"))
	s.Schedule(dailyRecipe("r2", "23:58"))

	s.EmergencyStop()

	require.Equal(t, 0, s.ScheduledCount())
	require.Error(t, s.Schedule(dailyRecipe("r3", "23:57")), "want rejection until Resume")
}

func TestResume_AllowsSchedulingAgainAfterEmergencyStop(t *testing.T) {
	s := scheduler.New(newFakeDispatcher(), newFakeLedger(), 2, time.Minute, "instance-1")
	s.EmergencyStop()
	s.Resume()

	require.NoError(t, s.Schedule(dailyRecipe("r1", "23:59")))
}

func findSnapshot(t *testing.T, s *scheduler.Scheduler, recipeID string) scheduler.Snapshot {
	t.Helper()
	for _, snap := range s.Snapshot() {
		if snap.RecipeID == recipeID {
			return snap
		}
	}
	t.Fatalf("no snapshot entry for recipe %s", recipeID)
	return scheduler.Snapshot{}
}
