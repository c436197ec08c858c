package ledger_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pushcraft/automation-engine/internal/ledger"
	"github.com/pushcraft/automation-engine/pkg/models"
)

func openTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLastFired_UnrecordedRecipe_ReturnsZeroValueFalse(t *testing.T) {
	l := openTestLedger(t)

	instant, ok := l.LastFired("does-not-exist")
	if ok {
		t.Fatalf("ok = true, want false for an unrecorded recipe")
	}
	if !instant.IsZero() {
		t.Errorf("instant = %v, want zero value", instant)
	}
}

func TestRecord_ThenLastFired_RoundTrips(t *testing.T) {
	l := openTestLedger(t)
	fired := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	if err := l.Record(models.LedgerEntry{RecipeID: "r1", LastFiredInstant: fired, Outcome: models.LedgerOutcomeCompleted}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	instant, ok := l.LastFired("r1")
	if !ok {
		t.Fatal("ok = false, want true after Record()")
	}
	if !instant.Equal(fired) {
		t.Errorf("instant = %v, want %v", instant, fired)
	}
}

func TestRecord_OlderInstant_DoesNotOverwriteNewer(t *testing.T) {
	l := openTestLedger(t)
	newer := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	if err := l.Record(models.LedgerEntry{RecipeID: "r1", LastFiredInstant: newer, Outcome: models.LedgerOutcomeCompleted}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := l.Record(models.LedgerEntry{RecipeID: "r1", LastFiredInstant: older, Outcome: models.LedgerOutcomeFailed}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	instant, ok := l.LastFired("r1")
	if !ok {
		t.Fatal("ok = false, want true")
	}
	if !instant.Equal(newer) {
		t.Errorf("instant = %v, want the newer recorded instant %v to survive", instant, newer)
	}
}

func TestRecord_EqualInstant_IsNotOverwritten(t *testing.T) {
	l := openTestLedger(t)
	instant := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	if err := l.Record(models.LedgerEntry{RecipeID: "r1", LastFiredInstant: instant, Outcome: models.LedgerOutcomeCompleted}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := l.Record(models.LedgerEntry{RecipeID: "r1", LastFiredInstant: instant, Outcome: models.LedgerOutcomeFailed}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	_, outcome := lastOutcome(t, l, "r1")
	if outcome != models.LedgerOutcomeCompleted {
		t.Errorf("outcome = %v, want the first-recorded outcome to survive a non-strictly-later rewrite", outcome)
	}
}

func lastOutcome(t *testing.T, l *ledger.Ledger, recipeID string) (time.Time, models.LedgerOutcome) {
	t.Helper()
	all, err := l.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	entry, ok := all[recipeID]
	if !ok {
		t.Fatalf("All() missing entry for %q", recipeID)
	}
	return entry.LastFiredInstant, entry.Outcome
}

func TestAll_ReturnsEveryRecordedRecipe(t *testing.T) {
	l := openTestLedger(t)
	base := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	l.Record(models.LedgerEntry{RecipeID: "r1", LastFiredInstant: base, Outcome: models.LedgerOutcomeCompleted})
	l.Record(models.LedgerEntry{RecipeID: "r2", LastFiredInstant: base.Add(time.Minute), Outcome: models.LedgerOutcomeFailed})

	all, err := l.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("All() returned %d entries, want 2", len(all))
	}
	if all["r1"].Outcome != models.LedgerOutcomeCompleted || all["r2"].Outcome != models.LedgerOutcomeFailed {
		t.Errorf("All() = %+v, outcomes don't match what was recorded", all)
	}
}

func TestLedger_SurvivesCloseAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	fired := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	l1, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := l1.Record(models.LedgerEntry{RecipeID: "r1", LastFiredInstant: fired, Outcome: models.LedgerOutcomeCompleted}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	l2, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("reopen Open() error = %v", err)
	}
	defer l2.Close()

	instant, ok := l2.LastFired("r1")
	if !ok {
		t.Fatal("ok = false after reopen, want true")
	}
	if !instant.Equal(fired) {
		t.Errorf("instant = %v after reopen, want %v", instant, fired)
	}
}
