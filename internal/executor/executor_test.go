package executor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pushcraft/automation-engine/internal/audience"
	"github.com/pushcraft/automation-engine/internal/eventlog"
	"github.com/pushcraft/automation-engine/internal/executor"
	"github.com/pushcraft/automation-engine/pkg/contracts"
	"github.com/pushcraft/automation-engine/pkg/models"
)

type fakeCadence struct {
	mu          sync.Mutex
	filterCalls int
	trackCalls  int
	degraded    bool
}

func (f *fakeCadence) Filter(ctx context.Context, userIDs []string, layerID int) (contracts.FilterResult, error) {
	f.mu.Lock()
	f.filterCalls++
	f.mu.Unlock()
	return contracts.FilterResult{EligibleUserIDs: userIDs, Degraded: f.degraded}, nil
}

func (f *fakeCadence) Track(ctx context.Context, userID string, layerID int, pushTitle, pushBody, audienceDescription string) error {
	f.mu.Lock()
	f.trackCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeCadence) calls() (filter, track int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filterCalls, f.trackCalls
}

type fakeTokens struct {
	tokens map[string][]string
}

func (f *fakeTokens) FetchDeviceTokens(ctx context.Context, userIDs []string) ([]contracts.DeviceToken, error) {
	var out []contracts.DeviceToken
	for _, id := range userIDs {
		for _, tok := range f.tokens[id] {
			out = append(out, contracts.DeviceToken{UserID: id, Token: tok})
		}
	}
	return out, nil
}

type fakeTransport struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeTransport) SendBatch(ctx context.Context, message contracts.RenderedMessage, tokens []string) (contracts.BatchResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return contracts.BatchResult{FailedTokens: tokens}, nil
	}
	return contracts.BatchResult{SuccessCount: len(tokens)}, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAlert struct {
	mu     sync.Mutex
	events []contracts.AlertEvent
}

func (f *fakeAlert) Send(ctx context.Context, event contracts.AlertEvent) error {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	return nil
}

func (f *fakeAlert) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testRecipe(userIDs []string, titleTemplate string, maxAudience int) *models.Recipe {
	return &models.Recipe{
		ID: "r1",
		PushSequence: []models.PushStep{
			{SequenceOrder: 1, TitleTemplate: titleTemplate, BodyTemplate: "hello", LayerID: 1},
		},
		Audience: models.AudienceCriteria{TestMode: true},
		Settings: models.RecipeSettings{TestUserIDs: userIDs, MaxAudienceSize: maxAudience},
	}
}

func newTestExecutor(cadence *fakeCadence, tokens *fakeTokens, transportClient *fakeTransport, alertDriver *fakeAlert) *executor.Executor {
	m := audience.New(nil, nil, "", time.Second, nil)
	return executor.New(m, cadence, tokens, transportClient, alertDriver, eventlog.NewRegistry(), 10*time.Millisecond)
}

func TestDispatch_SendsSuccessfullyAndCompletesFiring(t *testing.T) {
	cadence := &fakeCadence{}
	tokens := &fakeTokens{tokens: map[string][]string{"u1": {"tok-1"}, "u2": {"tok-2"}}}
	transportClient := &fakeTransport{}
	ex := newTestExecutor(cadence, tokens, transportClient, &fakeAlert{})

	recipe := testRecipe([]string{"u1", "u2"}, "hi {{user_id}}", 100)
	firing := &models.Firing{ID: "f1", RecipeID: recipe.ID, ScheduledInstant: time.Now().UTC().Add(20 * time.Millisecond)}

	outcome := ex.Dispatch(context.Background(), firing, recipe)
	if outcome != models.LedgerOutcomeCompleted {
		t.Fatalf("outcome = %v, want completed", outcome)
	}
	if firing.Status != models.FiringStatusCompleted {
		t.Errorf("firing.Status = %v, want completed", firing.Status)
	}
	if len(firing.StepProgress) != 1 || firing.StepProgress[0].SentCount != 2 {
		t.Errorf("StepProgress = %+v, want one step with SentCount 2", firing.StepProgress)
	}
	// Tracking is fire-and-forget: give the async track calls a moment to land.
	filterCalls, trackCalls := cadence.calls()
	for deadline := time.Now().Add(2 * time.Second); trackCalls < 2 && time.Now().Before(deadline); {
		time.Sleep(5 * time.Millisecond)
		filterCalls, trackCalls = cadence.calls()
	}
	if filterCalls != 1 || trackCalls != 2 {
		t.Errorf("cadence calls = (filter=%d track=%d), want (1, 2)", filterCalls, trackCalls)
	}
}

func TestDispatch_MaterializationFailure_ReturnsFailedOutcome(t *testing.T) {
	m := audience.New(nil, nil, "", time.Second, nil)
	ex := executor.New(m, &fakeCadence{}, &fakeTokens{}, &fakeTransport{}, &fakeAlert{}, eventlog.NewRegistry(), time.Millisecond)

	recipe := &models.Recipe{
		ID:           "r2",
		PushSequence: []models.PushStep{{SequenceOrder: 1, TitleTemplate: "hi"}},
		Audience:     models.AudienceCriteria{}, // not test mode, no reader configured
	}
	firing := &models.Firing{ID: "f2", RecipeID: recipe.ID, ScheduledInstant: time.Now().UTC()}

	outcome := ex.Dispatch(context.Background(), firing, recipe)
	if outcome != models.LedgerOutcomeFailed {
		t.Fatalf("outcome = %v, want failed", outcome)
	}
	if firing.Status != models.FiringStatusFailed {
		t.Errorf("firing.Status = %v, want failed", firing.Status)
	}
}

func TestDispatch_CancelDuringLeadTimeWait_ReturnsCancelledOutcome(t *testing.T) {
	ex := newTestExecutor(&fakeCadence{}, &fakeTokens{}, &fakeTransport{}, &fakeAlert{})
	recipe := testRecipe([]string{"u1"}, "hi", 100)
	firing := &models.Firing{ID: "f3", RecipeID: recipe.ID, ScheduledInstant: time.Now().UTC().Add(300 * time.Millisecond)}

	resultCh := make(chan models.LedgerOutcome, 1)
	go func() { resultCh <- ex.Dispatch(context.Background(), firing, recipe) }()

	time.Sleep(30 * time.Millisecond)
	if !ex.Cancel(firing.ID) {
		t.Fatal("Cancel() = false, want true for a firing still waiting out its lead time")
	}

	select {
	case outcome := <-resultCh:
		if outcome != models.LedgerOutcomeCancelled {
			t.Errorf("outcome = %v, want cancelled", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch() did not return after cancellation")
	}
}

func TestRunTest_DryRun_DoesNotCallTransportButTracksDryRunCount(t *testing.T) {
	tokens := &fakeTokens{tokens: map[string][]string{"u1": {"tok-1"}}}
	transportClient := &fakeTransport{}
	ex := newTestExecutor(&fakeCadence{}, tokens, transportClient, &fakeAlert{})

	recipe := testRecipe([]string{"u1"}, "hi", 100)
	firing := ex.RunTest(context.Background(), recipe, true)

	waitForTerminal(t, firing)
	if transportClient.callCount() != 0 {
		t.Errorf("transport SendBatch called %d times, want 0 for a dry run", transportClient.callCount())
	}
	if firing.Status != models.FiringStatusCompleted {
		t.Errorf("firing.Status = %v, want completed", firing.Status)
	}
	if len(firing.StepProgress) != 1 || firing.StepProgress[0].SentCount != 1 {
		t.Errorf("StepProgress = %+v, want one step with dry-run SentCount 1", firing.StepProgress)
	}
}

func TestRunStep_AudienceCeilingExceeded_FailsStep(t *testing.T) {
	ex := newTestExecutor(&fakeCadence{}, &fakeTokens{}, &fakeTransport{}, &fakeAlert{})
	recipe := testRecipe([]string{"u1", "u2", "u3"}, "hi", 2)
	firing := &models.Firing{ID: "f4", RecipeID: recipe.ID, ScheduledInstant: time.Now().UTC()}

	ex.Dispatch(context.Background(), firing, recipe)
	if len(firing.StepProgress) != 1 || firing.StepProgress[0].Status != models.StepStatusFailed {
		t.Fatalf("StepProgress = %+v, want one failed step", firing.StepProgress)
	}
}

func TestRunStep_MissingPersonalizationField_FailsStep(t *testing.T) {
	ex := newTestExecutor(&fakeCadence{}, &fakeTokens{}, &fakeTransport{}, &fakeAlert{})
	recipe := testRecipe([]string{"u1"}, "hi {{favorite_color}}", 100)
	firing := &models.Firing{ID: "f5", RecipeID: recipe.ID, ScheduledInstant: time.Now().UTC()}

	ex.Dispatch(context.Background(), firing, recipe)
	if len(firing.StepProgress) != 1 || firing.StepProgress[0].Status != models.StepStatusFailed {
		t.Fatalf("StepProgress = %+v, want one failed step for an unresolved template field", firing.StepProgress)
	}
}

func TestRunStep_NoDeviceTokensResolved_FailsStep(t *testing.T) {
	ex := newTestExecutor(&fakeCadence{}, &fakeTokens{tokens: map[string][]string{}}, &fakeTransport{}, &fakeAlert{})
	recipe := testRecipe([]string{"u1"}, "hi", 100)
	firing := &models.Firing{ID: "f6", RecipeID: recipe.ID, ScheduledInstant: time.Now().UTC()}

	outcome := ex.Dispatch(context.Background(), firing, recipe)
	if outcome != models.LedgerOutcomeFailed {
		t.Errorf("outcome = %v, want failed", outcome)
	}
	if len(firing.StepProgress) != 1 || firing.StepProgress[0].Status != models.StepStatusFailed {
		t.Fatalf("StepProgress = %+v, want one failed step", firing.StepProgress)
	}
}

func TestDispatch_HighFailureRate_RaisesSafeguardAlert(t *testing.T) {
	tokens := &fakeTokens{tokens: map[string][]string{"u1": {"tok-1"}, "u2": {"tok-2"}}}
	transportClient := &fakeTransport{fail: true}
	alertDriver := &fakeAlert{}
	ex := newTestExecutor(&fakeCadence{}, tokens, transportClient, alertDriver)

	recipe := testRecipe([]string{"u1", "u2"}, "hi", 100)
	recipe.Settings.AlertThresholds.FailureRateWarn = 0.5
	firing := &models.Firing{ID: "f7", RecipeID: recipe.ID, ScheduledInstant: time.Now().UTC()}

	outcome := ex.Dispatch(context.Background(), firing, recipe)
	if outcome != models.LedgerOutcomeFailed {
		t.Errorf("outcome = %v, want failed (every send failed)", outcome)
	}
	if alertDriver.count() == 0 {
		t.Error("expected at least one safeguard alert to be raised")
	}
}

func waitForTerminal(t *testing.T, firing *models.Firing) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		switch firing.Status {
		case models.FiringStatusCompleted, models.FiringStatusFailed, models.FiringStatusCancelled:
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("firing did not reach a terminal state, last status = %v", firing.Status)
}
