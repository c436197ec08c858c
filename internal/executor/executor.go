// Package executor drives one firing from its pre-send wait through its
// push sequence to a terminal state: wait out the lead time, materialize
// the audience, hold open a cancellation window, then send each step in
// sequence order.
package executor

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pushcraft/automation-engine/internal/alert"
	"github.com/pushcraft/automation-engine/internal/audience"
	"github.com/pushcraft/automation-engine/internal/eventlog"
	"github.com/pushcraft/automation-engine/internal/scheduler"
	"github.com/pushcraft/automation-engine/internal/transport"
	"github.com/pushcraft/automation-engine/pkg/contracts"
	"github.com/pushcraft/automation-engine/pkg/models"
)

// stepBatchConcurrency bounds how many transport batches one step may
// have in flight at once.
const stepBatchConcurrency = 2

// placeholderPattern matches the {{field}} personalization syntax used
// in push templates.
var placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Executor is the Scheduler's Dispatcher and the Control Surface's
// manual-test driver.
type Executor struct {
	materializer              *audience.Materializer
	cadence                   contracts.CadenceClient
	tokens                    contracts.TokenServiceClient
	transport                 contracts.TransportClient
	alert                     contracts.AlertDriver
	events                    *eventlog.Registry
	defaultCancellationWindow time.Duration

	mu      sync.Mutex
	cancels map[string]chan struct{}

	cadenceDegraded atomic.Bool
	activeFirings   atomic.Int64
}

var _ scheduler.Dispatcher = (*Executor)(nil)

// New builds an Executor. alertDriver may be nil, in which case
// safeguard and divergence events are dropped rather than delivered.
func New(materializer *audience.Materializer, cadenceClient contracts.CadenceClient, tokenClient contracts.TokenServiceClient, transportClient contracts.TransportClient, alertDriver contracts.AlertDriver, events *eventlog.Registry, defaultCancellationWindow time.Duration) *Executor {
	return &Executor{
		materializer:              materializer,
		cadence:                   cadenceClient,
		tokens:                    tokenClient,
		transport:                 transportClient,
		alert:                     alertDriver,
		events:                    events,
		defaultCancellationWindow: defaultCancellationWindow,
		cancels:                   make(map[string]chan struct{}),
	}
}

// Dispatch runs a real scheduled firing to completion and returns its
// terminal ledger outcome. It is the Scheduler's entry point and blocks
// until the firing finishes (the firing-emission sequence hands this
// call a worker-pool slot for its whole duration).
func (ex *Executor) Dispatch(ctx context.Context, firing *models.Firing, recipe *models.Recipe) models.LedgerOutcome {
	cancelCh := ex.register(firing.ID)
	defer ex.unregister(firing.ID)
	return ex.run(ctx, firing, recipe, false, false, cancelCh)
}

// RunTest starts a one-off manual firing against a test-scoped audience
// and returns immediately with the Firing record; progress streams through the
// event log registry keyed by the returned firing's id. dryRun executes
// every step up to but excluding the transport submit; otherwise it
// live-sends against layer-4 test audiences only.
func (ex *Executor) RunTest(ctx context.Context, recipe *models.Recipe, dryRun bool) *models.Firing {
	firing := &models.Firing{
		ID:               uuid.NewString(),
		RecipeID:         recipe.ID,
		ScheduledInstant: time.Now().UTC(),
		Status:           models.FiringStatusPending,
		TestMode:         true,
	}
	cancelCh := ex.register(firing.ID)

	testRecipe := *recipe
	testRecipe.Audience.TestMode = true

	go func() {
		defer ex.unregister(firing.ID)
		ex.run(ctx, firing, &testRecipe, true, dryRun, cancelCh)
	}()
	return firing
}

// Cancel signals cancellation for a firing still in its lead-time wait
// or cancellation window. Once a firing has moved into per-step
// sending, cancellation is a no-op and Cancel returns false.
func (ex *Executor) Cancel(firingID string) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ch, ok := ex.cancels[firingID]
	if !ok {
		return false
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
	return true
}

// ActiveFirings reports how many firings this executor currently has in
// flight, read by the Control Surface's health snapshot.
func (ex *Executor) ActiveFirings() int {
	return int(ex.activeFirings.Load())
}

// CadenceDegraded reports whether the most recent cadence filter call
// fell back to fail-open, read by the Control Surface's health snapshot.
func (ex *Executor) CadenceDegraded() bool {
	return ex.cadenceDegraded.Load()
}

func (ex *Executor) register(firingID string) chan struct{} {
	ch := make(chan struct{})
	ex.mu.Lock()
	ex.cancels[firingID] = ch
	ex.mu.Unlock()
	return ch
}

func (ex *Executor) unregister(firingID string) {
	ex.mu.Lock()
	delete(ex.cancels, firingID)
	ex.mu.Unlock()
}

func (ex *Executor) run(ctx context.Context, firing *models.Firing, recipe *models.Recipe, forceTestLayer, dryRun bool, cancelCh chan struct{}) models.LedgerOutcome {
	ex.activeFirings.Add(1)
	defer ex.activeFirings.Add(-1)

	buf := ex.events.Get(firing.ID)
	emit := func(stage models.LogStage, level models.LogLevel, message string) {
		buf.Publish(models.LogEvent{Timestamp: time.Now().UTC(), Level: level, Stage: stage, Message: message})
	}

	start := time.Now().UTC()
	firing.StartedAt = &start

	if wait := time.Until(firing.ScheduledInstant); wait > 0 {
		emit(models.StageInit, models.LogLevelInfo, fmt.Sprintf("waiting %s before send", wait.Round(time.Second)))
		select {
		case <-time.After(wait):
		case <-cancelCh:
			return ex.finish(firing, models.FiringStatusCancelled, models.LedgerOutcomeCancelled, emit)
		case <-ctx.Done():
			return ex.finish(firing, models.FiringStatusCancelled, models.LedgerOutcomeCancelled, emit)
		}
	}

	firing.Status = models.FiringStatusMaterializing
	emit(models.StageConfig, models.LogLevelInfo, "materializing audience")
	materializeCtx := audience.WithEmit(ctx, func(ev models.LogEvent) { buf.Publish(ev) })
	artifacts, err := ex.materializer.Materialize(materializeCtx, recipe)
	if err != nil {
		emit(models.StageConfig, models.LogLevelError, fmt.Sprintf("materialization failed: %v", err))
		ex.raiseAlert(ctx, alert.EventMaterializationFailed, recipe.ID, firing.ID, err.Error())
		return ex.finish(firing, models.FiringStatusFailed, models.LedgerOutcomeFailed, emit)
	}
	artifactByStep := make(map[int]models.AudienceArtifact, len(artifacts))
	for _, a := range artifacts {
		artifactByStep[a.StepOrder] = a
	}

	window := time.Duration(recipe.Settings.CancellationWindowMinutes) * time.Minute
	if window <= 0 {
		window = ex.defaultCancellationWindow
	}
	firing.Status = models.FiringStatusWaitingCancellation
	emit(models.StageMonitor, models.LogLevelInfo, fmt.Sprintf("cancellation window open for %s", window))
	select {
	case <-time.After(window):
	case <-cancelCh:
		return ex.finish(firing, models.FiringStatusCancelled, models.LedgerOutcomeCancelled, emit)
	case <-ctx.Done():
		return ex.finish(firing, models.FiringStatusCancelled, models.LedgerOutcomeCancelled, emit)
	}
	// Cancellation past this point is a no-op: the firing leaves the
	// cancel registry, so Cancel reports false, and the steps below no
	// longer select on cancelCh.
	ex.unregister(firing.ID)

	firing.Status = models.FiringStatusSending
	steps := append([]models.PushStep(nil), recipe.PushSequence...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].SequenceOrder < steps[j].SequenceOrder })

	progress := make([]models.StepProgress, 0, len(steps))
	anyFailed := false
	for i, step := range steps {
		if i > 0 && step.Timing.DelayAfterPrevious > 0 {
			d := time.Duration(step.Timing.DelayAfterPrevious) * time.Minute
			select {
			case <-time.After(d):
			case <-ctx.Done():
				progress = append(progress, models.StepProgress{SequenceOrder: step.SequenceOrder, Status: models.StepStatusSkipped, Reason: "firing context cancelled"})
				anyFailed = true
				continue
			}
		}

		layerID := step.LayerID
		if forceTestLayer {
			layerID = models.TestLayer
		}
		sp := ex.runStep(ctx, recipe, firing, step, layerID, dryRun, artifactByStep[step.SequenceOrder], emit)
		progress = append(progress, sp)
		if sp.Status == models.StepStatusFailed {
			anyFailed = true
		}
	}
	firing.StepProgress = progress

	if anyFailed {
		return ex.finish(firing, models.FiringStatusFailed, models.LedgerOutcomeFailed, emit)
	}
	return ex.finish(firing, models.FiringStatusCompleted, models.LedgerOutcomeCompleted, emit)
}

// renderedKey groups recipients who resolved to the same rendered push
// content, so a batch (and its cadence track call) carries one title,
// body, and deep link rather than one per recipient.
type renderedKey struct{ title, body, link string }

// runStep implements one push step's pipeline: audience ceiling check,
// placeholder validation, cadence filtering, token resolution, batched
// transport submission, and best-effort cadence tracking.
func (ex *Executor) runStep(ctx context.Context, recipe *models.Recipe, firing *models.Firing, step models.PushStep, layerID int, dryRun bool, artifact models.AudienceArtifact, emit func(models.LogStage, models.LogLevel, string)) models.StepProgress {
	sp := models.StepProgress{SequenceOrder: step.SequenceOrder}
	rows := artifact.Rows

	if recipe.Settings.MaxAudienceSize > 0 && len(rows) > recipe.Settings.MaxAudienceSize {
		sp.Status = models.StepStatusFailed
		sp.Reason = fmt.Sprintf("audience size %d exceeds ceiling %d", len(rows), recipe.Settings.MaxAudienceSize)
		emit(models.StageExecution, models.LogLevelError, sp.Reason)
		return sp
	}

	if err := validatePlaceholders(step, rows); err != nil {
		sp.Status = models.StepStatusFailed
		sp.Reason = err.Error()
		emit(models.StageExecution, models.LogLevelError, sp.Reason)
		return sp
	}

	if len(rows) == 0 {
		sp.Status = models.StepStatusSkipped
		sp.Reason = "empty audience"
		return sp
	}

	userIDs := make([]string, len(rows))
	rowByUser := make(map[string]models.AudienceRow, len(rows))
	for i, r := range rows {
		userIDs[i] = r.UserID
		rowByUser[r.UserID] = r
	}

	filterResult, err := ex.cadence.Filter(ctx, userIDs, layerID)
	if err != nil {
		emit(models.StageFilter, models.LogLevelWarning, fmt.Sprintf("cadence filter error: %v", err))
		filterResult = contracts.FilterResult{EligibleUserIDs: userIDs, Degraded: true}
	}
	ex.cadenceDegraded.Store(filterResult.Degraded)
	if filterResult.Degraded {
		ex.raiseAlert(ctx, alert.EventCadenceDegraded, recipe.ID, firing.ID, "cadence gateway degraded, failing open for this step")
	}

	tokens, err := ex.tokens.FetchDeviceTokens(ctx, filterResult.EligibleUserIDs)
	if err != nil || len(tokens) == 0 {
		sp.Status = models.StepStatusFailed
		sp.Reason = "no device tokens resolved"
		emit(models.StageExecution, models.LogLevelError, sp.Reason)
		return sp
	}

	tokensByUser := make(map[string][]string, len(tokens))
	for _, t := range tokens {
		tokensByUser[t.UserID] = append(tokensByUser[t.UserID], t.Token)
	}

	batchTokens := make(map[renderedKey][]string)
	batchUsers := make(map[renderedKey][]string)
	for userID, userTokens := range tokensByUser {
		row, ok := rowByUser[userID]
		if !ok {
			continue
		}
		key := renderedKey{
			title: renderTemplate(step.TitleTemplate, row),
			body:  renderTemplate(step.BodyTemplate, row),
			link:  renderTemplate(step.DeepLinkTemplate, row),
		}
		batchTokens[key] = append(batchTokens[key], userTokens...)
		batchUsers[key] = append(batchUsers[key], userID)
	}

	var sentCount, failedCount int

	if dryRun {
		for _, toks := range batchTokens {
			sentCount += len(toks)
		}
		emit(models.StageDryRun, models.LogLevelInfo, fmt.Sprintf("dry run: would send %d messages for step %d", sentCount, step.SequenceOrder))
	} else {
		sem := make(chan struct{}, stepBatchConcurrency)
		var wg sync.WaitGroup
		var mu sync.Mutex
		for key, toks := range batchTokens {
			msg := contracts.RenderedMessage{Title: key.title, Body: key.body, DeepLink: key.link, ImageURL: step.ImageURL}
			for offset := 0; offset < len(toks); offset += transport.MaxBatchSize {
				end := offset + transport.MaxBatchSize
				if end > len(toks) {
					end = len(toks)
				}
				batch := toks[offset:end]
				wg.Add(1)
				sem <- struct{}{}
				go func(batch []string) {
					defer wg.Done()
					defer func() { <-sem }()
					result, err := ex.transport.SendBatch(ctx, msg, batch)
					mu.Lock()
					sentCount += result.SuccessCount
					failedCount += len(result.FailedTokens)
					mu.Unlock()
					if err != nil {
						emit(models.StageLiveSend, models.LogLevelWarning, fmt.Sprintf("batch send error: %v", err))
					}
				}(batch)
			}
		}
		wg.Wait()

		if total := sentCount + failedCount; total > 0 {
			failureRate := float64(failedCount) / float64(total)
			if recipe.Settings.AlertThresholds.FailureRateWarn > 0 && failureRate >= recipe.Settings.AlertThresholds.FailureRateWarn {
				ex.raiseAlert(ctx, alert.EventSafeguardBreach, recipe.ID, firing.ID, fmt.Sprintf("step %d failure rate %.2f exceeds threshold %.2f", step.SequenceOrder, failureRate, recipe.Settings.AlertThresholds.FailureRateWarn))
			}
		}

		ex.trackAsync(recipe.ID, recipe.Name, layerID, batchUsers)
	}

	sp.SentCount = sentCount
	sp.FailedCount = failedCount
	if sentCount == 0 {
		sp.Status = models.StepStatusFailed
		sp.Reason = "no messages delivered"
		emit(models.StageLiveSend, models.LogLevelError, sp.Reason)
		return sp
	}
	sp.Status = models.StepStatusSent
	emit(models.StageLiveSend, models.LogLevelSuccess, fmt.Sprintf("step %d sent=%d failed=%d", step.SequenceOrder, sentCount, failedCount))
	return sp
}

// trackAsync records cadence history for a step's recipients without
// blocking step completion. Failures are logged, not fatal.
func (ex *Executor) trackAsync(recipeID, audienceDescription string, layerID int, usersByGroup map[renderedKey][]string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for key, users := range usersByGroup {
			for _, userID := range users {
				if err := ex.cadence.Track(ctx, userID, layerID, key.title, key.body, audienceDescription); err != nil {
					log.Warn().Err(err).Str("recipe_id", recipeID).Str("user_id", userID).Msg("cadence track failed")
				}
			}
		}
	}()
}

func (ex *Executor) raiseAlert(ctx context.Context, eventType alert.EventType, recipeID, firingID, message string) {
	if ex.alert == nil {
		return
	}
	event := alert.NewEvent(eventType, recipeID, firingID, message, nil)
	if err := ex.alert.Send(ctx, event); err != nil {
		log.Error().Err(err).Str("recipe_id", recipeID).Msg("failed to deliver operator alert")
	}
}

func (ex *Executor) finish(firing *models.Firing, status models.FiringStatus, outcome models.LedgerOutcome, emit func(models.LogStage, models.LogLevel, string)) models.LedgerOutcome {
	now := time.Now().UTC()
	firing.EndedAt = &now
	firing.Status = status

	stage, level := models.StageComplete, models.LogLevelSuccess
	switch status {
	case models.FiringStatusFailed:
		level = models.LogLevelError
	case models.FiringStatusCancelled:
		stage, level = models.StageCancel, models.LogLevelWarning
	}
	emit(stage, level, fmt.Sprintf("firing %s finished: %s", firing.ID, status))
	return outcome
}

// extractPlaceholders returns the distinct field names referenced by a
// {{field}} template string.
func extractPlaceholders(tmpl string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(tmpl, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// validatePlaceholders errors if any of a step's templates reference a
// field not present in its audience artifact's personalization columns
//. It checks against the first row; rows within one artifact
// share the same column set.
func validatePlaceholders(step models.PushStep, rows []models.AudienceRow) error {
	if len(rows) == 0 {
		return nil
	}
	fields := make(map[string]bool)
	for _, f := range extractPlaceholders(step.TitleTemplate) {
		fields[f] = true
	}
	for _, f := range extractPlaceholders(step.BodyTemplate) {
		fields[f] = true
	}
	for _, f := range extractPlaceholders(step.DeepLinkTemplate) {
		fields[f] = true
	}
	sample := rows[0]
	for f := range fields {
		if f == "user_id" {
			continue
		}
		if _, ok := sample.Personalization[f]; !ok {
			return fmt.Errorf("step %d template references unresolved field %q", step.SequenceOrder, f)
		}
	}
	return nil
}

// renderTemplate substitutes {{field}} placeholders with a row's
// personalization columns.
func renderTemplate(tmpl string, row models.AudienceRow) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if name == "user_id" {
			return row.UserID
		}
		return row.Personalization[name]
	})
}
