// Package audience resolves a firing's push sequence into per-step
// audience artifacts: user ids plus the personalization columns every
// step's templates reference.
package audience

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pushcraft/automation-engine/pkg/contracts"
	"github.com/pushcraft/automation-engine/pkg/models"
)

// waterfallCategories carries the lowercase "test" marker in its test
// artifacts; every other category carries the uppercase "TEST" marker.
var waterfallCategories = map[string]bool{
	"no-shoes-new-user":    true,
	"no-bio-new-user":      true,
	"no-offers-new-user":   true,
	"no-wishlist-new-user": true,
	"new-stars-new-user":   true,
}

// Materializer produces audience artifacts for a firing.
type Materializer struct {
	runner        contracts.AudienceScriptRunner
	reader        contracts.AudienceReader
	artifactDir   string
	scriptTimeout time.Duration
	onLog         func(models.LogEvent)
}

// emitKey scopes a single Materialize call's structured log events to a
// specific sink, so one shared Materializer serving many concurrent
// firings can route each firing's script output to its own event
// buffer rather than a single process-wide onLog.
type emitKey struct{}

// WithEmit returns a context that routes log events from Materialize
// to emit instead of the Materializer's default onLog, for the
// duration of that one call.
func WithEmit(ctx context.Context, emit func(models.LogEvent)) context.Context {
	return context.WithValue(ctx, emitKey{}, emit)
}

// New builds a Materializer. onLog is the default sink used when a
// call's context carries none via WithEmit; it may be nil.
func New(runner contracts.AudienceScriptRunner, reader contracts.AudienceReader, artifactDir string, scriptTimeout time.Duration, onLog func(models.LogEvent)) *Materializer {
	if onLog == nil {
		onLog = func(models.LogEvent) {}
	}
	return &Materializer{
		runner:        runner,
		reader:        reader,
		artifactDir:   artifactDir,
		scriptTimeout: scriptTimeout,
		onLog:         onLog,
	}
}

// Materialize produces one artifact per step in recipe.PushSequence, in
// sequence order. A script-based recipe is invoked once; the resulting
// files are then mapped to steps by the artifact naming convention.
// Pass a per-call sink via WithEmit to route this call's log events to
// a specific firing's event buffer.
func (m *Materializer) Materialize(ctx context.Context, recipe *models.Recipe) ([]models.AudienceArtifact, error) {
	steps := make([]models.PushStep, len(recipe.PushSequence))
	copy(steps, recipe.PushSequence)
	sort.Slice(steps, func(i, j int) bool { return steps[i].SequenceOrder < steps[j].SequenceOrder })

	testMode := recipe.Audience.TestMode

	if recipe.Audience.ScriptName != "" {
		return m.materializeFromScript(ctx, recipe, steps, testMode)
	}
	return m.materializeInline(ctx, recipe, steps, testMode)
}

func (m *Materializer) materializeFromScript(ctx context.Context, recipe *models.Recipe, steps []models.PushStep, testMode bool) ([]models.AudienceArtifact, error) {
	m.log(ctx, models.StageScript, models.LogLevelInfo, fmt.Sprintf("launching audience script %q", recipe.Audience.ScriptName))

	result, err := m.runner.Run(ctx, recipe.Audience.ScriptName, recipe.Audience.ScriptParams, m.scriptTimeout, func(stream, line string) {
		m.log(ctx, models.StageScript, models.LogLevelInfo, fmt.Sprintf("[%s] %s", stream, line))
	})
	if err != nil {
		m.log(ctx, models.StageScript, models.LogLevelError, fmt.Sprintf("audience script failed: %v", err))
		return nil, fmt.Errorf("%s: audience script %q: %w", models.ErrMaterializationFailed, recipe.Audience.ScriptName, err)
	}
	if result.ExitCode != 0 {
		m.log(ctx, models.StageScript, models.LogLevelError, fmt.Sprintf("audience script exited %d", result.ExitCode))
		return nil, fmt.Errorf("%s: audience script %q exited %d", models.ErrMaterializationFailed, recipe.Audience.ScriptName, result.ExitCode)
	}

	artifacts := make([]models.AudienceArtifact, 0, len(steps))
	for _, step := range steps {
		path, err := m.selectArtifactPath(step.AudienceName, testMode)
		if err != nil {
			m.log(ctx, models.StageScript, models.LogLevelError, fmt.Sprintf("step %d: %v", step.SequenceOrder, err))
			return nil, fmt.Errorf("%s: step %d: %w", models.ErrMaterializationFailed, step.SequenceOrder, err)
		}
		rows, err := readArtifactCSV(path)
		if err != nil {
			return nil, fmt.Errorf("%s: step %d: %w", models.ErrMaterializationFailed, step.SequenceOrder, err)
		}
		artifacts = append(artifacts, models.AudienceArtifact{StepOrder: step.SequenceOrder, Rows: rows})
		m.log(ctx, models.StageScript, models.LogLevelSuccess, fmt.Sprintf("step %d: loaded %d rows from %s", step.SequenceOrder, len(rows), filepath.Base(path)))
	}
	return artifacts, nil
}

func (m *Materializer) materializeInline(ctx context.Context, recipe *models.Recipe, steps []models.PushStep, testMode bool) ([]models.AudienceArtifact, error) {
	if testMode {
		artifacts := make([]models.AudienceArtifact, 0, len(steps))
		for _, step := range steps {
			rows := make([]models.AudienceRow, 0, len(recipe.Settings.TestUserIDs))
			for _, id := range recipe.Settings.TestUserIDs {
				rows = append(rows, models.AudienceRow{UserID: id, Personalization: map[string]string{}})
			}
			artifacts = append(artifacts, models.AudienceArtifact{StepOrder: step.SequenceOrder, Rows: rows})
		}
		return artifacts, nil
	}

	if m.reader == nil {
		return nil, fmt.Errorf("%s: recipe has inline audience criteria but no audience reader is configured", models.ErrMaterializationFailed)
	}

	userIDs, err := m.reader.Resolve(ctx, recipe.Audience.InlineFilter, recipe.Settings.MaxAudienceSize)
	if err != nil {
		m.log(ctx, models.StageFilter, models.LogLevelError, fmt.Sprintf("inline audience resolution failed: %v", err))
		return nil, fmt.Errorf("%s: %w", models.ErrMaterializationFailed, err)
	}

	rows := make([]models.AudienceRow, 0, len(userIDs))
	for _, id := range userIDs {
		rows = append(rows, models.AudienceRow{UserID: id, Personalization: map[string]string{}})
	}

	artifacts := make([]models.AudienceArtifact, 0, len(steps))
	for _, step := range steps {
		// Every step shares the same resolved set for an inline-criteria
		// recipe; there is no per-step script output to partition by.
		rowsCopy := make([]models.AudienceRow, len(rows))
		copy(rowsCopy, rows)
		artifacts = append(artifacts, models.AudienceArtifact{StepOrder: step.SequenceOrder, Rows: rowsCopy})
	}
	m.log(ctx, models.StageFilter, models.LogLevelSuccess, fmt.Sprintf("resolved %d users from inline audience criteria", len(rows)))
	return artifacts, nil
}

// selectArtifactPath finds the newest file in the artifact directory
// matching the category's naming convention.
func (m *Materializer) selectArtifactPath(category string, testMode bool) (string, error) {
	if category == "" {
		return "", fmt.Errorf("push step has no audienceName to select an artifact by")
	}

	entries, err := os.ReadDir(m.artifactDir)
	if err != nil {
		return "", fmt.Errorf("reading artifact directory: %w", err)
	}

	marker := "TEST"
	if waterfallCategories[category] {
		marker = "test"
	}

	var best string
	var bestModTime time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		if !strings.Contains(entry.Name(), category) {
			continue
		}
		isTestFile := strings.Contains(entry.Name(), marker)
		if isTestFile != testMode {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(bestModTime) {
			bestModTime = info.ModTime()
			best = entry.Name()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no artifact found for category %q (testMode=%v)", category, testMode)
	}
	return filepath.Join(m.artifactDir, best), nil
}

// readArtifactCSV loads a tabular artifact. The header row's first
// column must be "user_id"; every other column becomes a personalization
// field.
func readArtifactCSV(path string) ([]models.AudienceRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening artifact %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading artifact header %s: %w", path, err)
	}
	if len(header) == 0 || header[0] != "user_id" {
		return nil, fmt.Errorf("artifact %s: first column must be user_id, got %q", path, header)
	}

	var rows []models.AudienceRow
	for {
		record, err := r.Read()
		if err != nil {
			break
		}
		row := models.AudienceRow{UserID: record[0], Personalization: make(map[string]string, len(header)-1)}
		for i := 1; i < len(header) && i < len(record); i++ {
			row.Personalization[header[i]] = record[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (m *Materializer) log(ctx context.Context, stage models.LogStage, level models.LogLevel, message string) {
	emit := m.onLog
	if scoped, ok := ctx.Value(emitKey{}).(func(models.LogEvent)); ok && scoped != nil {
		emit = scoped
	}
	emit(models.LogEvent{Timestamp: time.Now().UTC(), Level: level, Stage: stage, Message: message})
}
