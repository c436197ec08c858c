package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pushcraft/automation-engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// FileStore implements Store as one JSON file per recipe under a
// configured directory. Writes go to a temp file on the same directory
// and are then renamed into place, so a concurrent reader never observes
// a partial write.
type FileStore struct {
	mu      sync.RWMutex
	dataDir string
	index   map[string]*models.Recipe // in-memory index, converged with disk
	changes chan ChangeEvent
}

// NewFileStore creates a file-backed recipe store rooted at dataDir,
// loading any existing recipes already on disk.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("store-unavailable: create data dir: %w", err)
	}

	fs := &FileStore{
		dataDir: dataDir,
		index:   make(map[string]*models.Recipe),
		changes: make(chan ChangeEvent, 256),
	}

	if err := fs.loadAll(); err != nil {
		return nil, err
	}

	log.Info().Str("dir", dataDir).Int("recipes", len(fs.index)).Msg("recipe store loaded")
	return fs, nil
}

func (fs *FileStore) loadAll() error {
	entries, err := os.ReadDir(fs.dataDir)
	if err != nil {
		return fmt.Errorf("store-unavailable: read data dir: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(fs.dataDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping unreadable recipe file")
			continue
		}
		var r models.Recipe
		if err := json.Unmarshal(data, &r); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping malformed recipe file")
			continue
		}
		fs.index[r.ID] = &r
	}
	return nil
}

func (fs *FileStore) pathFor(id string) string {
	return filepath.Join(fs.dataDir, id+".json")
}

// List returns recipes matching filter in stable id order.
func (fs *FileStore) List(_ context.Context, filter ListFilter) ([]models.Recipe, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]models.Recipe, 0, len(fs.index))
	for _, r := range fs.index {
		if filter.matches(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Load returns the recipe for id, or ErrNotFound.
func (fs *FileStore) Load(_ context.Context, id string) (*models.Recipe, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	r, ok := fs.index[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	cp := *r
	return &cp, nil
}

// Save validates the recipe, writes it atomically, updates the index,
// and publishes a change event on the Changes channel.
func (fs *FileStore) Save(_ context.Context, recipe *models.Recipe) error {
	if err := validate(recipe); err != nil {
		return err
	}

	recipe.Metadata.UpdatedAt = time.Now().UTC()
	if recipe.Metadata.CreatedAt.IsZero() {
		recipe.Metadata.CreatedAt = recipe.Metadata.UpdatedAt
	}

	data, err := json.MarshalIndent(recipe, "", "  ")
	if err != nil {
		return fmt.Errorf("store-unavailable: marshal recipe: %w", err)
	}

	tmp := fs.pathFor(recipe.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("store-unavailable: write temp file: %w", err)
	}
	if err := os.Rename(tmp, fs.pathFor(recipe.ID)); err != nil {
		return fmt.Errorf("store-unavailable: rename into place: %w", err)
	}

	cp := *recipe
	fs.mu.Lock()
	fs.index[recipe.ID] = &cp
	fs.mu.Unlock()

	fs.publish(ChangeEvent{Kind: ChangeSaved, RecipeID: recipe.ID, Recipe: &cp})
	return nil
}

// Delete removes the recipe for id. Idempotent.
func (fs *FileStore) Delete(_ context.Context, id string) error {
	fs.mu.Lock()
	delete(fs.index, id)
	fs.mu.Unlock()

	if err := os.Remove(fs.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store-unavailable: remove recipe file: %w", err)
	}

	fs.publish(ChangeEvent{Kind: ChangeDeleted, RecipeID: id})
	return nil
}

// publish enqueues a change event without blocking the caller. When the
// channel is full (nothing in the engine drains it, so this happens
// once its buffer has filled), the event is dropped and a warning
// logged rather than stalling a Save/Delete call.
func (fs *FileStore) publish(ev ChangeEvent) {
	select {
	case fs.changes <- ev:
	default:
		log.Warn().Str("recipe_id", ev.RecipeID).Msg("change event channel full, dropping event")
	}
}

// Changes returns the channel change events are published on.
func (fs *FileStore) Changes() <-chan ChangeEvent {
	return fs.changes
}

// Close releases store resources. The file store holds none beyond the
// directory handles implicit in os calls.
func (fs *FileStore) Close() error {
	return nil
}

const (
	dateLayout      = "2006-01-02"
	timeOfDayLayout = "15:04"
)

// allowedDeepLinkHosts is the whitelist a push step's deep link host
// must match. In a full deployment this is operator-configured; it is
// a package variable here so tests and callers can extend it without a
// config plumb.
var allowedDeepLinkHosts = []string{"app.example.com"}

// validate enforces the invariants that are cheap to check at the
// store boundary, before a write ever reaches disk.
func validate(r *models.Recipe) error {
	if r.ID == "" {
		return fmt.Errorf("%s: recipe id is required", models.ErrValidationFailed)
	}

	if r.Schedule.Frequency == models.FrequencyOnce && r.Schedule.StartDate == "" {
		return fmt.Errorf("%s: once-frequency recipe requires a start date", models.ErrValidationFailed)
	}

	if err := validateScheduleCoherence(r.Schedule); err != nil {
		return err
	}

	seen := make(map[int]bool, len(r.PushSequence))
	for _, step := range r.PushSequence {
		if seen[step.SequenceOrder] {
			return fmt.Errorf("%s: duplicate sequence order %d", models.ErrValidationFailed, step.SequenceOrder)
		}
		seen[step.SequenceOrder] = true

		if step.LayerID < 1 || step.LayerID > 5 {
			return fmt.Errorf("%s: layer id %d out of range 1-5", models.ErrValidationFailed, step.LayerID)
		}

		if step.DeepLinkTemplate != "" {
			if err := validateDeepLinkHost(step.DeepLinkTemplate); err != nil {
				return err
			}
		}
	}
	if len(r.PushSequence) == 0 {
		return fmt.Errorf("%s: push sequence must have at least one step", models.ErrValidationFailed)
	}
	for i := 1; i <= len(r.PushSequence); i++ {
		if !seen[i] {
			return fmt.Errorf("%s: sequence orders must be contiguous 1..N, missing %d", models.ErrValidationFailed, i)
		}
	}

	if r.Settings.MaxAudienceSize < 0 {
		return fmt.Errorf("%s: max audience size cannot be negative", models.ErrValidationFailed)
	}

	return nil
}

// validateScheduleCoherence enforces that a recipe's start date is not
// already in the past in its own timezone, and that its lead time
// doesn't reach back past midnight of the execution day.
func validateScheduleCoherence(s models.Schedule) error {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return fmt.Errorf("%s: invalid schedule timezone %q: %w", models.ErrValidationFailed, s.Timezone, err)
	}

	if s.StartDate != "" {
		startDate, err := time.ParseInLocation(dateLayout, s.StartDate, loc)
		if err != nil {
			return fmt.Errorf("%s: invalid schedule start date %q: %w", models.ErrValidationFailed, s.StartDate, err)
		}
		now := time.Now().In(loc)
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		if startDate.Before(today) {
			return fmt.Errorf("%s: schedule start date %s is before today in timezone %s", models.ErrValidationFailed, s.StartDate, s.Timezone)
		}
	}

	if s.ExecutionTime != "" {
		execClock, err := time.Parse(timeOfDayLayout, s.ExecutionTime)
		if err != nil {
			return fmt.Errorf("%s: invalid schedule execution time %q: %w", models.ErrValidationFailed, s.ExecutionTime, err)
		}
		offsetMinutes := execClock.Hour()*60 + execClock.Minute()
		if s.LeadTimeMinutes > offsetMinutes {
			return fmt.Errorf("%s: lead time %dm reaches before midnight of the execution day (offset %dm)", models.ErrValidationFailed, s.LeadTimeMinutes, offsetMinutes)
		}
	}

	return nil
}

// validateDeepLinkHost requires any non-empty deep link to parse as a
// URL whose host equals or is a sub-domain of a configured root host.
// Templates may still carry {{field}} placeholders; only the host
// portion (never templated in practice) is checked.
func validateDeepLinkHost(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: deep link is not a valid URL: %w", models.ErrValidationFailed, err)
	}
	for _, root := range allowedDeepLinkHosts {
		if u.Host == root || strings.HasSuffix(u.Host, "."+root) {
			return nil
		}
	}
	return fmt.Errorf("%s: deep link host %q is not in the allowed whitelist", models.ErrValidationFailed, u.Host)
}
