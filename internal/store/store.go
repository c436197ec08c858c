// Package store provides durable persistence for automation recipes: one
// JSON file per recipe, written atomically (temp file + rename) so
// concurrent readers never observe a partial write.
package store

import (
	"context"

	"github.com/pushcraft/automation-engine/pkg/models"
)

// ErrNotFound is returned when a recipe id has no backing record.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	return "recipe not found: " + e.ID
}

// ListFilter selects a subset of recipes for List.
type ListFilter struct {
	Status models.RecipeStatus
	Type   models.RecipeType
}

func (f ListFilter) matches(r *models.Recipe) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	return true
}

// ChangeKind distinguishes the two mutations the Scheduler cares about.
type ChangeKind string

const (
	ChangeSaved   ChangeKind = "saved"
	ChangeDeleted ChangeKind = "deleted"
)

// ChangeEvent is published whenever a mutation may affect schedulability,
// the schedule itself, or push-sequence timing. The Store never
// calls the Scheduler directly; it only enqueues on a bounded channel.
type ChangeEvent struct {
	Kind     ChangeKind
	RecipeID string
	Recipe   *models.Recipe // nil on delete
}

// Store is the single source of truth for "what recipes exist".
// C3's in-memory job map must converge to it; any divergence is surfaced
// via C8.
type Store interface {
	List(ctx context.Context, filter ListFilter) ([]models.Recipe, error)
	Load(ctx context.Context, id string) (*models.Recipe, error)
	Save(ctx context.Context, recipe *models.Recipe) error
	Delete(ctx context.Context, id string) error

	// Changes returns the channel change events are published on.
	// Nothing in the engine reads it: the Control Surface handlers call
	// the Scheduler directly after each Save or Delete.
	Changes() <-chan ChangeEvent

	Close() error
}
