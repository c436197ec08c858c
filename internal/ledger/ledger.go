// Package ledger durably records, per recipe, the instant of its most
// recent completed firing and that firing's outcome. The Scheduler
// consults it on every trigger to suppress a firing that would
// duplicate the recipe's already-recorded last-fired instant, which is
// what keeps a process restart from re-firing a recipe that already
// fired before the restart.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pushcraft/automation-engine/pkg/models"
)

var bucketName = []byte("ledger")

// record is the JSON value stored under each recipe id key.
type record struct {
	Instant time.Time         `json:"instant"`
	Outcome models.LedgerOutcome `json:"outcome"`
}

// Ledger is a bbolt-backed implementation of scheduler.Ledger. One
// bucket, keyed by recipe id, holding the recipe's latest firing
// record. It keeps only the latest row per key — the execution ledger
// only ever needs "what fired last", never a firing history.
type Ledger struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and
// ensures the ledger bucket exists.
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger bucket: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close releases the underlying bbolt file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// LastFired returns the instant the given recipe last fired and
// whether any record exists for it at all. A recipe with no recorded
// firing returns the zero time and false.
func (l *Ledger) LastFired(recipeID string) (instant time.Time, ok bool) {
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get([]byte(recipeID))
		if raw == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		instant, ok = rec.Instant, true
		return nil
	})
	if err != nil {
		// A decode failure is treated the same as "nothing recorded" —
		// the scheduler will simply re-install the job and fire again,
		// which is the safe direction for a ledger read to fail in.
		return time.Time{}, false
	}
	return instant, ok
}

// Record stores entry as the recipe's latest firing, enforcing
// monotonicity: an entry whose LastFiredInstant is not strictly after
// the currently stored instant is dropped rather than overwriting a
// newer record. Two firings for the same recipe can race to record
// their outcome if a later firing's lead-time wait was short enough to
// complete before an earlier, overlapping firing did; monotonicity
// keeps whichever finished with the later scheduled instant as the
// one of record.
func (l *Ledger) Record(entry models.LedgerEntry) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		key := []byte(entry.RecipeID)

		if raw := b.Get(key); raw != nil {
			var existing record
			if err := json.Unmarshal(raw, &existing); err == nil {
				if !entry.LastFiredInstant.After(existing.Instant) {
					return nil
				}
			}
		}

		rec := record{Instant: entry.LastFiredInstant, Outcome: entry.Outcome}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal ledger record: %w", err)
		}
		return b.Put(key, raw)
	})
}

// All returns every recorded entry, keyed by recipe id. The Control
// Surface's debug endpoint does not call it; it shows only the
// scheduler's live job map.
func (l *Ledger) All() (map[string]models.LedgerEntry, error) {
	out := make(map[string]models.LedgerEntry)
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out[string(k)] = models.LedgerEntry{
				RecipeID:         string(k),
				LastFiredInstant: rec.Instant,
				Outcome:          rec.Outcome,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
