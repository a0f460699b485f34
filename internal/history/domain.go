// Package history keeps the append-only change trail for ledger-bearing entities.
package history

import (
	"errors"
	"time"
)

// ChangeType classifies a trail entry.
type ChangeType string

const (
	ChangeCreate  ChangeType = "create"
	ChangeUpdate  ChangeType = "update"
	ChangeDelete  ChangeType = "delete"
	ChangeRestore ChangeType = "restore"
	ChangeSelect  ChangeType = "select"
	ChangeCart    ChangeType = "cart"
	ChangeRelease ChangeType = "release"
)

// Entry is a single immutable change record. Entries are never updated,
// reordered or pruned by this package.
type Entry struct {
	ID       int64      `json:"id"`
	EntityID string     `json:"entity_id"`
	Field    string     `json:"field"`
	OldValue string     `json:"old_value"`
	NewValue string     `json:"new_value"`
	Actor    string     `json:"actor"`
	Type     ChangeType `json:"change_type"`
	At       time.Time  `json:"at"`
}

// ErrInvalidEntry indicates a structurally incomplete entry.
var ErrInvalidEntry = errors.New("history: entry requires entity id, actor and change type")

func (t ChangeType) valid() bool {
	switch t {
	case ChangeCreate, ChangeUpdate, ChangeDelete, ChangeRestore, ChangeSelect, ChangeCart, ChangeRelease:
		return true
	}
	return false
}

// Validate checks the entry before it is written.
func (e Entry) Validate() error {
	if e.EntityID == "" || e.Actor == "" || !e.Type.valid() {
		return ErrInvalidEntry
	}
	return nil
}
