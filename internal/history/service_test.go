package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	entries map[string][]Entry
	nextID  int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string][]Entry)}
}

func (m *memoryStore) Append(ctx context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	m.nextID++
	entry.ID = m.nextID
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	m.entries[entry.EntityID] = append(m.entries[entry.EntityID], entry)
	return nil
}

func (m *memoryStore) List(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	entries := m.entries[entityID]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	result := make([]Entry, len(entries))
	copy(result, entries)
	return result, nil
}

func TestAppendPreservesOrder(t *testing.T) {
	svc := NewService(newMemoryStore())
	ctx := context.Background()

	for _, field := range []string{"stock", "returnStock", "damagedStock"} {
		err := svc.Append(ctx, Entry{
			EntityID: "product:1",
			Field:    field,
			OldValue: "0",
			NewValue: "1",
			Actor:    "admin",
			Type:     ChangeUpdate,
		})
		require.NoError(t, err)
	}

	entries, err := svc.List(ctx, "product:1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "stock", entries[0].Field)
	require.Equal(t, "returnStock", entries[1].Field)
	require.Equal(t, "damagedStock", entries[2].Field)
	for i := 1; i < len(entries); i++ {
		require.Greater(t, entries[i].ID, entries[i-1].ID)
	}
}

func TestAppendRejectsIncompleteEntry(t *testing.T) {
	svc := NewService(newMemoryStore())
	ctx := context.Background()

	err := svc.Append(ctx, Entry{Field: "stock", Actor: "admin", Type: ChangeUpdate})
	require.ErrorIs(t, err, ErrInvalidEntry)

	err = svc.Append(ctx, Entry{EntityID: "product:1", Actor: "admin", Type: ChangeType("bogus")})
	require.ErrorIs(t, err, ErrInvalidEntry)

	entries, err := svc.List(ctx, "product:1", 0)
	require.NoError(t, err)
	require.Empty(t, entries)
}
