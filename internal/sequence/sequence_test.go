package sequence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu       sync.Mutex
	counters map[string]int64
	fail     bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{counters: make(map[string]int64)}
}

func (m *memoryStore) Increment(ctx context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errors.New("storage down")
	}
	m.counters[name]++
	return m.counters[name], nil
}

func (m *memoryStore) Current(ctx context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errors.New("storage down")
	}
	return m.counters[name], nil
}

func TestNextStartsAtOnePerName(t *testing.T) {
	gen := NewGenerator(newMemoryStore())
	ctx := context.Background()

	v, err := gen.Next(ctx, "invoice")
	require.NoError(t, err)
	require.EqualValues(t, 1, v)

	v, err = gen.Next(ctx, "invoice")
	require.NoError(t, err)
	require.EqualValues(t, 2, v)

	v, err = gen.Next(ctx, "job")
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
}

func TestNextConcurrentCallersGetDistinctGaplessValues(t *testing.T) {
	gen := NewGenerator(newMemoryStore())
	ctx := context.Background()

	const workers = 50
	const perWorker = 20

	results := make(chan int64, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				v, err := gen.Next(ctx, "invoice")
				if err != nil {
					t.Error(err)
					return
				}
				results <- v
			}
		}()
	}
	wg.Wait()
	close(results)

	var values []int64
	for v := range results {
		values = append(values, v)
	}
	require.Len(t, values, workers*perWorker)

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, v := range values {
		require.EqualValues(t, i+1, v, "values must be distinct and gapless")
	}
}

func TestNextFailsFastWhenStorageUnavailable(t *testing.T) {
	store := newMemoryStore()
	store.fail = true
	gen := NewGenerator(store)

	_, err := gen.Next(context.Background(), "invoice")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestNextRequiresName(t *testing.T) {
	gen := NewGenerator(newMemoryStore())
	_, err := gen.Next(context.Background(), "")
	require.Error(t, err)
}
