// Package sequence issues unique, monotonically increasing numbers per named
// counter. It backs every document identifier minted by the system, so Next
// must stay a single atomic read-modify-write at the storage layer.
package sequence

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable wraps storage failures. Callers must not mint a document
// without a valid number; there is no fallback numbering scheme.
var ErrUnavailable = errors.New("sequence: counter storage unavailable")

// Store provides atomic counter access.
type Store interface {
	// Increment atomically bumps the named counter and returns the new value,
	// creating the counter at 1 on first use.
	Increment(ctx context.Context, name string) (int64, error)
	// Current reads the counter without advancing it. Returns 0 for an unused name.
	Current(ctx context.Context, name string) (int64, error)
}

// Generator hands out numbers from named counters.
type Generator struct {
	store Store
}

// NewGenerator constructs Generator.
func NewGenerator(store Store) *Generator {
	return &Generator{store: store}
}

// Next returns a value no other caller has received for the same name.
func (g *Generator) Next(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, errors.New("sequence: counter name required")
	}
	value, err := g.store.Increment(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return value, nil
}

// Current peeks at the last issued value without advancing the counter.
func (g *Generator) Current(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, errors.New("sequence: counter name required")
	}
	value, err := g.store.Current(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return value, nil
}
