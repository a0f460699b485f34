package history

import "context"

// Store abstracts persistence for the trail.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, entityID string, limit int) ([]Entry, error)
}

// Service exposes read/append access to the trail. Mutating modules append
// through their own transactions; the service is the path used by display
// endpoints and by collaborators without a transaction at hand.
type Service struct {
	store Store
}

// NewService constructs Service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Append records one entry. An entry is written only after the mutation it
// describes succeeded; rejected operations never reach this point.
func (s *Service) Append(ctx context.Context, entry Entry) error {
	return s.store.Append(ctx, entry)
}

// List returns the trail for one entity, oldest first.
func (s *Service) List(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	return s.store.List(ctx, entityID, limit)
}
