package evidence

import (
	"context"

	"github.com/marcus-whitfield/evidentia/internal/store"
)

// Registry resolves opaque citation tokens to stable identifiers backed by
// durable rows. Everything that cites evidence goes through it.
type Registry struct {
	store *store.Store
}

// NewRegistry builds a Registry over the given store.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{store: st}
}

// ResolveOrCreate returns the stable identifier for a citation token,
// creating the backing row the first time the triple is seen. Malformed
// input returns ErrMalformedRef without touching the database. Creation is
// idempotent under races: the unique constraint on the triple guarantees a
// single row, and conflict resolves to the existing identifier.
func (r *Registry) ResolveOrCreate(ctx context.Context, token string) (string, error) {
	ref, err := ParseRef(token)
	if err != nil {
		return "", err
	}
	return r.store.ResolveOrCreateEvidenceRef(ctx, ref.SourceType, ref.SourceID, ref.FragmentID)
}
