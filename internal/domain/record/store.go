package record

import "context"

// Persister writes a partial update for one record to the remote store.
// Only the keys present in changes may be written.
type Persister interface {
	Persist(ctx context.Context, id string, changes Fields) error
}

// PersisterFunc adapts a function to the Persister interface.
type PersisterFunc func(ctx context.Context, id string, changes Fields) error

// Persist calls f(ctx, id, changes).
func (f PersisterFunc) Persist(ctx context.Context, id string, changes Fields) error {
	return f(ctx, id, changes)
}

// Source loads the full set of records from the source of truth.
type Source interface {
	LoadAll(ctx context.Context) ([]Record, error)
}

// Store is the complete remote store contract used by the application layer.
type Store interface {
	Persister
	Source
	Create(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}
