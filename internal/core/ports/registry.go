package ports

import (
	"context"

	"github.com/openclaw/launcher/internal/core/domain"
)

// Registry persists the instance document and serializes every mutation
// behind a cross-process lock.
type Registry interface {
	// Load returns a best-effort snapshot. An absent, empty, or
	// unparseable backing file yields an empty document, never an error;
	// staleness relative to concurrent writers is acceptable here.
	Load() *domain.Document

	// WithExclusive acquires the cross-process lock, re-reads the
	// document fresh from disk, invokes mutate against it, persists the
	// result, and releases the lock. This is the only sanctioned path
	// for any state-changing operation. Exhausting the lock's retry
	// budget surfaces domain.ErrRegistryUnavailable.
	WithExclusive(ctx context.Context, mutate func(doc *domain.Document) error) error
}
