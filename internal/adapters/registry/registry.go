// Package registry persists the instance document as a single JSON file
// guarded by a cross-process advisory lock. Every mutation is a full
// read-modify-write of the current on-disk content inside the held lock,
// so two launcher processes never silently clobber each other's edits.
// The kernel releases an advisory lock when its holder dies, which is the
// crash-recovery path: a crashed writer never wedges the registry.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/openclaw/launcher/internal/core/domain"
)

const lockRetryInterval = 100 * time.Millisecond

// FileRegistry implements ports.Registry on a JSON document.
type FileRegistry struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	log         zerolog.Logger
}

// New creates a registry backed by path. lockTimeout bounds how long a
// mutation waits for the cross-process lock before giving up.
func New(path string, lockTimeout time.Duration, log zerolog.Logger) *FileRegistry {
	return &FileRegistry{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: lockTimeout,
		log:         log.With().Str("component", "registry").Logger(),
	}
}

// Load returns a best-effort snapshot of the document. An absent, empty,
// or unparseable file yields an empty document; this path never fails for
// a caller that only wants a snapshot.
func (r *FileRegistry) Load() *domain.Document {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return domain.NewDocument()
	}
	return r.decode(raw)
}

// WithExclusive runs mutate against the current on-disk document under the
// cross-process lock and persists the result atomically.
func (r *FileRegistry) WithExclusive(ctx context.Context, mutate func(doc *domain.Document) error) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	lock := flock.New(r.lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil || !locked {
		return fmt.Errorf("%w: lock not acquired within %s", domain.ErrRegistryUnavailable, r.lockTimeout)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			r.log.Warn().Err(err).Msg("failed to release registry lock")
		}
	}()

	// Re-read fresh under the lock; a cached copy could miss another
	// process's completed mutation.
	doc := domain.NewDocument()
	if raw, err := os.ReadFile(r.path); err == nil {
		doc = r.decode(raw)
	}

	if err := mutate(doc); err != nil {
		return err
	}
	return r.persist(doc)
}

func (r *FileRegistry) decode(raw []byte) *domain.Document {
	doc := domain.NewDocument()
	if len(raw) == 0 {
		return doc
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		// Auto-heal: a malformed document is treated as empty rather
		// than blocking startup. The next persist rewrites it whole.
		r.log.Warn().Err(err).Str("path", r.path).Msg("malformed registry document, starting empty")
		return domain.NewDocument()
	}
	if doc.Instances == nil {
		doc.Instances = make(map[string]domain.Instance)
	}
	return doc
}

// persist writes the full document to a temp file and renames it into
// place, so readers never observe a partial write.
func (r *FileRegistry) persist(doc *domain.Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry document: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".instances-*.json")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write registry document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close registry temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace registry document: %w", err)
	}
	return nil
}
