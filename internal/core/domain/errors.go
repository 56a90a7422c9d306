package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every operation reports a specific condition so callers
// can distinguish "at capacity" from "runtime down" from "already running".
var (
	// ErrInvalidPubKey rejects a malformed wallet key before any resource use.
	ErrInvalidPubKey = errors.New("invalid wallet public key")

	// ErrCapacityExceeded rejects a launch before any mutation.
	ErrCapacityExceeded = errors.New("maximum instance count reached")

	// ErrNotFound means the runtime has no matching container. Distinct
	// from a missing registry record.
	ErrNotFound = errors.New("container not found")

	// ErrRuntimeUnavailable is a transport-level failure talking to the
	// container runtime. Retryable; never treated as "stopped".
	ErrRuntimeUnavailable = errors.New("container runtime is unreachable")

	// ErrRegistryUnavailable means the registry lock was not obtained
	// within its retry budget.
	ErrRegistryUnavailable = errors.New("instance registry is unavailable")
)

// ConflictError reports a launch against an already-running instance. It
// carries the existing record, token-redacted, for the caller.
type ConflictError struct {
	Identity string
	Instance Instance
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("instance %s is already running", e.Identity)
}
