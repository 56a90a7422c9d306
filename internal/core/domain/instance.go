package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// IdentityLength is the number of hex characters kept from the pubkey hash.
// Collisions at this length are treated as acceptably improbable.
const IdentityLength = 12

// Instance is one wallet-linked sandbox record as persisted in the registry.
type Instance struct {
	PubKey       string `json:"pubkey"`
	Port         int    `json:"port"`
	GatewayToken string `json:"gateway_token,omitempty"`
	Created      int64  `json:"created"`
	LastStarted  int64  `json:"last_started"`
	ContainerID  string `json:"container_id"`
}

// Redacted returns a copy of the instance with the gateway token removed.
// Listing and conflict responses must never leak the credential.
func (i Instance) Redacted() Instance {
	i.GatewayToken = ""
	return i
}

// IdentityFor derives the instance identity from a wallet public key.
// It is a pure function: the same wallet always maps to the same identity.
func IdentityFor(pubkey string) string {
	sum := sha256.Sum256([]byte(pubkey))
	return hex.EncodeToString(sum[:])[:IdentityLength]
}

// ValidatePubKey checks the wallet key length bounds. Anything beyond
// length is the caller's concern.
func ValidatePubKey(pubkey string) error {
	if len(pubkey) < 32 || len(pubkey) > 64 {
		return ErrInvalidPubKey
	}
	return nil
}

// ContainerName returns the runtime container name for an identity.
func ContainerName(identity string) string {
	return "openclaw-" + identity
}

// Runtime status values as reported by the status cache. Values other than
// these come straight from the container runtime ("running", "exited", ...).
const (
	StatusRunning  = "running"
	StatusExited   = "exited"
	StatusStarting = "starting"
	StatusStopped  = "stopped"   // explicitly stopped through the API
	StatusNotFound = "not_found" // record exists but the runtime has no container
	StatusUnknown  = "unknown"   // not yet observed by the reconciler
)
