// Package idgen provides identifier generation for runs, events and audit records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// WithPrefix generates a random ID with a prefix (e.g. "run_", "evt_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// RunID returns a new workflow run identifier.
func RunID() string {
	return WithPrefix("run_")
}

// EventID returns a new event identifier.
func EventID() string {
	return WithPrefix("evt_")
}

// CorrelationID returns a UUIDv4 used to trace a payment across systems.
func CorrelationID() string {
	return uuid.NewString()
}

// IdempotencyKey derives a stable key for an external call made by one
// step of one run. Re-invoking the same step after a crash yields the same key.
func IdempotencyKey(runID, stepID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(runID+":"+stepID)).String()
}
