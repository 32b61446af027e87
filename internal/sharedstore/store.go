// Package sharedstore defines the shared coordination store port. All
// cross-replica state (leases, identity links, previous key snapshots, audit
// guards) lives behind this interface; SetIfAbsent is the only serialization
// primitive the rest of the codebase relies on.
package sharedstore

import (
	"context"
	"strings"
	"time"
)

// Namespace prefixes every key this process writes.
const Namespace = "keysync:"

// Store is the primitive set required by the reconciliation core. A ttl of
// zero means no expiry.
type Store interface {
	// Get returns the value for key, or sentinel.ErrNotFound when absent.
	Get(ctx context.Context, key string) (string, error)

	// Set writes key to value with an optional ttl.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent atomically creates key only when it does not exist.
	// Returns true iff this call created the key.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes key unconditionally. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key; empty when absent.
	SMembers(ctx context.Context, key string) ([]string, error)

	// ScanPrefix returns every key starting with prefix.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
}

// SanitizeSegment escapes the key delimiter in caller-supplied identifiers so
// an identifier containing ':' cannot collide with an adjacent key segment.
func SanitizeSegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}
