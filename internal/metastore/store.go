// Package metastore abstracts the versioned, watchable, hierarchical
// metadata store that bundle ownership, split/transition state, and
// cluster/namespace policy are built on top of. The production
// implementation is backed by Kubernetes ConfigMaps (regular entries)
// and Leases (ephemeral, session-scoped entries); a pure in-memory
// implementation satisfies the same interface for tests.
package metastore

import (
	"context"
	"time"
)

// Entry is a single versioned key in the store. Version is an opaque
// token (a Kubernetes resourceVersion in the production implementation)
// that callers pass back to CAS operations; it must never be parsed or
// compared for ordering, only for equality.
type Entry struct {
	Key     string
	Value   []byte
	Version string

	// Ephemeral is true for lease-backed entries that expire if not
	// renewed within their TTL.
	Ephemeral bool
	// ExpiresAt is the ephemeral entry's current deadline; zero for
	// regular entries.
	ExpiresAt time.Time
}

// EventType distinguishes the kinds of change a Watch can report.
type EventType int

const (
	// EventPut fires on initial creation and on every subsequent update.
	EventPut EventType = iota
	// EventDelete fires when a key is removed, either explicitly or
	// because an ephemeral entry's lease expired.
	EventDelete
)

// Event is a single change notification delivered by a Watch.
type Event struct {
	Type  EventType
	Entry Entry
}

// Watch is a live subscription to changes under a key prefix.
type Watch interface {
	// Events delivers change notifications until the watch is stopped
	// or its context is canceled, at which point it is closed.
	Events() <-chan Event
	Stop()
}

// Store is the metadata gateway's storage contract. Implementations must
// make Put and Delete's expectedVersion check atomic with the write
// (compare-and-swap).
type Store interface {
	// Get returns the current entry at key, or an error carrying
	// errs.KindNotFound if it does not exist.
	Get(ctx context.Context, key string) (Entry, error)

	// Put writes value at key. If expectedVersion is empty, the write
	// only succeeds if key does not currently exist (create); otherwise
	// it only succeeds if the stored version equals expectedVersion
	// (compare-and-swap). A mismatch returns errs.KindPreconditionFailed;
	// an existing key on a create-only write returns errs.KindAlreadyExists.
	Put(ctx context.Context, key string, value []byte, expectedVersion string) (Entry, error)

	// Delete removes key if its current version equals expectedVersion.
	// An empty expectedVersion deletes unconditionally. A mismatch
	// returns errs.KindPreconditionFailed; a missing key returns
	// errs.KindNotFound.
	Delete(ctx context.Context, key string, expectedVersion string) error

	// CreateEphemeral creates a session-scoped entry that expires after
	// ttl unless renewed. Fails with errs.KindAlreadyExists if the key
	// is already held (by this or another session) and not yet expired.
	CreateEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error)

	// RenewEphemeral extends an ephemeral entry's deadline by ttl,
	// optionally replacing its value. version must match the entry's
	// current version, guarding against renewing a claim that was lost
	// and re-acquired by another session in the interim.
	RenewEphemeral(ctx context.Context, key, version string, value []byte, ttl time.Duration) (Entry, error)

	// Watch subscribes to Put/Delete events for every key under prefix,
	// delivering an initial EventPut for each key that already exists.
	Watch(ctx context.Context, prefix string) (Watch, error)

	// List returns every current entry under prefix.
	List(ctx context.Context, prefix string) ([]Entry, error)
}
