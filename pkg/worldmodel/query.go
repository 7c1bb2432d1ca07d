package worldmodel

import (
	"context"
	"errors"
	"time"
)

// ErrStaleWrite is returned by Commit when a racing commit landed on one
// of the target resources after the caller's snapshot was taken. The
// caller must re-run detection, not report failure to the producer.
var ErrStaleWrite = errors.New("world model changed since snapshot was read")

// ErrNotFound is returned when a referenced entity does not exist
var ErrNotFound = errors.New("entity not found in world model")

// Snapshot carries the timestamp at which a query result was read, so
// callers can detect staleness and condition later commits on it.
type Snapshot struct {
	Taken time.Time `json:"taken"`
}

// QueryInterface is the read side of the world model. Reads may happen
// concurrently from many callers.
type QueryInterface interface {
	// Resource resolves a resource by id.
	Resource(ctx context.Context, id string) (Resource, Snapshot, error)

	// Zone resolves the grouping entity a resource belongs to.
	Zone(ctx context.Context, resourceID string) (Zone, Snapshot, error)

	// ClaimsInRange lists claims touching any resource in the zone whose
	// windows overlap the given range, in both proposed and committed
	// states.
	ClaimsInRange(ctx context.Context, zoneID string, w TimeWindow) ([]Claim, Snapshot, error)

	// ConstraintsFor fetches the facts scoped to a resource plus all
	// kind-pair facts applicable in its zone.
	ConstraintsFor(ctx context.Context, resourceID string) ([]ConstraintFact, Snapshot, error)
}

// Committer is the write side of the world model. Writes are linearized
// per resource so two conflict groups can never both believe a resource
// is free.
type Committer interface {
	// Commit atomically records the claims as committed, conditioned on
	// no other commit having touched their resources after readAt. Fails
	// with ErrStaleWrite when the precondition no longer holds.
	Commit(ctx context.Context, claims []Claim, readAt time.Time) error

	// Release removes all claims for a proposal, used when a producer
	// withdraws or a disposition is a rejection.
	Release(ctx context.Context, proposalID string) error
}

// Store combines the read and write sides
type Store interface {
	QueryInterface
	Committer
}
