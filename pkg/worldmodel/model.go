package worldmodel

import (
	"time"
)

// ResourceKind classifies what a resource physically is
type ResourceKind string

const (
	// ResourceAisle is a shared physical aisle segment
	ResourceAisle ResourceKind = "aisle"
	// ResourceLocation is an inventory location inside an aisle
	ResourceLocation ResourceKind = "location"
	// ResourceWorker is a human worker
	ResourceWorker ResourceKind = "worker"
	// ResourceForklift is a piece of powered equipment
	ResourceForklift ResourceKind = "forklift"
	// ResourceDockDoor is a dock or yard door
	ResourceDockDoor ResourceKind = "dock_door"
)

// ClaimKind classifies the type of access a claim needs on a resource.
// Compatibility between concurrent claim kinds is decided by constraint
// facts, never hardcoded here.
type ClaimKind string

const (
	// ClaimForkliftTraffic is powered-equipment traffic through a segment
	ClaimForkliftTraffic ClaimKind = "forklift_traffic"
	// ClaimWorkerTraffic is on-foot worker traffic through a segment
	ClaimWorkerTraffic ClaimKind = "worker_traffic"
	// ClaimExclusive blocks all other claims on the resource
	ClaimExclusive ClaimKind = "exclusive"
	// ClaimShared tolerates other shared claims up to resource capacity
	ClaimShared ClaimKind = "shared"
)

// ClaimState tracks a claim across the proposed-to-committed boundary
type ClaimState string

const (
	// ClaimProposed means the claim is under arbitration
	ClaimProposed ClaimState = "proposed"
	// ClaimCommitted means the claim has been finalized into the schedule
	ClaimCommitted ClaimState = "committed"
)

// TimeWindow is a half-open [Start, End) interval
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two windows share any instant
func (w TimeWindow) Overlaps(o TimeWindow) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Duration returns the length of the window
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Shift returns the window moved forward by d, preserving its length
func (w TimeWindow) Shift(d time.Duration) TimeWindow {
	return TimeWindow{Start: w.Start.Add(d), End: w.End.Add(d)}
}

// Valid reports whether the window is non-empty
func (w TimeWindow) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && w.Start.Before(w.End)
}

// Resource is any entity a proposal can claim access to. Capacity is the
// number of concurrent blocking claims the resource tolerates; the common
// case is 1 (one exclusive claim at a time).
type Resource struct {
	ID       string       `json:"id"`
	Kind     ResourceKind `json:"kind"`
	Name     string       `json:"name"`
	ZoneID   string       `json:"zone_id"`
	Capacity int          `json:"capacity"`
}

// Zone groups resources that share rules and contention scope. Conflict
// detection is scoped per zone, which keeps discovery sub-linear in the
// total proposal history.
type Zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Narrow marks zones whose segments cannot host mixed traffic; the
	// actual prohibition still comes from a constraint fact.
	Narrow bool `json:"narrow"`
}

// ConstraintFact is a rule attached to a resource or to a pair of claim
// kinds. Facts are queried from the world model, never invented by the
// arbiter.
type ConstraintFact struct {
	ID string `json:"id"`

	// ResourceID scopes the fact to a single resource. Empty means the
	// fact is kind-pair scoped.
	ResourceID string `json:"resource_id,omitempty"`

	// ZoneID optionally scopes a kind-pair fact to one zone. Empty means
	// it applies everywhere.
	ZoneID string `json:"zone_id,omitempty"`

	// KindA and KindB name the claim kinds a pair fact forbids from
	// holding overlapping claims in the same zone.
	KindA ClaimKind `json:"kind_a,omitempty"`
	KindB ClaimKind `json:"kind_b,omitempty"`

	// MaxConcurrent caps overlapping claims on the scoped resource.
	// Zero means the resource's own capacity applies.
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// Hard marks a safety fact that no priority, confidence value, or
	// human approval can override.
	Hard bool `json:"hard"`

	Description string `json:"description"`
}

// ForbidsPair reports whether this fact forbids the two claim kinds from
// overlapping in the given zone.
func (f ConstraintFact) ForbidsPair(a, b ClaimKind, zoneID string) bool {
	if f.KindA == "" || f.KindB == "" {
		return false
	}
	if f.ZoneID != "" && f.ZoneID != zoneID {
		return false
	}
	return (f.KindA == a && f.KindB == b) || (f.KindA == b && f.KindB == a)
}

// Claim is a resource reservation for a time window. Claims cross from
// proposed to committed when a resolution is finalized.
type Claim struct {
	ID         string     `json:"id"`
	ResourceID string     `json:"resource_id"`
	ZoneID     string     `json:"zone_id"`
	ProposalID string     `json:"proposal_id"`
	Kind       ClaimKind  `json:"kind"`
	Window     TimeWindow `json:"window"`
	State      ClaimState `json:"state"`
	Committed  time.Time  `json:"committed,omitempty"`
}

// Blocking reports whether the claim occupies resource capacity. Shared
// worker traffic through a wide segment does not block another worker;
// everything else does.
func (c Claim) Blocking() bool {
	return c.Kind != ClaimShared
}
