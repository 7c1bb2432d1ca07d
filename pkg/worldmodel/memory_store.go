package worldmodel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. It is the default
// backing when no database path is configured, and the fixture store for
// tests.
type MemoryStore struct {
	mu sync.RWMutex

	resources   map[string]Resource
	zones       map[string]Zone
	constraints map[string]ConstraintFact
	claims      map[string]Claim

	// zoneIndex maps zone id to the resource ids it groups, for scoped
	// claim lookups.
	zoneIndex map[string][]string

	// lastCommit records the most recent commit instant per resource,
	// which is what the optimistic precondition checks against.
	lastCommit map[string]time.Time
}

// NewMemoryStore creates an empty in-memory world model
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources:   make(map[string]Resource),
		zones:       make(map[string]Zone),
		constraints: make(map[string]ConstraintFact),
		claims:      make(map[string]Claim),
		zoneIndex:   make(map[string][]string),
		lastCommit:  make(map[string]time.Time),
	}
}

// AddZone registers a grouping entity
func (s *MemoryStore) AddZone(z Zone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[z.ID] = z
}

// AddResource registers a resource under its zone
func (s *MemoryStore) AddResource(r Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.zones[r.ZoneID]; !exists {
		return fmt.Errorf("resource %s references unknown zone %s", r.ID, r.ZoneID)
	}
	if r.Capacity <= 0 {
		r.Capacity = 1
	}
	s.resources[r.ID] = r
	s.zoneIndex[r.ZoneID] = append(s.zoneIndex[r.ZoneID], r.ID)
	return nil
}

// AddConstraint registers a constraint fact
func (s *MemoryStore) AddConstraint(f ConstraintFact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.constraints[f.ID] = f
}

// AddProposedClaim records a claim in proposed state, used by intake when
// a proposal enters arbitration.
func (s *MemoryStore) AddProposedClaim(c Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.resources[c.ResourceID]; !exists {
		return fmt.Errorf("claim %s references unknown resource %s: %w", c.ID, c.ResourceID, ErrNotFound)
	}
	c.State = ClaimProposed
	s.claims[c.ID] = c
	return nil
}

// Resource resolves a resource by id
func (s *MemoryStore) Resource(ctx context.Context, id string) (Resource, Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.resources[id]
	if !exists {
		return Resource{}, s.snapshot(), fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	return r, s.snapshot(), nil
}

// Zone resolves the grouping entity a resource belongs to
func (s *MemoryStore) Zone(ctx context.Context, resourceID string) (Zone, Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.resources[resourceID]
	if !exists {
		return Zone{}, s.snapshot(), fmt.Errorf("resource %s: %w", resourceID, ErrNotFound)
	}
	z, exists := s.zones[r.ZoneID]
	if !exists {
		return Zone{}, s.snapshot(), fmt.Errorf("zone %s: %w", r.ZoneID, ErrNotFound)
	}
	return z, s.snapshot(), nil
}

// ClaimsInRange lists claims in the zone overlapping the window
func (s *MemoryStore) ClaimsInRange(ctx context.Context, zoneID string, w TimeWindow) ([]Claim, Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.zones[zoneID]; !exists {
		return nil, s.snapshot(), fmt.Errorf("zone %s: %w", zoneID, ErrNotFound)
	}

	var out []Claim
	for _, c := range s.claims {
		if c.ZoneID == zoneID && c.Window.Overlaps(w) {
			out = append(out, c)
		}
	}
	return out, s.snapshot(), nil
}

// ConstraintsFor fetches resource-scoped facts plus kind-pair facts that
// apply in the resource's zone.
func (s *MemoryStore) ConstraintsFor(ctx context.Context, resourceID string) ([]ConstraintFact, Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.resources[resourceID]
	if !exists {
		return nil, s.snapshot(), fmt.Errorf("resource %s: %w", resourceID, ErrNotFound)
	}

	var out []ConstraintFact
	for _, f := range s.constraints {
		switch {
		case f.ResourceID == resourceID:
			out = append(out, f)
		case f.ResourceID == "" && (f.ZoneID == "" || f.ZoneID == r.ZoneID):
			out = append(out, f)
		}
	}
	return out, s.snapshot(), nil
}

// Commit atomically marks the claims committed, failing with ErrStaleWrite
// when any target resource was committed to after readAt.
func (s *MemoryStore) Commit(ctx context.Context, claims []Claim, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Precondition: nothing landed on these resources since the caller's
	// snapshot.
	for _, c := range claims {
		if last, ok := s.lastCommit[c.ResourceID]; ok && last.After(readAt) {
			return fmt.Errorf("resource %s committed at %s, snapshot read at %s: %w",
				c.ResourceID, last.Format(time.RFC3339Nano), readAt.Format(time.RFC3339Nano), ErrStaleWrite)
		}
	}

	now := time.Now()
	for _, c := range claims {
		c.State = ClaimCommitted
		c.Committed = now
		s.claims[c.ID] = c
		s.lastCommit[c.ResourceID] = now
	}
	return nil
}

// Release removes all claims belonging to a proposal. Freed resources
// are marked so concurrent snapshot readers see the change.
func (s *MemoryStore) Release(ctx context.Context, proposalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	now := time.Now()
	for id, c := range s.claims {
		if c.ProposalID == proposalID {
			delete(s.claims, id)
			s.lastCommit[c.ResourceID] = now
			found = true
		}
	}
	if !found {
		return fmt.Errorf("no claims for proposal %s: %w", proposalID, ErrNotFound)
	}
	return nil
}

// CommittedClaims returns all committed claims, used by tests and the
// audit surface.
func (s *MemoryStore) CommittedClaims() []Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Claim
	for _, c := range s.claims {
		if c.State == ClaimCommitted {
			out = append(out, c)
		}
	}
	return out
}

func (s *MemoryStore) snapshot() Snapshot {
	return Snapshot{Taken: time.Now()}
}
