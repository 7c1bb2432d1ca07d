package worldmodel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testWindow(start time.Time, d time.Duration) TimeWindow {
	return TimeWindow{Start: start, End: start.Add(d)}
}

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	s.AddZone(Zone{ID: "aisle-7", Name: "Aisle 7", Narrow: true})
	if err := s.AddResource(Resource{ID: "a7-seg1", Kind: ResourceAisle, ZoneID: "aisle-7"}); err != nil {
		t.Fatalf("AddResource failed: %v", err)
	}
	if err := s.AddResource(Resource{ID: "dock-2", Kind: ResourceDockDoor, ZoneID: "aisle-7", Capacity: 2}); err != nil {
		t.Fatalf("AddResource failed: %v", err)
	}
	return s
}

func TestZoneLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	zone, _, err := s.Zone(ctx, "a7-seg1")
	if err != nil {
		t.Fatalf("Zone lookup failed: %v", err)
	}
	if zone.ID != "aisle-7" || !zone.Narrow {
		t.Errorf("Unexpected zone: %+v", zone)
	}

	if _, _, err := s.Zone(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing resource, got %v", err)
	}
}

func TestClaimsInRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	claim := Claim{
		ID: "c1", ResourceID: "a7-seg1", ZoneID: "aisle-7", ProposalID: "p1",
		Kind: ClaimForkliftTraffic, Window: testWindow(base, time.Hour), State: ClaimCommitted,
	}
	if err := s.Commit(ctx, []Claim{claim}, time.Now()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	tests := []struct {
		name  string
		query TimeWindow
		want  int
	}{
		{"overlapping range", testWindow(base.Add(30*time.Minute), time.Hour), 1},
		{"containing range", testWindow(base.Add(-time.Hour), 3 * time.Hour), 1},
		{"before the claim", testWindow(base.Add(-2*time.Hour), time.Hour), 0},
		{"after the claim", testWindow(base.Add(2*time.Hour), time.Hour), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, snap, err := s.ClaimsInRange(ctx, "aisle-7", tt.query)
			if err != nil {
				t.Fatalf("ClaimsInRange failed: %v", err)
			}
			if len(claims) != tt.want {
				t.Errorf("Got %d claims, want %d", len(claims), tt.want)
			}
			if snap.Taken.IsZero() {
				t.Error("Snapshot timestamp should be set")
			}
		})
	}
}

func TestCommitStaleWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	readAt := time.Now()
	first := Claim{
		ID: "c1", ResourceID: "a7-seg1", ZoneID: "aisle-7", ProposalID: "p1",
		Kind: ClaimExclusive, Window: testWindow(base, time.Hour), State: ClaimCommitted,
	}
	if err := s.Commit(ctx, []Claim{first}, readAt); err != nil {
		t.Fatalf("First commit failed: %v", err)
	}

	// The second writer read before the first commit landed, so its
	// precondition no longer holds.
	second := Claim{
		ID: "c2", ResourceID: "a7-seg1", ZoneID: "aisle-7", ProposalID: "p2",
		Kind: ClaimExclusive, Window: testWindow(base.Add(2*time.Hour), time.Hour), State: ClaimCommitted,
	}
	if err := s.Commit(ctx, []Claim{second}, readAt); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("Expected ErrStaleWrite, got %v", err)
	}

	// A fresh read makes the retry succeed.
	if err := s.Commit(ctx, []Claim{second}, time.Now()); err != nil {
		t.Fatalf("Retry after fresh read failed: %v", err)
	}
	if got := len(s.CommittedClaims()); got != 2 {
		t.Errorf("Got %d committed claims, want 2", got)
	}
}

func TestRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	claims := []Claim{
		{ID: "c1", ResourceID: "a7-seg1", ZoneID: "aisle-7", ProposalID: "p1",
			Kind: ClaimExclusive, Window: testWindow(base, time.Hour), State: ClaimCommitted},
		{ID: "c2", ResourceID: "dock-2", ZoneID: "aisle-7", ProposalID: "p1",
			Kind: ClaimShared, Window: testWindow(base, time.Hour), State: ClaimCommitted},
	}
	if err := s.Commit(ctx, claims, time.Now()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if err := s.Release(ctx, "p1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := len(s.CommittedClaims()); got != 0 {
		t.Errorf("Got %d claims after release, want 0", got)
	}
}

func TestConstraintForbidsPair(t *testing.T) {
	fact := ConstraintFact{
		ID: "f1", ZoneID: "aisle-7", KindA: ClaimForkliftTraffic, KindB: ClaimWorkerTraffic, Hard: true,
		Description: "no worker traffic while a forklift transits a narrow aisle",
	}

	tests := []struct {
		name string
		a, b ClaimKind
		zone string
		want bool
	}{
		{"forbidden pair", ClaimForkliftTraffic, ClaimWorkerTraffic, "aisle-7", true},
		{"forbidden pair reversed", ClaimWorkerTraffic, ClaimForkliftTraffic, "aisle-7", true},
		{"different zone", ClaimForkliftTraffic, ClaimWorkerTraffic, "aisle-8", false},
		{"unrelated kinds", ClaimShared, ClaimShared, "aisle-7", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fact.ForbidsPair(tt.a, tt.b, tt.zone); got != tt.want {
				t.Errorf("ForbidsPair(%s, %s, %s) = %v, want %v", tt.a, tt.b, tt.zone, got, tt.want)
			}
		})
	}
}
