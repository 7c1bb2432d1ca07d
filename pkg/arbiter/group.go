package arbiter

import (
	"time"

	"github.com/google/uuid"

	"warehouse-arbiter/pkg/proposals"
	"warehouse-arbiter/pkg/worldmodel"
)

// ConflictKind classifies why a group's claims are jointly infeasible
type ConflictKind string

const (
	// KindSafetyViolation means a claim violates a hard constraint fact
	// against the committed schedule; single-proposal groups are allowed
	KindSafetyViolation ConflictKind = "safety_violation"
	// KindResourceContention means claims compete for the same resource
	KindResourceContention ConflictKind = "resource_contention"
	// KindIncompatibleUse means claims on different resources cannot run
	// concurrently in the same zone per a kind-pair fact
	KindIncompatibleUse ConflictKind = "incompatible_use"
)

// ConflictGroup is a set of proposals whose resource and time claims are
// jointly infeasible. Created by the detector, consumed and destroyed by
// the arbitration engine.
type ConflictGroup struct {
	ID     string       `json:"id"`
	ZoneID string       `json:"zone_id"`
	Kind   ConflictKind `json:"kind"`

	Members   []*proposals.Proposal `json:"members"`
	Resources []string              `json:"resources"`

	// Window spans the members' overlapping claim windows
	Window worldmodel.TimeWindow `json:"window"`

	// RiskScore aggregates member risk scores
	RiskScore float64 `json:"risk_score"`

	// SnapshotAt is the world-model snapshot the detection was based on;
	// commits of the eventual resolution are conditioned on it.
	SnapshotAt time.Time `json:"snapshot_at"`

	DetectedAt time.Time `json:"detected_at"`
}

func newGroup(zoneID string, kind ConflictKind) *ConflictGroup {
	return &ConflictGroup{
		ID:         uuid.NewString(),
		ZoneID:     zoneID,
		Kind:       kind,
		DetectedAt: time.Now(),
	}
}

// MemberIDs returns the ids of all member proposals
func (g *ConflictGroup) MemberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.ID)
	}
	return ids
}

func (g *ConflictGroup) contains(id string) bool {
	for _, m := range g.Members {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (g *ConflictGroup) add(p *proposals.Proposal) {
	if g.contains(p.ID) {
		return
	}
	g.Members = append(g.Members, p)

	seen := make(map[string]struct{}, len(g.Resources))
	for _, r := range g.Resources {
		seen[r] = struct{}{}
	}
	for _, c := range p.Claims {
		if _, ok := seen[c.ResourceID]; !ok {
			g.Resources = append(g.Resources, c.ResourceID)
			seen[c.ResourceID] = struct{}{}
		}
	}

	if !g.Window.Valid() {
		g.Window = p.Window
		return
	}
	if p.Window.Start.Before(g.Window.Start) {
		g.Window.Start = p.Window.Start
	}
	if p.Window.End.After(g.Window.End) {
		g.Window.End = p.Window.End
	}
}

// escalateKind returns the more severe of two conflict kinds; safety
// dominates everything.
func escalateKind(a, b ConflictKind) ConflictKind {
	if a == KindSafetyViolation || b == KindSafetyViolation {
		return KindSafetyViolation
	}
	if a == KindResourceContention || b == KindResourceContention {
		return KindResourceContention
	}
	return KindIncompatibleUse
}
