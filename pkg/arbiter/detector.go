package arbiter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"warehouse-arbiter/pkg/proposals"
	"warehouse-arbiter/pkg/utils"
	"warehouse-arbiter/pkg/worldmodel"
)

// Detection carries everything one detection pass learned about a zone,
// so the engine never re-queries the world model mid-arbitration.
type Detection struct {
	Groups       []*ConflictGroup
	Unconflicted []*proposals.Proposal

	facts     *zoneFacts
	committed []occupant

	// SnapshotAt is when the committed schedule was read; commits are
	// conditioned on it.
	SnapshotAt time.Time
}

// Detector groups active proposals into conflict groups using world
// model relationships. Comparisons are scoped to proposals active in the
// same zone, keeping discovery sub-linear in total proposal history.
type Detector struct {
	world   worldmodel.QueryInterface
	horizon time.Duration
	logger  *utils.Logger
}

// NewDetector creates a conflict detector over the given world model.
// The horizon extends the committed-claim lookup past the candidate
// windows so the engine can search reschedule slots without another
// round trip.
func NewDetector(world worldmodel.QueryInterface, horizon time.Duration, verbose bool) *Detector {
	return &Detector{
		world:   world,
		horizon: horizon,
		logger:  utils.NewLogger("detector", verbose),
	}
}

// Detect partitions the zone's candidate proposals into conflict groups.
// Two proposals intersect when they claim the same resource (or
// incompatible kinds in the same zone), their windows overlap, and the
// constraint facts forbid concurrent claims of their kinds. Proposals
// that intersect nothing are returned unconflicted for direct approval.
// Must be called with the zone lock held.
func (d *Detector) Detect(ctx context.Context, zoneID string, candidates []*proposals.Proposal) (*Detection, error) {
	facts, err := d.loadFacts(ctx, candidates)
	if err != nil {
		return nil, err
	}

	committed, snapshot, err := d.loadCommitted(ctx, zoneID, facts, candidates)
	if err != nil {
		return nil, err
	}

	// Union-find over candidate indexes. Union by size implements the
	// grouping tie-break: ambiguous membership goes to the larger group.
	parent := make([]int, len(candidates))
	size := make([]int, len(candidates))
	kind := make([]ConflictKind, len(candidates))
	conflicted := make([]bool, len(candidates))
	for i := range parent {
		parent[i] = i
		size[i] = 1
		kind[i] = KindIncompatibleUse
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int, k ConflictKind) {
		ra, rb := find(a), find(b)
		conflicted[a], conflicted[b] = true, true
		if ra == rb {
			kind[ra] = escalateKind(kind[ra], k)
			return
		}
		if size[ra] < size[rb] {
			ra, rb = rb, ra
		}
		parent[rb] = ra
		size[ra] += size[rb]
		kind[ra] = escalateKind(escalateKind(kind[ra], kind[rb]), k)
	}

	// Safety violations against the committed schedule form a group even
	// with a single member; they must never be silently dropped.
	for i, p := range candidates {
		for _, c := range p.Claims {
			cand := occupant{ResourceID: c.ResourceID, Kind: c.Kind, Window: p.Window, ProposalID: p.ID}
			if violated, rule := facts.hardViolation(zoneID, cand, committed); violated {
				conflicted[i] = true
				kind[find(i)] = KindSafetyViolation
				d.logger.Info("proposal %s violates hard constraint: %s", p.ID, rule)
				break
			}
		}
	}

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if k, ok := proposalsIntersect(facts, zoneID, candidates[i], candidates[j]); ok {
				union(i, j, k)
			}
		}
	}

	// Capacity is a concurrency count, not a pairwise relation: claims
	// that coexist pairwise can still exceed a resource's limit
	// together. Union every candidate that contributes to an
	// over-capacity instant, counting committed holders too.
	for resID := range facts.resources {
		capacity, _ := facts.capacityOf(resID)
		if capacity < 2 {
			continue
		}
		type holder struct {
			idx int // candidate index, -1 for a committed claim
			w   worldmodel.TimeWindow
		}
		var holders []holder
		for i, p := range candidates {
			for _, c := range p.Claims {
				if c.ResourceID != resID || !(occupant{Kind: c.Kind}).blocking() {
					continue
				}
				holders = append(holders, holder{idx: i, w: p.Window})
			}
		}
		if len(holders) == 0 {
			continue
		}
		for _, o := range committed {
			if o.ResourceID == resID && o.blocking() {
				holders = append(holders, holder{idx: -1, w: o.Window})
			}
		}

		// Concurrency peaks at some holder's window start.
		for _, h := range holders {
			at := h.w.Start
			n := 0
			var members []int
			for _, o := range holders {
				if !o.w.Start.After(at) && o.w.End.After(at) {
					n++
					if o.idx >= 0 {
						members = append(members, o.idx)
					}
				}
			}
			if n <= capacity || len(members) == 0 {
				continue
			}
			for _, idx := range members {
				conflicted[idx] = true
				kind[find(idx)] = escalateKind(kind[find(idx)], KindResourceContention)
			}
			for i := 1; i < len(members); i++ {
				union(members[0], members[i], KindResourceContention)
			}
		}
	}

	// Contention with the committed schedule needs arbitration too; an
	// unconflicted pass-through would double-book the resource.
	for i, p := range candidates {
		if conflicted[i] {
			continue
		}
	committedScan:
		for _, c := range p.Claims {
			cand := occupant{ResourceID: c.ResourceID, Kind: c.Kind, Window: p.Window, ProposalID: p.ID}
			for _, o := range committed {
				if conflict, _, k := facts.incompatible(zoneID, cand, o); conflict {
					conflicted[i] = true
					kind[find(i)] = escalateKind(kind[find(i)], k)
					break committedScan
				}
			}
		}
	}

	det := &Detection{facts: facts, committed: committed, SnapshotAt: snapshot}
	byRoot := make(map[int]*ConflictGroup)
	for i, p := range candidates {
		if !conflicted[i] {
			det.Unconflicted = append(det.Unconflicted, p)
			continue
		}
		root := find(i)
		g, ok := byRoot[root]
		if !ok {
			g = newGroup(zoneID, kind[root])
			g.SnapshotAt = snapshot
			byRoot[root] = g
			det.Groups = append(det.Groups, g)
		}
		g.add(p)
		if p.RiskScore > g.RiskScore {
			g.RiskScore = p.RiskScore
		}
	}

	for _, g := range det.Groups {
		d.logger.Debug("conflict group %s in zone %s: kind=%s members=%d resources=%v",
			g.ID, zoneID, g.Kind, len(g.Members), g.Resources)
	}
	return det, nil
}

// proposalsIntersect reports whether any claim pair of the two proposals
// cannot coexist, and the kind of the conflict.
func proposalsIntersect(facts *zoneFacts, zoneID string, a, b *proposals.Proposal) (ConflictKind, bool) {
	if !a.Window.Overlaps(b.Window) {
		return "", false
	}
	result := ConflictKind("")
	for _, ca := range a.Claims {
		for _, cb := range b.Claims {
			oa := occupant{ResourceID: ca.ResourceID, Kind: ca.Kind, Window: a.Window, ProposalID: a.ID}
			ob := occupant{ResourceID: cb.ResourceID, Kind: cb.Kind, Window: b.Window, ProposalID: b.ID}
			if conflict, _, k := facts.incompatible(zoneID, oa, ob); conflict {
				if result == "" {
					result = k
				} else {
					result = escalateKind(result, k)
				}
			}
		}
	}
	return result, result != ""
}

// CheckWindow validates a proposal's claims at an alternate window
// against the hard constraint facts and the committed schedule. Only
// hard safety is checked here: a reviewer may accept contention, but
// never a hard violation.
func (d *Detector) CheckWindow(ctx context.Context, zoneID string, p *proposals.Proposal, w worldmodel.TimeWindow) error {
	moved := *p
	moved.Window = w

	facts, err := d.loadFacts(ctx, []*proposals.Proposal{&moved})
	if err != nil {
		return err
	}
	committed, _, err := d.loadCommitted(ctx, zoneID, facts, []*proposals.Proposal{&moved})
	if err != nil {
		return err
	}

	for _, c := range p.Claims {
		cand := occupant{ResourceID: c.ResourceID, Kind: c.Kind, Window: w, ProposalID: p.ID}
		if violated, desc := facts.hardViolation(zoneID, cand, committed); violated {
			return fmt.Errorf("hard constraint violated: %s", desc)
		}
	}
	return nil
}

func (d *Detector) loadFacts(ctx context.Context, candidates []*proposals.Proposal) (*zoneFacts, error) {
	zf := &zoneFacts{
		resources: make(map[string]worldmodel.Resource),
		byRes:     make(map[string][]worldmodel.ConstraintFact),
	}
	seenFacts := make(map[string]struct{})

	for _, p := range candidates {
		for _, c := range p.Claims {
			if _, ok := zf.resources[c.ResourceID]; ok {
				continue
			}
			res, _, err := d.world.Resource(ctx, c.ResourceID)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve resource %s: %w", c.ResourceID, err)
			}
			zf.resources[c.ResourceID] = res

			facts, _, err := d.world.ConstraintsFor(ctx, c.ResourceID)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch constraints for %s: %w", c.ResourceID, err)
			}
			for _, f := range facts {
				if f.ResourceID != "" {
					zf.byRes[f.ResourceID] = append(zf.byRes[f.ResourceID], f)
					continue
				}
				if _, dup := seenFacts[f.ID]; !dup {
					seenFacts[f.ID] = struct{}{}
					zf.pairFacts = append(zf.pairFacts, f)
				}
			}
		}
	}
	return zf, nil
}

// loadCommitted reads the committed schedule of every zone the
// candidates claim into, not just the zone being arbitrated: a proposal
// finalized here commits all of its claims, so each one must be checked
// against its own zone's schedule.
func (d *Detector) loadCommitted(ctx context.Context, zoneID string, facts *zoneFacts, candidates []*proposals.Proposal) ([]occupant, time.Time, error) {
	if len(candidates) == 0 {
		return nil, time.Now(), nil
	}

	span := candidates[0].Window
	for _, p := range candidates[1:] {
		if p.Window.Start.Before(span.Start) {
			span.Start = p.Window.Start
		}
		if p.Window.End.After(span.End) {
			span.End = p.Window.End
		}
	}
	span.End = span.End.Add(d.horizon)

	zoneSet := map[string]struct{}{zoneID: {}}
	for _, r := range facts.resources {
		if r.ZoneID != "" {
			zoneSet[r.ZoneID] = struct{}{}
		}
	}
	zones := make([]string, 0, len(zoneSet))
	for z := range zoneSet {
		zones = append(zones, z)
	}
	sort.Strings(zones)

	var out []occupant
	var taken time.Time
	for _, z := range zones {
		claims, snap, err := d.world.ClaimsInRange(ctx, z, span)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to list claims for zone %s: %w", z, err)
		}
		// The commit is conditioned on the oldest read, so a racing
		// commit in any of the zones is caught.
		if taken.IsZero() || snap.Taken.Before(taken) {
			taken = snap.Taken
		}
		for _, c := range claims {
			if c.State != worldmodel.ClaimCommitted {
				continue
			}
			out = append(out, occupant{ResourceID: c.ResourceID, Kind: c.Kind, Window: c.Window, ProposalID: c.ProposalID})
		}
	}
	return out, taken, nil
}
