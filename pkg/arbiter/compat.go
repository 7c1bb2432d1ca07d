package arbiter

import (
	"warehouse-arbiter/pkg/worldmodel"
)

// occupant is an existing or hypothetical claim the compatibility checks
// evaluate candidate claims against.
type occupant struct {
	ResourceID string
	Kind       worldmodel.ClaimKind
	Window     worldmodel.TimeWindow
	ProposalID string
}

func (o occupant) blocking() bool {
	return o.Kind != worldmodel.ClaimShared
}

// zoneFacts bundles the constraint facts and resources the detector and
// engine query once per arbitration run, so the hot path never invents
// rules or re-queries the world model per pair.
type zoneFacts struct {
	resources map[string]worldmodel.Resource
	byRes     map[string][]worldmodel.ConstraintFact
	pairFacts []worldmodel.ConstraintFact
}

// pairForbidden returns the fact forbidding the two kinds from
// overlapping in the zone, if any.
func (zf *zoneFacts) pairForbidden(a, b worldmodel.ClaimKind, zoneID string) (worldmodel.ConstraintFact, bool) {
	for _, f := range zf.pairFacts {
		if f.ForbidsPair(a, b, zoneID) {
			return f, true
		}
	}
	return worldmodel.ConstraintFact{}, false
}

// capacityOf returns the effective concurrent-claim capacity of a
// resource, honoring resource-scoped MaxConcurrent facts. The second
// result is the hard fact that caps it, if one does.
func (zf *zoneFacts) capacityOf(resourceID string) (int, *worldmodel.ConstraintFact) {
	capacity := 1
	if r, ok := zf.resources[resourceID]; ok && r.Capacity > 0 {
		capacity = r.Capacity
	}

	var hardCap *worldmodel.ConstraintFact
	for i, f := range zf.byRes[resourceID] {
		if f.ResourceID != resourceID || f.MaxConcurrent == 0 && !f.Hard {
			continue
		}
		// MaxConcurrent 0 on a hard fact means the resource is locked
		if f.Hard && f.MaxConcurrent < capacity {
			capacity = f.MaxConcurrent
			hardCap = &zf.byRes[resourceID][i]
		} else if !f.Hard && f.MaxConcurrent > 0 && f.MaxConcurrent < capacity {
			capacity = f.MaxConcurrent
		}
	}
	return capacity, hardCap
}

// incompatible reports whether two overlapping claims cannot coexist,
// and whether the rule that forbids them is a hard safety fact.
func (zf *zoneFacts) incompatible(zoneID string, a, b occupant) (conflict bool, hard bool, kind ConflictKind) {
	if !a.Window.Overlaps(b.Window) {
		return false, false, ""
	}

	// Kind-pair facts apply across distinct resources in the same zone
	if f, ok := zf.pairForbidden(a.Kind, b.Kind, zoneID); ok {
		if a.ResourceID == b.ResourceID {
			return true, f.Hard, KindResourceContention
		}
		return true, f.Hard, KindIncompatibleUse
	}

	if a.ResourceID != b.ResourceID {
		return false, false, ""
	}

	// Same resource: exclusive claims tolerate no company, and blocking
	// claims are bounded by capacity. Capacity 1 is the common case, so
	// two blocking claims on one resource conflict.
	if a.Kind == worldmodel.ClaimExclusive || b.Kind == worldmodel.ClaimExclusive {
		_, hardCap := zf.capacityOf(a.ResourceID)
		return true, hardCap != nil, KindResourceContention
	}
	if a.blocking() && b.blocking() {
		capacity, hardCap := zf.capacityOf(a.ResourceID)
		if capacity <= 1 {
			return true, hardCap != nil, KindResourceContention
		}
	}
	return false, false, ""
}

// capacityBlocker reports whether granting the candidate would push the
// concurrent blocking occupancy of its resource above the effective
// capacity. Pairwise checks cover capacities 0 and 1; this counts the
// rest, since claims that coexist pairwise can still exceed a limit
// together. The second result is true when the binding cap is a hard
// fact.
func (zf *zoneFacts) capacityBlocker(candidate occupant, busy []occupant) (*occupant, bool) {
	if !candidate.blocking() {
		return nil, false
	}
	capacity, hardCap := zf.capacityOf(candidate.ResourceID)
	if capacity < 2 {
		return nil, false
	}

	var overlapping []occupant
	for _, o := range busy {
		if o.ResourceID != candidate.ResourceID || o.ProposalID == candidate.ProposalID || !o.blocking() {
			continue
		}
		if o.Window.Overlaps(candidate.Window) {
			overlapping = append(overlapping, o)
		}
	}
	if len(overlapping)+1 <= capacity {
		return nil, false
	}

	// Concurrency peaks at some occupant's start. Probe each start that
	// the candidate's window covers.
	for i := range overlapping {
		at := overlapping[i].Window.Start
		if at.Before(candidate.Window.Start) {
			at = candidate.Window.Start
		}
		n := 1 // the candidate itself
		for j := range overlapping {
			if !overlapping[j].Window.Start.After(at) && overlapping[j].Window.End.After(at) {
				n++
			}
		}
		if n > capacity {
			return &overlapping[i], hardCap != nil
		}
	}
	return nil, false
}

// hardViolation checks one candidate claim against the committed
// schedule and locked resources. A true result means no priority,
// confidence, or human approval can make the claim valid.
func (zf *zoneFacts) hardViolation(zoneID string, candidate occupant, committed []occupant) (bool, string) {
	// Locked or hard-capped resources forbid the claim outright
	if capacity, hardCap := zf.capacityOf(candidate.ResourceID); hardCap != nil && capacity == 0 {
		return true, hardCap.Description
	}

	for _, o := range committed {
		conflict, hard, _ := zf.incompatible(zoneID, candidate, o)
		if conflict && hard {
			if f, ok := zf.pairForbidden(candidate.Kind, o.Kind, zoneID); ok {
				return true, f.Description
			}
			return true, "hard capacity constraint on " + candidate.ResourceID
		}
	}

	if blocker, hard := zf.capacityBlocker(candidate, committed); blocker != nil && hard {
		_, hardCap := zf.capacityOf(candidate.ResourceID)
		return true, hardCap.Description
	}
	return false, ""
}
