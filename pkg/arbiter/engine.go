package arbiter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"warehouse-arbiter/pkg/estimator"
	"warehouse-arbiter/pkg/proposals"
	"warehouse-arbiter/pkg/utils"
	"warehouse-arbiter/pkg/worldmodel"
)

// Engine applies the ordered arbitration policy to one conflict group:
// safety, then priority, then submission order, then global cost. Later
// rules only break ties left by earlier ones.
type Engine struct {
	congestion *estimator.Guard
	delay      *estimator.Guard

	horizon time.Duration
	step    time.Duration

	// prioritySpan is the width of the accepted priority scale, used to
	// measure how close competing priorities were.
	prioritySpan float64

	// maxCandidates bounds the reschedule windows kept per proposal;
	// maxCombos bounds the joint assignments scored for global cost.
	maxCandidates int
	maxCombos     int

	logger *utils.Logger
}

// NewEngine creates an arbitration engine. Estimator guards are taken
// already wrapped so every call carries the timeout and degraded
// fallback.
func NewEngine(congestion, delay *estimator.Guard, horizon, step time.Duration, prioritySpan int, verbose bool) *Engine {
	if prioritySpan <= 0 {
		prioritySpan = 9
	}
	return &Engine{
		congestion:    congestion,
		delay:         delay,
		horizon:       horizon,
		step:          step,
		prioritySpan:  float64(prioritySpan),
		maxCandidates: 3,
		maxCombos:     12,
		logger:        utils.NewLogger("engine", verbose),
	}
}

// Arbitrate resolves one conflict group against the detection snapshot.
// It always returns a resolution; estimator failures degrade the result
// rather than aborting it.
func (e *Engine) Arbitrate(ctx context.Context, g *ConflictGroup, det *Detection) *Resolution {
	res := newResolution(g.ID, det.SnapshotAt)
	facts := det.facts
	busy := make([]occupant, len(det.committed))
	copy(busy, det.committed)

	congScore := e.scoreCongestion(ctx, g, det, res)

	// Rule 1, first half: partition members into safety violators and
	// survivors. A violator's claim at its requested window breaks a
	// hard fact against the committed schedule; no priority can win it
	// that window.
	var survivors, violators []*proposals.Proposal
	violationRule := make(map[string]string)
	for _, p := range g.Members {
		if rule, violated := e.requestedViolation(facts, g.ZoneID, p, det.committed); violated {
			violators = append(violators, p)
			violationRule[p.ID] = rule
			continue
		}
		survivors = append(survivors, p)
	}

	// Rules 2 and 3: priority wins the contended window, submission
	// order breaks priority ties. The sort order is the award order.
	sort.Slice(survivors, func(i, j int) bool {
		a, b := survivors[i], survivors[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID < b.ID
	})

	var needReschedule []*proposals.Proposal
	for _, p := range survivors {
		claims := claimsAt(p, p.Window)
		if blocker := firstConflict(facts, g.ZoneID, claims, busy); blocker == nil {
			rule, why := e.winnerRule(facts, g, p)
			res.setDisposition(p.ID, proposals.DispositionApproved, rule, why)
			busy = append(busy, claims...)
			continue
		}
		needReschedule = append(needReschedule, p)
	}

	// Rule 2, second half: losers move to the earliest subsequent free
	// window that their own deadline still allows. Rule 4 then picks
	// among multiple feasible assignments by total group delay.
	e.reschedule(ctx, g, res, facts, needReschedule, &busy, false, violationRule)

	// Rule 1, second half: safety violators may only re-enter the
	// schedule in a window that clears the hard fact entirely.
	e.reschedule(ctx, g, res, facts, violators, &busy, true, violationRule)

	allDenied := true
	for _, d := range res.Dispositions {
		if d == proposals.DispositionApproved || d == proposals.DispositionRescheduled {
			allDenied = false
			break
		}
	}
	res.ForceEscalate = allDenied && len(g.Members) > 0

	res.Confidence = e.confidence(facts, g, res, congScore)
	res.buildSummary(g)
	return res
}

// scoreCongestion fetches the per-group congestion score, degrading the
// resolution when the estimator times out.
func (e *Engine) scoreCongestion(ctx context.Context, g *ConflictGroup, det *Detection, res *Resolution) estimator.Score {
	claims := make([]worldmodel.Claim, 0, len(det.committed))
	for _, o := range det.committed {
		claims = append(claims, worldmodel.Claim{
			ResourceID: o.ResourceID, ZoneID: g.ZoneID, Kind: o.Kind,
			Window: o.Window, State: worldmodel.ClaimCommitted,
		})
	}
	score, err := e.congestion.Estimate(ctx, estimator.Sample{
		GroupID: g.ID, ZoneID: g.ZoneID, Window: g.Window,
		Members: len(g.Members), Claims: claims,
	})
	if err != nil || score.Degraded {
		res.Degraded = true
	}
	return score
}

// requestedViolation checks a proposal's claims at its requested window
// against hard facts and the committed schedule.
func (e *Engine) requestedViolation(facts *zoneFacts, zoneID string, p *proposals.Proposal, committed []occupant) (string, bool) {
	for _, c := range p.Claims {
		cand := occupant{ResourceID: c.ResourceID, Kind: c.Kind, Window: p.Window, ProposalID: p.ID}
		if violated, rule := facts.hardViolation(zoneID, cand, committed); violated {
			return rule, true
		}
	}
	return "", false
}

// winnerRule names the rule under which a proposal kept its requested
// window, from the strongest contender it beat.
func (e *Engine) winnerRule(facts *zoneFacts, g *ConflictGroup, p *proposals.Proposal) (string, string) {
	contended := false
	tieBroken := false
	for _, m := range g.Members {
		if m.ID == p.ID {
			continue
		}
		if _, ok := proposalsIntersect(facts, g.ZoneID, p, m); !ok {
			continue
		}
		contended = true
		if m.Priority == p.Priority && p.SubmittedAt.Before(m.SubmittedAt) {
			tieBroken = true
		}
	}
	if !contended {
		return RuleNoContention, "claims nothing contended in this group"
	}
	if tieBroken {
		return RuleTemporalOrder, fmt.Sprintf("equal priority %d, submitted first", p.Priority)
	}
	return RulePriority, fmt.Sprintf("highest priority %d among contenders", p.Priority)
}

// loserRule names the rule that cost a proposal its requested window.
func loserRule(g *ConflictGroup, facts *zoneFacts, p *proposals.Proposal) (string, string) {
	for _, m := range g.Members {
		if m.ID == p.ID {
			continue
		}
		if _, ok := proposalsIntersect(facts, g.ZoneID, p, m); !ok {
			continue
		}
		if m.Priority > p.Priority {
			return RulePriority, fmt.Sprintf("yielded to higher-priority proposal %s (%d > %d)", m.ID, m.Priority, p.Priority)
		}
		if m.Priority == p.Priority && m.SubmittedAt.Before(p.SubmittedAt) {
			return RuleTemporalOrder, fmt.Sprintf("equal priority %d, proposal %s submitted earlier", p.Priority, m.ID)
		}
	}
	// No single peer beat the proposal head to head: the window filled
	// up, from committed claims or from peers ahead in award order.
	return RuleTemporalOrder, "requested window full before this proposal's turn in award order"
}

// candidateSet is one proposal's feasible reschedule windows, earliest
// first.
type candidateSet struct {
	proposal *proposals.Proposal
	windows  []worldmodel.TimeWindow
}

// reschedule moves each proposal to a later window. When safetyMove is
// set the proposals are hard-fact violators and their rationale names
// the violated fact; otherwise they are contention losers.
func (e *Engine) reschedule(ctx context.Context, g *ConflictGroup, res *Resolution, facts *zoneFacts,
	members []*proposals.Proposal, busy *[]occupant, safetyMove bool, violationRule map[string]string) {

	var sets []candidateSet
	for _, p := range members {
		windows, deadlineBlocked := e.searchWindows(facts, g.ZoneID, p, *busy)
		if len(windows) == 0 {
			why := "no free safety-compliant window within the search horizon"
			if deadlineBlocked {
				why = "every free window ends past the proposal deadline"
			}
			if safetyMove {
				why = fmt.Sprintf("violates hard constraint (%s); %s", violationRule[p.ID], why)
			}
			res.setDisposition(p.ID, proposals.DispositionInfeasible, RuleInfeasible, why)
			continue
		}

		sets = append(sets, candidateSet{proposal: p, windows: windows})
		// Tentatively occupy the earliest window so later members search
		// against it; the global-cost pass below may swap it.
		*busy = append(*busy, claimsAt(p, windows[0])...)
	}

	if len(sets) == 0 {
		return
	}

	chosen, combos := e.minimizeTotalDelay(ctx, g, facts, sets, *busy)
	res.Alternatives = append(res.Alternatives, alternativesOf(sets, chosen)...)

	// Replace the tentative greedy claims with the chosen assignment so
	// the next pass sees the schedule that will actually be committed.
	*busy = (*busy)[:len(*busy)-totalClaims(sets)]
	for i, set := range sets {
		*busy = append(*busy, claimsAt(set.proposal, chosen[i])...)
	}

	for i, set := range sets {
		p := set.proposal
		w := chosen[i]
		rule, why := loserRule(g, facts, p)
		if safetyMove {
			rule = RuleSafety
			why = fmt.Sprintf("moved off hard constraint violation (%s)", violationRule[p.ID])
		} else if combos > 1 && !w.Start.Equal(set.windows[0].Start) {
			rule = RuleGlobalCost
			why = fmt.Sprintf("%s; window chosen to minimize total group delay", why)
		}
		res.setDisposition(p.ID, proposals.DispositionRescheduled, rule,
			fmt.Sprintf("%s; rescheduled to %s-%s", why, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339)))
		res.NewWindows[p.ID] = w
	}
}

// searchWindows walks forward from the requested window in fixed steps,
// collecting windows that are free of contention and hard violations and
// end before the proposal's deadline.
func (e *Engine) searchWindows(facts *zoneFacts, zoneID string, p *proposals.Proposal, busy []occupant) ([]worldmodel.TimeWindow, bool) {
	var out []worldmodel.TimeWindow
	deadlineBlocked := false

	for shift := e.step; shift <= e.horizon; shift += e.step {
		w := p.Window.Shift(shift)
		if p.DeadlineExceeded(w) {
			deadlineBlocked = true
			break
		}

		claims := claimsAt(p, w)
		if firstConflict(facts, zoneID, claims, busy) != nil {
			continue
		}
		hardOK := true
		for _, c := range claims {
			if violated, _ := facts.hardViolation(zoneID, c, busy); violated {
				hardOK = false
				break
			}
		}
		if !hardOK {
			continue
		}

		out = append(out, w)
		if len(out) >= e.maxCandidates {
			break
		}
	}
	return out, deadlineBlocked && len(out) == 0
}

// minimizeTotalDelay enumerates joint assignments of the candidate
// windows, scores each by total delay across the group via the cost
// estimator, and returns the cheapest feasible one. The combination
// count and the estimator calls are bounded per group, never per
// proposal.
func (e *Engine) minimizeTotalDelay(ctx context.Context, g *ConflictGroup, facts *zoneFacts,
	sets []candidateSet, busyWithGreedy []occupant) ([]worldmodel.TimeWindow, int) {

	greedy := make([]worldmodel.TimeWindow, len(sets))
	for i, s := range sets {
		greedy[i] = s.windows[0]
	}

	total := 1
	for _, s := range sets {
		total *= len(s.windows)
	}
	if total <= 1 || total > e.maxCombos {
		return greedy, 1
	}

	// The busy set already holds the greedy choices; strip them so joint
	// validation starts from committed claims and approved winners only.
	base := busyWithGreedy[:len(busyWithGreedy)-totalClaims(sets)]

	best := greedy
	bestCost := e.comboCost(ctx, g, sets, greedy)
	feasible := 1

	combo := make([]int, len(sets))
	for {
		if !advance(combo, sets) {
			break
		}
		windows := make([]worldmodel.TimeWindow, len(sets))
		for i := range sets {
			windows[i] = sets[i].windows[combo[i]]
		}
		if !jointlyFeasible(facts, g.ZoneID, sets, windows, base) {
			continue
		}
		feasible++
		if cost := e.comboCost(ctx, g, sets, windows); cost < bestCost {
			bestCost = cost
			best = windows
		}
	}

	return best, feasible
}

// comboCost scores one joint assignment by total delay via the cost
// estimator.
func (e *Engine) comboCost(ctx context.Context, g *ConflictGroup, sets []candidateSet, windows []worldmodel.TimeWindow) float64 {
	delays := make([]time.Duration, len(sets))
	for i, s := range sets {
		delays[i] = windows[i].Start.Sub(s.proposal.Window.Start)
	}
	score, err := e.delay.Estimate(ctx, estimator.Sample{
		GroupID: g.ID, ZoneID: g.ZoneID, Window: g.Window,
		Members: len(g.Members), CandidateDelays: delays,
	})
	if err != nil {
		e.logger.Warning("delay estimate for group %s degraded: %v", g.ID, err)
	}
	return score.Value
}

// confidence derives 1 minus an ambiguity measure: how close competing
// priorities were, how many feasible reschedulings existed, and how
// contended the zone is.
func (e *Engine) confidence(facts *zoneFacts, g *ConflictGroup, res *Resolution, congestion estimator.Score) float64 {
	closeness := 0.0
	for i := 0; i < len(g.Members); i++ {
		for j := i + 1; j < len(g.Members); j++ {
			a, b := g.Members[i], g.Members[j]
			if _, ok := proposalsIntersect(facts, g.ZoneID, a, b); !ok {
				continue
			}
			diff := float64(a.Priority - b.Priority)
			if diff < 0 {
				diff = -diff
			}
			if c := 1 - diff/e.prioritySpan; c > closeness {
				closeness = c
			}
		}
	}

	extra := float64(len(res.Alternatives))
	if extra > 4 {
		extra = 4
	}

	ambiguity := 0.3*closeness + 0.05*extra + 0.1*congestion.Value
	if res.Degraded {
		ambiguity += 0.05
	}

	c := 1 - ambiguity
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

// Helpers

func claimsAt(p *proposals.Proposal, w worldmodel.TimeWindow) []occupant {
	out := make([]occupant, 0, len(p.Claims))
	for _, c := range p.Claims {
		out = append(out, occupant{ResourceID: c.ResourceID, Kind: c.Kind, Window: w, ProposalID: p.ID})
	}
	return out
}

// firstConflict returns the first busy occupant any candidate claim
// cannot coexist with, or nil when the window is free.
func firstConflict(facts *zoneFacts, zoneID string, claims, busy []occupant) *occupant {
	for _, c := range claims {
		for i, o := range busy {
			if o.ProposalID == c.ProposalID {
				continue
			}
			if conflict, _, _ := facts.incompatible(zoneID, c, o); conflict {
				return &busy[i]
			}
		}
		if blocker, _ := facts.capacityBlocker(c, busy); blocker != nil {
			return blocker
		}
	}
	return nil
}

func totalClaims(sets []candidateSet) int {
	n := 0
	for _, s := range sets {
		n += len(s.proposal.Claims)
	}
	return n
}

// advance steps the mixed-radix counter over candidate indexes; false
// means all combinations were visited.
func advance(combo []int, sets []candidateSet) bool {
	for i := len(combo) - 1; i >= 0; i-- {
		combo[i]++
		if combo[i] < len(sets[i].windows) {
			return true
		}
		combo[i] = 0
	}
	return false
}

func jointlyFeasible(facts *zoneFacts, zoneID string, sets []candidateSet, windows []worldmodel.TimeWindow, base []occupant) bool {
	busy := make([]occupant, len(base))
	copy(busy, base)
	for i, s := range sets {
		claims := claimsAt(s.proposal, windows[i])
		if firstConflict(facts, zoneID, claims, busy) != nil {
			return false
		}
		for _, c := range claims {
			if violated, _ := facts.hardViolation(zoneID, c, base); violated {
				return false
			}
		}
		busy = append(busy, claims...)
	}
	return true
}

func alternativesOf(sets []candidateSet, chosen []worldmodel.TimeWindow) []Alternative {
	var out []Alternative
	for i, s := range sets {
		for _, w := range s.windows {
			if w.Start.Equal(chosen[i].Start) {
				continue
			}
			out = append(out, Alternative{
				ProposalID: s.proposal.ID,
				Window:     w,
				Cost:       float64(w.Start.Sub(s.proposal.Window.Start)) / float64(time.Hour),
			})
		}
	}
	return out
}
