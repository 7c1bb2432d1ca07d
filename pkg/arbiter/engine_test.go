package arbiter

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"warehouse-arbiter/pkg/estimator"
	"warehouse-arbiter/pkg/proposals"
	"warehouse-arbiter/pkg/worldmodel"
)

// hangingEstimator blocks until cancelled, to exercise the degraded path.
type hangingEstimator struct{}

func (hangingEstimator) Name() string { return "hanging" }

func (hangingEstimator) Estimate(ctx context.Context, s estimator.Sample) (estimator.Score, error) {
	<-ctx.Done()
	return estimator.Score{}, ctx.Err()
}

func newTestEngine() *Engine {
	congestion := estimator.NewGuard(estimator.NewCongestionEstimator(), time.Second, 0.5, false)
	delay := estimator.NewGuard(estimator.NewDelayCostEstimator(4*time.Hour), time.Second, 0.5, false)
	return NewEngine(congestion, delay, 4*time.Hour, 5*time.Minute, 9, false)
}

func arbitrateOne(t *testing.T, world *worldmodel.MemoryStore, e *Engine, members ...*proposals.Proposal) *Resolution {
	t.Helper()
	d := NewDetector(world, 4*time.Hour, false)
	det, err := d.Detect(context.Background(), "aisle-7", members)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(det.Groups) != 1 {
		t.Fatalf("Expected one conflict group, got %d", len(det.Groups))
	}
	return e.Arbitrate(context.Background(), det.Groups[0], det)
}

func TestArbitrateTemporalTieBreak(t *testing.T) {
	world := arbiterWorld(t)
	e := newTestEngine()

	first := testProposal("pa", "bot-a", 5, "a7-seg1", worldmodel.ClaimExclusive, window(0, time.Hour), 0)
	second := testProposal("pb", "bot-b", 5, "a7-seg1", worldmodel.ClaimExclusive, window(0, time.Hour), time.Second)

	res := arbitrateOne(t, world, e, first, second)

	if res.Dispositions["pa"] != proposals.DispositionApproved {
		t.Errorf("First submitter should keep its window, got %s", res.Dispositions["pa"])
	}
	if res.Rules["pa"] != RuleTemporalOrder {
		t.Errorf("Winner rule = %s, want %s", res.Rules["pa"], RuleTemporalOrder)
	}
	if res.Dispositions["pb"] != proposals.DispositionRescheduled {
		t.Fatalf("Later submitter should be rescheduled, got %s", res.Dispositions["pb"])
	}

	// The next free slot starts when the winner's window ends.
	w, ok := res.NewWindows["pb"]
	if !ok || !w.Start.Equal(testBase.Add(time.Hour)) {
		t.Errorf("Rescheduled window = %+v, want start at %s", w, testBase.Add(time.Hour))
	}
	if w.Duration() != time.Hour {
		t.Errorf("Reschedule must preserve duration, got %s", w.Duration())
	}
}

func TestArbitratePriorityLadder(t *testing.T) {
	world := arbiterWorld(t)
	e := newTestEngine()

	high := testProposal("p-high", "bot-a", 9, "a7-seg1", worldmodel.ClaimExclusive, window(0, time.Hour), 2*time.Second)
	mid := testProposal("p-mid", "bot-b", 7, "a7-seg1", worldmodel.ClaimExclusive, window(0, time.Hour), time.Second)
	low := testProposal("p-low", "bot-c", 5, "a7-seg1", worldmodel.ClaimExclusive, window(0, time.Hour), 0)

	res := arbitrateOne(t, world, e, high, mid, low)

	if res.Dispositions["p-high"] != proposals.DispositionApproved {
		t.Errorf("Highest priority should be approved, got %s", res.Dispositions["p-high"])
	}
	if res.Rules["p-high"] != RulePriority {
		t.Errorf("Winner rule = %s, want %s", res.Rules["p-high"], RulePriority)
	}

	midWindow := res.NewWindows["p-mid"]
	lowWindow := res.NewWindows["p-low"]
	if res.Dispositions["p-mid"] != proposals.DispositionRescheduled ||
		res.Dispositions["p-low"] != proposals.DispositionRescheduled {
		t.Fatalf("Both losers should be rescheduled: %v", res.Dispositions)
	}
	if !midWindow.Start.Equal(testBase.Add(time.Hour)) {
		t.Errorf("Mid priority window = %+v, want start %s", midWindow, testBase.Add(time.Hour))
	}
	if !lowWindow.Start.Equal(testBase.Add(2 * time.Hour)) {
		t.Errorf("Low priority window = %+v, want start %s", lowWindow, testBase.Add(2*time.Hour))
	}
}

func TestArbitrateSafetyReschedule(t *testing.T) {
	world := arbiterWorld(t)
	ctx := context.Background()

	committed := worldmodel.Claim{
		ID: "c1", ResourceID: "a7-seg1", ZoneID: "aisle-7", ProposalID: "done-1",
		Kind: worldmodel.ClaimForkliftTraffic, Window: window(0, time.Hour), State: worldmodel.ClaimCommitted,
	}
	if err := world.Commit(ctx, []worldmodel.Claim{committed}, time.Now()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	e := newTestEngine()
	walk := testProposal("pw", "picker-1", 5, "a7-seg1", worldmodel.ClaimWorkerTraffic, window(0, 30*time.Minute), 0)

	res := arbitrateOne(t, world, e, walk)

	if res.Dispositions["pw"] != proposals.DispositionRescheduled {
		t.Fatalf("Violator with free later windows should be rescheduled, got %s", res.Dispositions["pw"])
	}
	if res.Rules["pw"] != RuleSafety {
		t.Errorf("Rule = %s, want %s", res.Rules["pw"], RuleSafety)
	}
	w := res.NewWindows["pw"]
	if w.Start.Before(testBase.Add(time.Hour)) {
		t.Errorf("Rescheduled window %+v still overlaps the forklift transit", w)
	}
}

func TestArbitrateSafetyDeadlineInfeasible(t *testing.T) {
	world := arbiterWorld(t)
	ctx := context.Background()

	// The forklift holds the segment past the proposal's deadline, so no
	// compliant window exists.
	committed := worldmodel.Claim{
		ID: "c1", ResourceID: "a7-seg1", ZoneID: "aisle-7", ProposalID: "done-1",
		Kind: worldmodel.ClaimForkliftTraffic, Window: window(0, 3*time.Hour), State: worldmodel.ClaimCommitted,
	}
	if err := world.Commit(ctx, []worldmodel.Claim{committed}, time.Now()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	e := newTestEngine()
	walk := testProposal("pw", "picker-1", 5, "a7-seg1", worldmodel.ClaimWorkerTraffic, window(30*time.Minute, 30*time.Minute), 0)
	walk.Deadline = testBase.Add(90 * time.Minute)

	res := arbitrateOne(t, world, e, walk)

	if res.Dispositions["pw"] != proposals.DispositionInfeasible {
		t.Fatalf("Deadline-blocked violator should be infeasible, got %s", res.Dispositions["pw"])
	}
	if !res.ForceEscalate {
		t.Error("A group with no feasible member must force escalation")
	}
	if !res.HasInfeasible() {
		t.Error("HasInfeasible should report the case")
	}
}

func TestArbitrateDegradedEstimate(t *testing.T) {
	world := arbiterWorld(t)

	congestion := estimator.NewGuard(hangingEstimator{}, 10*time.Millisecond, 0.5, false)
	delay := estimator.NewGuard(estimator.NewDelayCostEstimator(4*time.Hour), time.Second, 0.5, false)
	e := NewEngine(congestion, delay, 4*time.Hour, 5*time.Minute, 9, false)

	a := testProposal("pa", "bot-a", 5, "a7-seg1", worldmodel.ClaimExclusive, window(0, time.Hour), 0)
	b := testProposal("pb", "bot-b", 5, "a7-seg1", worldmodel.ClaimExclusive, window(0, time.Hour), time.Second)

	res := arbitrateOne(t, world, e, a, b)

	if !res.Degraded {
		t.Error("Resolution should be flagged degraded after an estimator timeout")
	}
	if !strings.Contains(res.Summary, "Degraded estimate used") {
		t.Errorf("Summary should note the degraded estimate: %s", res.Summary)
	}
	// Arbitration still completes with a valid disposition for everyone.
	if len(res.Dispositions) != 2 {
		t.Errorf("All members need dispositions, got %v", res.Dispositions)
	}
}

func TestArbitratePriorityGapRaisesConfidence(t *testing.T) {
	world := arbiterWorld(t)
	e := newTestEngine()

	closeA := testProposal("pa", "bot-a", 5, "a7-seg1", worldmodel.ClaimExclusive, window(0, time.Hour), 0)
	closeB := testProposal("pb", "bot-b", 6, "a7-seg1", worldmodel.ClaimExclusive, window(0, time.Hour), time.Second)
	closeRes := arbitrateOne(t, world, e, closeA, closeB)

	world2 := arbiterWorld(t)
	farA := testProposal("pa", "bot-a", 1, "a7-seg1", worldmodel.ClaimExclusive, window(0, time.Hour), 0)
	farB := testProposal("pb", "bot-b", 10, "a7-seg1", worldmodel.ClaimExclusive, window(0, time.Hour), time.Second)
	farRes := arbitrateOne(t, world2, e, farA, farB)

	if farRes.Confidence <= closeRes.Confidence {
		t.Errorf("A wide priority gap should be less ambiguous: far %.2f vs close %.2f",
			farRes.Confidence, closeRes.Confidence)
	}
}

func TestArbitrateCapacityAwardsUpToLimit(t *testing.T) {
	world := arbiterWorld(t)
	if err := world.AddResource(worldmodel.Resource{
		ID: "a7-dock", Kind: worldmodel.ResourceDockDoor, ZoneID: "aisle-7", Capacity: 2,
	}); err != nil {
		t.Fatalf("AddResource failed: %v", err)
	}
	e := newTestEngine()

	a := testProposal("pa", "forklift-1", 8, "a7-dock", worldmodel.ClaimForkliftTraffic, window(0, time.Hour), 0)
	b := testProposal("pb", "forklift-2", 6, "a7-dock", worldmodel.ClaimForkliftTraffic, window(0, time.Hour), time.Second)
	c := testProposal("pc", "forklift-3", 4, "a7-dock", worldmodel.ClaimForkliftTraffic, window(0, time.Hour), 2*time.Second)

	res := arbitrateOne(t, world, e, a, b, c)

	// Two forklifts fill the dock; the third waits for a free slot.
	for _, id := range []string{"pa", "pb"} {
		if res.Dispositions[id] != proposals.DispositionApproved {
			t.Errorf("%s should be approved, got %s", id, res.Dispositions[id])
		}
	}
	if res.Dispositions["pc"] != proposals.DispositionRescheduled {
		t.Fatalf("Third forklift should be rescheduled, got %s", res.Dispositions["pc"])
	}
	w := res.NewWindows["pc"]
	if !w.Start.Equal(testBase.Add(time.Hour)) {
		t.Errorf("Rescheduled window = %+v, want start at %s", w, testBase.Add(time.Hour))
	}
}

func TestResolutionLowestRisk(t *testing.T) {
	res := newResolution("g1", testBase)
	res.setDisposition("pa", proposals.DispositionApproved, RulePriority, "highest priority")
	res.setDisposition("pb", proposals.DispositionRescheduled, RulePriority, "yielded")
	res.NewWindows["pb"] = window(time.Hour, time.Hour)
	res.setDisposition("pc", proposals.DispositionInfeasible, RuleInfeasible, "no window")

	low := res.LowestRisk()

	if low.Version != res.Version+1 {
		t.Errorf("Auto-resolution must bump the version, got %d", low.Version)
	}
	if low.Dispositions["pa"] != proposals.DispositionApproved {
		t.Error("Approved dispositions survive the auto-resolution")
	}
	for _, id := range []string{"pb", "pc"} {
		if low.Dispositions[id] != proposals.DispositionRejected {
			t.Errorf("%s should be rejected, got %s", id, low.Dispositions[id])
		}
		if low.Rules[id] != RuleDecisionTimeout {
			t.Errorf("%s rule = %s, want %s", id, low.Rules[id], RuleDecisionTimeout)
		}
	}
	if _, ok := low.NewWindows["pb"]; ok {
		t.Error("Rejected member must not keep a rescheduled window")
	}

	// The original is untouched.
	if res.Dispositions["pb"] != proposals.DispositionRescheduled {
		t.Error("LowestRisk must not mutate the source resolution")
	}
}

// The resolved schedule must be internally consistent for any mix of
// proposals: no two granted windows conflict with each other or with
// the committed claims, regardless of which rules decided them.
func TestArbitrateScheduleIsConflictFree(t *testing.T) {
	world := arbiterWorld(t)
	ctx := context.Background()

	committed := worldmodel.Claim{
		ID: "c1", ResourceID: "a7-seg1", ZoneID: "aisle-7", ProposalID: "done-1",
		Kind: worldmodel.ClaimForkliftTraffic, Window: window(0, time.Hour), State: worldmodel.ClaimCommitted,
	}
	if err := world.Commit(ctx, []worldmodel.Claim{committed}, time.Now()); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	rng := rand.New(rand.NewSource(7))
	kinds := []worldmodel.ClaimKind{
		worldmodel.ClaimExclusive, worldmodel.ClaimShared,
		worldmodel.ClaimForkliftTraffic, worldmodel.ClaimWorkerTraffic,
	}
	resources := []string{"a7-seg1", "a7-seg2"}

	var cands []*proposals.Proposal
	for i := 0; i < 8; i++ {
		p := testProposal(
			fmt.Sprintf("p%02d", i), fmt.Sprintf("bot-%d", i), 1+rng.Intn(9),
			resources[rng.Intn(len(resources))], kinds[rng.Intn(len(kinds))],
			window(time.Duration(rng.Intn(12))*15*time.Minute, 30*time.Minute),
			time.Duration(i)*time.Second)
		cands = append(cands, p)
	}

	d := NewDetector(world, 4*time.Hour, false)
	det, err := d.Detect(ctx, "aisle-7", cands)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	e := newTestEngine()
	for _, g := range det.Groups {
		res := e.Arbitrate(ctx, g, det)

		granted := append([]occupant{}, det.committed...)
		for _, p := range g.Members {
			var w worldmodel.TimeWindow
			switch res.Dispositions[p.ID] {
			case proposals.DispositionApproved:
				w = p.Window
			case proposals.DispositionRescheduled:
				w = res.NewWindows[p.ID]
			default:
				continue
			}
			claims := claimsAt(p, w)
			if blocker := firstConflict(det.facts, "aisle-7", claims, granted); blocker != nil {
				t.Errorf("Proposal %s granted %s-%s conflicts with %s",
					p.ID, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339), blocker.ProposalID)
			}
			granted = append(granted, claims...)
		}
	}

	for _, p := range det.Unconflicted {
		if blocker := firstConflict(det.facts, "aisle-7", claimsAt(p, p.Window), det.committed); blocker != nil {
			t.Errorf("Unconflicted proposal %s clashes with committed claim of %s", p.ID, blocker.ProposalID)
		}
	}
}
