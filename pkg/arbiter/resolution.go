package arbiter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"warehouse-arbiter/pkg/proposals"
	"warehouse-arbiter/pkg/worldmodel"
)

// Arbitration rules, in strict application order. Later rules only break
// ties left by earlier ones; the deciding rule is recorded per proposal
// so every disposition is explainable.
const (
	// RuleSafety rejected or moved a claim that violates a hard
	// constraint fact
	RuleSafety = "safety"
	// RulePriority awarded the contended window to the higher priority
	RulePriority = "priority"
	// RuleTemporalOrder broke an equal-priority tie first-submitted-first-served
	RuleTemporalOrder = "temporal_order"
	// RuleGlobalCost picked among feasible reschedulings by total group
	// delay
	RuleGlobalCost = "global_cost"
	// RuleNoContention means the proposal never competed with a peer
	RuleNoContention = "no_contention"
	// RuleInfeasible means no safety-compliant disposition exists
	RuleInfeasible = "infeasible"
	// RuleHumanReview marks a disposition set or altered by a reviewer
	RuleHumanReview = "human_review"
	// RuleDecisionTimeout marks the auto-resolution of an expired
	// decision request
	RuleDecisionTimeout = "decision_timeout"
)

// Alternative is a feasible rescheduling the engine considered but did
// not pick; surfaced to the planner on escalation.
type Alternative struct {
	ProposalID string                `json:"proposal_id"`
	Window     worldmodel.TimeWindow `json:"window"`
	Cost       float64               `json:"cost"`
}

// Resolution is the output of arbitration for one conflict group: a
// disposition per member proposal, the deciding rule behind each, and a
// confidence value. Resolutions are versioned; a resolution may still
// require a human decision before being committed.
type Resolution struct {
	ID      string `json:"id"`
	GroupID string `json:"group_id"`
	Version int    `json:"version"`

	Dispositions map[string]proposals.Disposition `json:"dispositions"`
	NewWindows   map[string]worldmodel.TimeWindow `json:"new_windows,omitempty"`
	Rules        map[string]string                `json:"rules"`
	Rationales   map[string]string                `json:"rationales"`

	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`

	// ForceEscalate is set when rejecting safety violators left no
	// feasible combination; the gate always escalates such resolutions.
	ForceEscalate bool `json:"force_escalate"`

	// Degraded marks that an estimator timed out and a stale score was
	// used; noted in the summary and audited.
	Degraded bool `json:"degraded"`

	Alternatives []Alternative `json:"alternatives,omitempty"`

	// SnapshotAt is the world-model snapshot arbitration was based on;
	// the finalizer conditions its commit on it.
	SnapshotAt time.Time `json:"snapshot_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func newResolution(groupID string, snapshotAt time.Time) *Resolution {
	return &Resolution{
		ID:           uuid.NewString(),
		GroupID:      groupID,
		Version:      1,
		Dispositions: make(map[string]proposals.Disposition),
		NewWindows:   make(map[string]worldmodel.TimeWindow),
		Rules:        make(map[string]string),
		Rationales:   make(map[string]string),
		SnapshotAt:   snapshotAt,
		CreatedAt:    time.Now(),
	}
}

// NewDirectResolution builds the trivial resolution for a proposal that
// conflicted with nothing: approved at its requested window, full
// confidence.
func NewDirectResolution(proposalID string, snapshotAt time.Time) *Resolution {
	r := newResolution("direct:"+proposalID, snapshotAt)
	r.setDisposition(proposalID, proposals.DispositionApproved, RuleNoContention, "no conflicting claims detected")
	r.Confidence = 1
	r.Summary = fmt.Sprintf("proposal %s approved without contention", proposalID)
	return r
}

// HasInfeasible reports whether any member ended up with no
// safety-compliant disposition.
func (r *Resolution) HasInfeasible() bool {
	for _, d := range r.Dispositions {
		if d == proposals.DispositionInfeasible {
			return true
		}
	}
	return false
}

// LowestRisk returns a copy of the resolution with every non-approved
// disposition downgraded to rejected. It is the auto-resolution applied
// when a decision request times out: nothing new is committed beyond
// what the engine already found safe.
func (r *Resolution) LowestRisk() *Resolution {
	out := r.Clone()
	out.Version = r.Version + 1
	for id, d := range r.Dispositions {
		if d == proposals.DispositionApproved {
			continue
		}
		out.Dispositions[id] = proposals.DispositionRejected
		out.Rules[id] = RuleDecisionTimeout
		out.Rationales[id] = "rejected by decision timeout auto-resolution: " + r.Rationales[id]
		delete(out.NewWindows, id)
	}
	return out
}

// Clone returns a deep copy so review edits never mutate the resolution
// the engine produced.
func (r *Resolution) Clone() *Resolution {
	out := *r
	out.Dispositions = make(map[string]proposals.Disposition, len(r.Dispositions))
	out.NewWindows = make(map[string]worldmodel.TimeWindow, len(r.NewWindows))
	out.Rules = make(map[string]string, len(r.Rules))
	out.Rationales = make(map[string]string, len(r.Rationales))
	for k, v := range r.Dispositions {
		out.Dispositions[k] = v
	}
	for k, v := range r.NewWindows {
		out.NewWindows[k] = v
	}
	for k, v := range r.Rules {
		out.Rules[k] = v
	}
	for k, v := range r.Rationales {
		out.Rationales[k] = v
	}
	out.Alternatives = append([]Alternative(nil), r.Alternatives...)
	return &out
}

func (r *Resolution) setDisposition(id string, d proposals.Disposition, rule, rationale string) {
	r.Dispositions[id] = d
	r.Rules[id] = rule
	r.Rationales[id] = rationale
}

// buildSummary renders the single human-readable rationale string for
// the whole resolution.
func (r *Resolution) buildSummary(g *ConflictGroup) {
	counts := make(map[proposals.Disposition]int)
	for _, d := range r.Dispositions {
		counts[d]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s conflict in zone %s over %s: ", g.Kind, g.ZoneID, strings.Join(g.Resources, ", "))
	fmt.Fprintf(&b, "%d approved, %d rescheduled, %d rejected, %d infeasible of %d proposals.",
		counts[proposals.DispositionApproved], counts[proposals.DispositionRescheduled],
		counts[proposals.DispositionRejected], counts[proposals.DispositionInfeasible], len(g.Members))

	ids := make([]string, 0, len(r.Dispositions))
	for id := range r.Dispositions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, " [%s] %s (rule: %s): %s.", id, r.Dispositions[id], r.Rules[id], r.Rationales[id])
	}

	fmt.Fprintf(&b, " Confidence %.2f.", r.Confidence)
	if r.Degraded {
		b.WriteString(" Degraded estimate used.")
	}
	r.Summary = b.String()
}
