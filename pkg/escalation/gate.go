package escalation

import (
	"fmt"

	"warehouse-arbiter/pkg/arbiter"
	"warehouse-arbiter/pkg/config"
	"warehouse-arbiter/pkg/proposals"
)

// Gate decides whether a resolution can be finalized automatically or
// needs a human decision first. The predicate is deliberately cheap and
// local to the group; all thresholds come from configuration.
type Gate struct {
	confidenceThreshold float64
	safetyRiskThreshold float64
	groupSizeThreshold  int
}

// NewGate builds the escalation predicate from configured thresholds.
func NewGate(cfg config.EscalationConfig) *Gate {
	return &Gate{
		confidenceThreshold: cfg.ConfidenceThreshold,
		safetyRiskThreshold: cfg.SafetyRiskThreshold,
		groupSizeThreshold:  cfg.GroupSizeThreshold,
	}
}

// ShouldEscalate reports whether the resolution requires review, with
// every triggered reason so the reviewer sees why the case reached them.
func (g *Gate) ShouldEscalate(group *arbiter.ConflictGroup, res *arbiter.Resolution) (bool, []string) {
	var reasons []string

	if res.ForceEscalate {
		reasons = append(reasons, "no feasible disposition combination remains")
	}
	if res.Confidence < g.confidenceThreshold {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below threshold %.2f",
			res.Confidence, g.confidenceThreshold))
	}
	for _, p := range group.Members {
		if p.RiskScore > g.safetyRiskThreshold {
			reasons = append(reasons, fmt.Sprintf("proposal %s risk %.2f above threshold %.2f",
				p.ID, p.RiskScore, g.safetyRiskThreshold))
		}
	}
	if len(group.Members) > g.groupSizeThreshold {
		reasons = append(reasons, fmt.Sprintf("group size %d above threshold %d",
			len(group.Members), g.groupSizeThreshold))
	}
	for id, d := range res.Dispositions {
		if d == proposals.DispositionInfeasible {
			reasons = append(reasons, fmt.Sprintf("proposal %s has no feasible disposition", id))
		}
	}

	return len(reasons) > 0, reasons
}
