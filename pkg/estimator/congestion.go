package estimator

import (
	"context"
	"time"
)

// CongestionEstimator scores how contended a zone is during a window,
// from the density of scheduled claims. Higher is more congested.
type CongestionEstimator struct{}

// NewCongestionEstimator creates the built-in congestion scorer
func NewCongestionEstimator() *CongestionEstimator {
	return &CongestionEstimator{}
}

// Name identifies the estimator in rationale strings
func (e *CongestionEstimator) Name() string {
	return "congestion"
}

// Estimate maps claim-minutes over window-minutes to a 0-1 score
func (e *CongestionEstimator) Estimate(ctx context.Context, s Sample) (Score, error) {
	window := s.Window.Duration()
	if window <= 0 {
		return Score{Value: 0, Confidence: 0}, nil
	}

	var occupied time.Duration
	for _, c := range s.Claims {
		overlapStart := c.Window.Start
		if s.Window.Start.After(overlapStart) {
			overlapStart = s.Window.Start
		}
		overlapEnd := c.Window.End
		if s.Window.End.Before(overlapEnd) {
			overlapEnd = s.Window.End
		}
		if overlapEnd.After(overlapStart) {
			occupied += overlapEnd.Sub(overlapStart)
		}
	}

	// More than 2x claim-minutes per window-minute saturates the score
	ratio := float64(occupied) / float64(2*window)
	if ratio > 1 {
		ratio = 1
	}
	return Score{Value: ratio, Confidence: 0.9}, nil
}

// DelayCostEstimator scores a candidate rescheduling by total delay
// across the whole group, normalized against the search horizon. The
// engine minimizes this, not the delay of any single proposal.
type DelayCostEstimator struct {
	horizon time.Duration
}

// NewDelayCostEstimator creates the built-in total-delay scorer
func NewDelayCostEstimator(horizon time.Duration) *DelayCostEstimator {
	return &DelayCostEstimator{horizon: horizon}
}

// Name identifies the estimator in rationale strings
func (e *DelayCostEstimator) Name() string {
	return "delay_cost"
}

// Estimate sums the candidate's per-proposal delays into a 0-1 cost
func (e *DelayCostEstimator) Estimate(ctx context.Context, s Sample) (Score, error) {
	if len(s.CandidateDelays) == 0 || e.horizon <= 0 {
		return Score{Value: 0, Confidence: 1}, nil
	}

	var total time.Duration
	for _, d := range s.CandidateDelays {
		total += d
	}

	cost := float64(total) / float64(e.horizon*time.Duration(len(s.CandidateDelays)))
	if cost > 1 {
		cost = 1
	}
	return Score{Value: cost, Confidence: 1}, nil
}
