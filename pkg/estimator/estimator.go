package estimator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"warehouse-arbiter/pkg/utils"
	"warehouse-arbiter/pkg/worldmodel"
)

// ErrEstimatorTimeout marks an estimator call that exceeded its budget.
// Arbitration proceeds on a degraded score and notes it in the rationale.
var ErrEstimatorTimeout = errors.New("estimator call timed out")

// Sample carries a conflict group's resource and time data to a scoring
// helper. Scores are fetched once per group, not per proposal.
type Sample struct {
	GroupID string                `json:"group_id"`
	ZoneID  string                `json:"zone_id"`
	Window  worldmodel.TimeWindow `json:"window"`

	// Members is the number of proposals in the group
	Members int `json:"members"`

	// Claims are the scheduled claims overlapping the group window,
	// used by congestion scoring.
	Claims []worldmodel.Claim `json:"claims,omitempty"`

	// CandidateDelays carries the per-proposal delays of one candidate
	// rescheduling, used by cost scoring.
	CandidateDelays []time.Duration `json:"candidate_delays,omitempty"`
}

// Score is the scalar result of an estimator call
type Score struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`

	// Degraded marks a score substituted after a timeout; it must be
	// surfaced in the resolution rationale.
	Degraded bool `json:"degraded"`
}

// Estimator is the call contract for pluggable scoring helpers. They are
// treated as potentially slow remote operations.
type Estimator interface {
	Name() string
	Estimate(ctx context.Context, s Sample) (Score, error)
}

// Guard wraps an estimator with the mandatory timeout and the documented
// fallback: on timeout the last known score for the zone is returned,
// flagged as degraded, rather than blocking arbitration.
type Guard struct {
	inner        Estimator
	timeout      time.Duration
	defaultScore float64

	mu        sync.RWMutex
	lastKnown map[string]Score

	logger *utils.Logger
}

// NewGuard wraps an estimator with timeout and degraded-fallback behavior
func NewGuard(inner Estimator, timeout time.Duration, defaultScore float64, verbose bool) *Guard {
	return &Guard{
		inner:        inner,
		timeout:      timeout,
		defaultScore: defaultScore,
		lastKnown:    make(map[string]Score),
		logger:       utils.NewLogger("estimator", verbose),
	}
}

// Name returns the wrapped estimator's name
func (g *Guard) Name() string {
	return g.inner.Name()
}

// Estimate calls the wrapped estimator under the configured timeout.
// A timeout never fails the call: it degrades it.
func (g *Guard) Estimate(ctx context.Context, s Sample) (Score, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		score Score
		err   error
	}
	ch := make(chan result, 1)

	go func() {
		score, err := g.inner.Estimate(callCtx, s)
		ch <- result{score, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return g.fallback(s.ZoneID), fmt.Errorf("%s failed: %v: %w", g.inner.Name(), r.err, ErrEstimatorTimeout)
		}
		g.remember(s.ZoneID, r.score)
		return r.score, nil
	case <-callCtx.Done():
		g.logger.Warning("%s timed out for zone %s, using degraded score", g.inner.Name(), s.ZoneID)
		return g.fallback(s.ZoneID), fmt.Errorf("%s exceeded %s: %w", g.inner.Name(), g.timeout, ErrEstimatorTimeout)
	}
}

func (g *Guard) remember(zoneID string, s Score) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastKnown[zoneID] = s
}

func (g *Guard) fallback(zoneID string) Score {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if last, ok := g.lastKnown[zoneID]; ok {
		last.Degraded = true
		return last
	}
	return Score{Value: g.defaultScore, Confidence: 0, Degraded: true}
}
