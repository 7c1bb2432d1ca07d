package estimator

import (
	"context"
	"errors"
	"testing"
	"time"

	"warehouse-arbiter/pkg/worldmodel"
)

// slowEstimator blocks until its context is cancelled.
type slowEstimator struct{}

func (slowEstimator) Name() string { return "slow" }

func (slowEstimator) Estimate(ctx context.Context, s Sample) (Score, error) {
	<-ctx.Done()
	return Score{}, ctx.Err()
}

// fixedEstimator returns a constant score.
type fixedEstimator struct {
	value float64
}

func (e fixedEstimator) Name() string { return "fixed" }

func (e fixedEstimator) Estimate(ctx context.Context, s Sample) (Score, error) {
	return Score{Value: e.value, Confidence: 1}, nil
}

func TestGuardTimeoutUsesDefault(t *testing.T) {
	g := NewGuard(slowEstimator{}, 10*time.Millisecond, 0.5, false)

	score, err := g.Estimate(context.Background(), Sample{ZoneID: "aisle-7"})
	if !errors.Is(err, ErrEstimatorTimeout) {
		t.Fatalf("Expected ErrEstimatorTimeout, got %v", err)
	}
	if !score.Degraded {
		t.Error("Fallback score should be flagged degraded")
	}
	if score.Value != 0.5 {
		t.Errorf("Got fallback value %.2f, want default 0.5", score.Value)
	}
}

func TestGuardTimeoutUsesLastKnown(t *testing.T) {
	// Seed the last-known score with a successful call, then swap the
	// inner estimator for one that hangs.
	g := NewGuard(fixedEstimator{value: 0.8}, 50*time.Millisecond, 0.5, false)
	if _, err := g.Estimate(context.Background(), Sample{ZoneID: "aisle-7"}); err != nil {
		t.Fatalf("Seeding call failed: %v", err)
	}

	g.inner = slowEstimator{}
	score, err := g.Estimate(context.Background(), Sample{ZoneID: "aisle-7"})
	if !errors.Is(err, ErrEstimatorTimeout) {
		t.Fatalf("Expected ErrEstimatorTimeout, got %v", err)
	}
	if !score.Degraded || score.Value != 0.8 {
		t.Errorf("Got %+v, want degraded last-known score 0.8", score)
	}

	// A different zone has no history and falls back to the default.
	score, _ = g.Estimate(context.Background(), Sample{ZoneID: "dock"})
	if score.Value != 0.5 {
		t.Errorf("Got %.2f for unseen zone, want default 0.5", score.Value)
	}
}

func TestCongestionEstimate(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	window := worldmodel.TimeWindow{Start: base, End: base.Add(time.Hour)}

	claim := func(start time.Time, d time.Duration) worldmodel.Claim {
		return worldmodel.Claim{Window: worldmodel.TimeWindow{Start: start, End: start.Add(d)}}
	}

	tests := []struct {
		name   string
		claims []worldmodel.Claim
		want   float64
	}{
		{"empty zone", nil, 0},
		{"one full-window claim", []worldmodel.Claim{claim(base, time.Hour)}, 0.5},
		{"claim clipped to window", []worldmodel.Claim{claim(base.Add(-time.Hour), 90 * time.Minute)}, 0.25},
		{"saturated", []worldmodel.Claim{
			claim(base, time.Hour), claim(base, time.Hour), claim(base, time.Hour),
		}, 1},
	}

	e := NewCongestionEstimator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, err := e.Estimate(context.Background(), Sample{Window: window, Claims: tt.claims})
			if err != nil {
				t.Fatalf("Estimate failed: %v", err)
			}
			if score.Value != tt.want {
				t.Errorf("Got %.2f, want %.2f", score.Value, tt.want)
			}
		})
	}
}

func TestDelayCostEstimate(t *testing.T) {
	e := NewDelayCostEstimator(4 * time.Hour)

	tests := []struct {
		name   string
		delays []time.Duration
		want   float64
	}{
		{"no delays", nil, 0},
		{"single delay", []time.Duration{time.Hour}, 0.25},
		{"spread delays", []time.Duration{time.Hour, 3 * time.Hour}, 0.5},
		{"beyond horizon clamps", []time.Duration{10 * time.Hour}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, err := e.Estimate(context.Background(), Sample{CandidateDelays: tt.delays})
			if err != nil {
				t.Fatalf("Estimate failed: %v", err)
			}
			if score.Value != tt.want {
				t.Errorf("Got %.2f, want %.2f", score.Value, tt.want)
			}
		})
	}
}
