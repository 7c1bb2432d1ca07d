package escalation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"warehouse-arbiter/pkg/arbiter"
	"warehouse-arbiter/pkg/config"
	"warehouse-arbiter/pkg/proposals"
	"warehouse-arbiter/pkg/worldmodel"
)

var reviewBase = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func reviewWindow(offset, d time.Duration) worldmodel.TimeWindow {
	return worldmodel.TimeWindow{Start: reviewBase.Add(offset), End: reviewBase.Add(offset + d)}
}

// stubValidator approves every window except those it was told to refuse.
type stubValidator struct {
	refuse map[string]bool
}

func (v stubValidator) ValidateModification(_ context.Context, _ *arbiter.ConflictGroup, proposalID string, _ worldmodel.TimeWindow) error {
	if v.refuse[proposalID] {
		return fmt.Errorf("window overlaps a forklift transit")
	}
	return nil
}

func testGroup(memberIDs ...string) (*arbiter.ConflictGroup, *arbiter.Resolution) {
	g := &arbiter.ConflictGroup{
		ID:     "group-1",
		ZoneID: "aisle-7",
		Kind:   arbiter.KindResourceContention,
		Window: reviewWindow(0, time.Hour),
	}
	res := arbiter.NewDirectResolution(memberIDs[0], reviewBase)
	res.GroupID = g.ID
	for _, id := range memberIDs {
		g.Members = append(g.Members, &proposals.Proposal{
			ID: id, Producer: "bot-" + id, Priority: 5,
			Claims: []proposals.ClaimRequest{{ResourceID: "a7-seg1", Kind: worldmodel.ClaimExclusive}},
			Window: reviewWindow(0, time.Hour),
		})
		if id != memberIDs[0] {
			res.Dispositions[id] = proposals.DispositionRescheduled
			res.NewWindows[id] = reviewWindow(time.Hour, time.Hour)
			res.Rules[id] = arbiter.RulePriority
			res.Rationales[id] = "yielded contended window"
		}
	}
	res.Confidence = 0.6
	return g, res
}

func TestGateReasons(t *testing.T) {
	cfg := config.EscalationConfig{
		ConfidenceThreshold: 0.95,
		SafetyRiskThreshold: 0.1,
		GroupSizeThreshold:  2,
	}
	gate := NewGate(cfg)

	tests := []struct {
		name        string
		mutate      func(*arbiter.ConflictGroup, *arbiter.Resolution)
		want        bool
		wantReasons int
	}{
		{
			name:   "confident small group stays automatic",
			mutate: func(g *arbiter.ConflictGroup, r *arbiter.Resolution) { r.Confidence = 0.99 },
			want:   false,
		},
		{
			name:        "low confidence",
			mutate:      func(g *arbiter.ConflictGroup, r *arbiter.Resolution) { r.Confidence = 0.6 },
			want:        true,
			wantReasons: 1,
		},
		{
			name: "risky member",
			mutate: func(g *arbiter.ConflictGroup, r *arbiter.Resolution) {
				r.Confidence = 0.99
				g.Members[0].RiskScore = 0.4
			},
			want:        true,
			wantReasons: 1,
		},
		{
			name: "infeasible member always escalates",
			mutate: func(g *arbiter.ConflictGroup, r *arbiter.Resolution) {
				r.Confidence = 0.99
				r.Dispositions[g.Members[0].ID] = proposals.DispositionInfeasible
			},
			want:        true,
			wantReasons: 1,
		},
		{
			name: "forced escalation",
			mutate: func(g *arbiter.ConflictGroup, r *arbiter.Resolution) {
				r.Confidence = 0.99
				r.ForceEscalate = true
			},
			want:        true,
			wantReasons: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, res := testGroup("pa", "pb")
			tt.mutate(g, res)

			escalate, reasons := gate.ShouldEscalate(g, res)
			if escalate != tt.want {
				t.Errorf("ShouldEscalate = %v (%v), want %v", escalate, reasons, tt.want)
			}
			if tt.want && len(reasons) != tt.wantReasons {
				t.Errorf("Got %d reasons (%v), want %d", len(reasons), reasons, tt.wantReasons)
			}
		})
	}
}

func TestGateGroupSize(t *testing.T) {
	gate := NewGate(config.EscalationConfig{
		ConfidenceThreshold: 0.5,
		SafetyRiskThreshold: 1,
		GroupSizeThreshold:  2,
	})

	g, res := testGroup("pa", "pb", "pc")
	res.Confidence = 0.99

	escalate, reasons := gate.ShouldEscalate(g, res)
	if !escalate {
		t.Fatal("Group above the size threshold should escalate")
	}
	if len(reasons) != 1 {
		t.Errorf("Got reasons %v, want only the group size reason", reasons)
	}
}

func TestConsoleApprove(t *testing.T) {
	c := NewConsole(time.Minute, stubValidator{}, nil, false)
	g, res := testGroup("pa", "pb")

	req, done := c.Open(context.Background(), g, res, []string{"confidence 0.60 below threshold"})
	if req.Summary == "" {
		t.Error("Request should carry a summary")
	}
	if len(req.Impact) != 2 {
		t.Errorf("Impact preview should cover all members, got %d", len(req.Impact))
	}
	if len(c.Pending()) != 1 {
		t.Fatalf("Expected one pending request")
	}

	out, err := c.Decide(context.Background(), req.ID, Decision{Action: ActionApprove, DecidedBy: "planner-1"})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if out.Resolution != res {
		t.Error("Approve must deliver the engine's resolution unchanged")
	}
	if out.AutoResolved {
		t.Error("Human decision must not be flagged auto-resolved")
	}

	select {
	case got := <-done:
		if got.RequestID != req.ID || got.Action != ActionApprove {
			t.Errorf("Unexpected outcome %+v", got)
		}
	default:
		t.Fatal("Outcome should be waiting on the channel")
	}

	if len(c.Pending()) != 0 {
		t.Error("Decided request should leave the pending set")
	}
	if _, err := c.Decide(context.Background(), req.ID, Decision{Action: ActionApprove}); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Second decision should fail with ErrUnknownRequest, got %v", err)
	}
}

func TestConsoleModifyValidation(t *testing.T) {
	c := NewConsole(time.Minute, stubValidator{refuse: map[string]bool{"pb": true}}, nil, false)
	g, res := testGroup("pa", "pb")
	req, _ := c.Open(context.Background(), g, res, nil)

	// An invalid modification is bounced back and the request stays open.
	_, err := c.Decide(context.Background(), req.ID, Decision{
		Action:        ActionModify,
		Modifications: map[string]worldmodel.TimeWindow{"pb": reviewWindow(2*time.Hour, time.Hour)},
		DecidedBy:     "planner-1",
	})
	if !errors.Is(err, ErrInvalidModification) {
		t.Fatalf("Expected ErrInvalidModification, got %v", err)
	}
	if len(c.Pending()) != 1 {
		t.Fatal("Request must stay pending after an invalid modification")
	}

	// A valid modification on the other member goes through.
	out, err := c.Decide(context.Background(), req.ID, Decision{
		Action:        ActionModify,
		Modifications: map[string]worldmodel.TimeWindow{"pa": reviewWindow(3*time.Hour, time.Hour)},
		DecidedBy:     "planner-1",
	})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if out.Resolution.Dispositions["pa"] != proposals.DispositionRescheduled {
		t.Errorf("Modified member should be rescheduled, got %s", out.Resolution.Dispositions["pa"])
	}
	if out.Resolution.Rules["pa"] != arbiter.RuleHumanReview {
		t.Errorf("Rule = %s, want %s", out.Resolution.Rules["pa"], arbiter.RuleHumanReview)
	}
	if out.Resolution.Version != res.Version+1 {
		t.Errorf("Modification must bump the version, got %d", out.Resolution.Version)
	}
	// The engine's resolution is untouched.
	if res.Dispositions["pa"] != proposals.DispositionApproved {
		t.Error("Original resolution must not be mutated by a modification")
	}
}

func TestConsoleRejectAndUnknownWindow(t *testing.T) {
	c := NewConsole(time.Minute, stubValidator{}, nil, false)
	g, res := testGroup("pa", "pb")
	req, _ := c.Open(context.Background(), g, res, nil)

	if _, err := c.Decide(context.Background(), req.ID, Decision{
		Action:        ActionModify,
		Modifications: map[string]worldmodel.TimeWindow{"nope": reviewWindow(time.Hour, time.Hour)},
	}); err == nil {
		t.Error("Modification of a non-member should fail")
	}

	out, err := c.Decide(context.Background(), req.ID, Decision{Action: ActionReject, Reason: "manual replan", DecidedBy: "planner-1"})
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	for id, d := range out.Resolution.Dispositions {
		if d != proposals.DispositionRejected {
			t.Errorf("%s = %s, want rejected after human veto", id, d)
		}
	}
}

func TestConsoleTimeoutAutoResolves(t *testing.T) {
	c := NewConsole(20*time.Millisecond, stubValidator{}, nil, false)
	g, res := testGroup("pa", "pb")
	req, done := c.Open(context.Background(), g, res, nil)

	select {
	case out := <-done:
		if !out.AutoResolved || out.Action != ActionTimeout {
			t.Errorf("Expected timeout auto-resolution, got %+v", out)
		}
		if out.Resolution.Dispositions["pb"] != proposals.DispositionRejected {
			t.Errorf("Non-approved member should be rejected, got %s", out.Resolution.Dispositions["pb"])
		}
		if out.Resolution.Dispositions["pa"] != proposals.DispositionApproved {
			t.Errorf("Approved member survives, got %s", out.Resolution.Dispositions["pa"])
		}
	case <-time.After(time.Second):
		t.Fatal("Timed-out request never delivered an outcome")
	}

	if _, err := c.Decide(context.Background(), req.ID, Decision{Action: ActionApprove}); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Decision after expiry should fail with ErrUnknownRequest, got %v", err)
	}
}
