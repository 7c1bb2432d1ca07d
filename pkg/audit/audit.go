// Package audit records every arbitration event to an append-only log.
// Auto-resolved escalations, degraded estimates, and stale-write retries
// all leave entries here so a resolution can be reconstructed after the
// fact.
package audit

import (
	"context"
	"time"
)

// Kind labels the audit event.
type Kind string

const (
	KindProposalReceived   Kind = "proposal_received"
	KindProposalSuperseded Kind = "proposal_superseded"
	KindConflictDetected   Kind = "conflict_detected"
	KindResolution         Kind = "resolution"
	KindEscalationOpened   Kind = "escalation_opened"
	KindHumanDecision      Kind = "human_decision"
	KindAutoResolved       Kind = "auto_resolved"
	KindCommit             Kind = "commit"
	KindStaleWrite         Kind = "stale_write"
	KindRelease            Kind = "release"
)

// Entry is one audit record. Detail is human-readable; Payload carries
// the structured object (resolution, decision) serialized as JSON.
type Entry struct {
	ID         int64     `json:"id"`
	Kind       Kind      `json:"kind"`
	ZoneID     string    `json:"zone_id,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	ProposalID string    `json:"proposal_id,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Detail     string    `json:"detail"`
	Payload    string    `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	Kind       Kind
	ZoneID     string
	GroupID    string
	ProposalID string
	Since      time.Time
	Limit      int
}

func (f Filter) matches(e Entry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.ZoneID != "" && e.ZoneID != f.ZoneID {
		return false
	}
	if f.GroupID != "" && e.GroupID != f.GroupID {
		return false
	}
	if f.ProposalID != "" && e.ProposalID != f.ProposalID {
		return false
	}
	if !f.Since.IsZero() && e.At.Before(f.Since) {
		return false
	}
	return true
}

// Sink is the append-only audit destination.
type Sink interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
	Close() error
}
