package proposals

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"warehouse-arbiter/pkg/worldmodel"
)

// Disposition is the arbiter's decision for a single proposal
type Disposition string

const (
	// DispositionApproved lets the proposal proceed as submitted
	DispositionApproved Disposition = "approved"
	// DispositionRescheduled moves the proposal to a later free window
	DispositionRescheduled Disposition = "rescheduled"
	// DispositionRejected denies the proposal
	DispositionRejected Disposition = "rejected"
	// DispositionInfeasible means no safety-compliant disposition exists;
	// it always forces escalation
	DispositionInfeasible Disposition = "infeasible"
)

// Better reports whether d is a preferable outcome than o, using the
// ordering reject < infeasible < reschedule < approve.
func (d Disposition) Better(o Disposition) bool {
	return d.rank() > o.rank()
}

func (d Disposition) rank() int {
	switch d {
	case DispositionApproved:
		return 3
	case DispositionRescheduled:
		return 2
	case DispositionInfeasible:
		return 1
	default:
		return 0
	}
}

// ClaimRequest names one resource the proposal needs and the kind of
// access it needs on it.
type ClaimRequest struct {
	ResourceID string              `json:"resource_id"`
	Kind       worldmodel.ClaimKind `json:"kind"`
}

// Proposal is an immutable resource-usage request submitted by a
// producer. Once accepted it is read-only; a newer proposal for the same
// intent supersedes it.
type Proposal struct {
	ID           string `json:"id"`
	Producer     string `json:"producer"`
	ProducerType string `json:"producer_type"`

	Claims   []ClaimRequest        `json:"claims"`
	Window   worldmodel.TimeWindow `json:"window"`
	Deadline time.Time             `json:"deadline,omitempty"`

	Priority    int     `json:"priority"`
	RiskScore   float64 `json:"risk_score"`
	Uncertainty float64 `json:"uncertainty"`

	ConstraintsChecked []string `json:"constraints_checked,omitempty"`
	SuspectedConflicts []string `json:"suspected_conflicts,omitempty"`
	Rationale          string   `json:"rationale,omitempty"`

	// SnapshotAt is the world-model snapshot the producer reasoned over;
	// intake rejects it once it falls outside the staleness bound.
	SnapshotAt  time.Time `json:"snapshot_at"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewProposal builds a proposal with a generated id and submission time
func NewProposal(producer, producerType string, claims []ClaimRequest, window worldmodel.TimeWindow) *Proposal {
	return &Proposal{
		ID:           uuid.NewString(),
		Producer:     producer,
		ProducerType: producerType,
		Claims:       claims,
		Window:       window,
		SubmittedAt:  time.Now(),
	}
}

// ResourceIDs returns the ids of all resources the proposal touches
func (p *Proposal) ResourceIDs() []string {
	ids := make([]string, 0, len(p.Claims))
	for _, c := range p.Claims {
		ids = append(ids, c.ResourceID)
	}
	return ids
}

// SameIntent reports whether another proposal expresses the same intent:
// same producer, same resource set, overlapping window. The newer of two
// same-intent proposals supersedes the older.
func (p *Proposal) SameIntent(o *Proposal) bool {
	if p.Producer != o.Producer || len(p.Claims) != len(o.Claims) {
		return false
	}
	if !p.Window.Overlaps(o.Window) {
		return false
	}
	mine := make(map[string]worldmodel.ClaimKind, len(p.Claims))
	for _, c := range p.Claims {
		mine[c.ResourceID] = c.Kind
	}
	for _, c := range o.Claims {
		if kind, ok := mine[c.ResourceID]; !ok || kind != c.Kind {
			return false
		}
	}
	return true
}

// DeadlineExceeded reports whether a candidate window would finish past
// the proposal's own deadline. Proposals without a deadline tolerate any
// delay.
func (p *Proposal) DeadlineExceeded(w worldmodel.TimeWindow) bool {
	return !p.Deadline.IsZero() && w.End.After(p.Deadline)
}

// Outcome is the asynchronous notification sent back to a producer once
// a disposition is final.
type Outcome struct {
	ProposalID  string                 `json:"proposal_id"`
	Producer    string                 `json:"producer"`
	Disposition Disposition            `json:"disposition"`
	NewWindow   *worldmodel.TimeWindow `json:"new_window,omitempty"`
	Rationale   string                 `json:"rationale"`
	DecidedAt   time.Time              `json:"decided_at"`
}

func (o Outcome) String() string {
	if o.Disposition == DispositionRescheduled && o.NewWindow != nil {
		return fmt.Sprintf("%s: rescheduled to %s-%s (%s)", o.ProposalID,
			o.NewWindow.Start.Format(time.Kitchen), o.NewWindow.End.Format(time.Kitchen), o.Rationale)
	}
	return fmt.Sprintf("%s: %s (%s)", o.ProposalID, o.Disposition, o.Rationale)
}
