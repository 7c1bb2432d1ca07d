package proposals

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"warehouse-arbiter/pkg/utils"
	"warehouse-arbiter/pkg/worldmodel"
)

// Status tracks a proposal through the active set
type Status string

const (
	// StatusActive means the proposal is awaiting or available for
	// arbitration
	StatusActive Status = "active"
	// StatusArbitrating means the proposal is inside a conflict group
	// being resolved
	StatusArbitrating Status = "arbitrating"
	// StatusEscalated means the proposal is blocked on a pending human
	// decision
	StatusEscalated Status = "escalated"
	// StatusSuperseded means a newer proposal for the same intent voided
	// this one
	StatusSuperseded Status = "superseded"
)

// Active wraps a proposal in the active set with its resolved zone
// scope and lifecycle status.
type Active struct {
	Proposal *Proposal
	Zones    []string
	Status   Status
}

// Intake validates, timestamps, and de-duplicates incoming proposals.
// The active set it maintains is partitioned per zone, which is what
// keeps conflict discovery scoped rather than global.
type Intake struct {
	mu sync.RWMutex

	world          worldmodel.QueryInterface
	stalenessBound time.Duration
	minPriority    int
	maxPriority    int

	byID   map[string]*Active
	byZone map[string]map[string]*Active

	logger *utils.Logger
}

// NewIntake creates an intake stage over the given world model
func NewIntake(world worldmodel.QueryInterface, stalenessBound time.Duration, minPriority, maxPriority int, verbose bool) *Intake {
	return &Intake{
		world:          world,
		stalenessBound: stalenessBound,
		minPriority:    minPriority,
		maxPriority:    maxPriority,
		byID:           make(map[string]*Active),
		byZone:         make(map[string]map[string]*Active),
		logger:         utils.NewLogger("intake", verbose),
	}
}

// Submit validates a proposal and appends it to the active set. It
// returns the sorted zone ids the proposal touches, which the caller
// uses as its lock scope. Rejections carry one of the sentinel intake
// errors and leave no side effects.
func (in *Intake) Submit(ctx context.Context, p *Proposal) ([]string, error) {
	if err := in.validate(p); err != nil {
		return nil, err
	}

	if p.SubmittedAt.IsZero() {
		p.SubmittedAt = time.Now()
	}
	if p.SubmittedAt.Sub(p.SnapshotAt) > in.stalenessBound {
		return nil, fmt.Errorf("snapshot %s older than bound %s: %w",
			p.SnapshotAt.Format(time.RFC3339), in.stalenessBound, ErrStaleProposal)
	}

	// Resolve each claimed resource to its zone before taking the lock;
	// world model reads are safe to run concurrently.
	zoneSet := make(map[string]struct{})
	for _, c := range p.Claims {
		zone, _, err := in.world.Zone(ctx, c.ResourceID)
		if err != nil {
			return nil, fmt.Errorf("claim on %s: %v: %w", c.ResourceID, err, ErrMalformedProposal)
		}
		zoneSet[zone.ID] = struct{}{}
	}
	zones := make([]string, 0, len(zoneSet))
	for z := range zoneSet {
		zones = append(zones, z)
	}
	sort.Strings(zones)

	in.mu.Lock()
	defer in.mu.Unlock()

	if _, exists := in.byID[p.ID]; exists {
		return nil, fmt.Errorf("proposal %s already active: %w", p.ID, ErrDuplicateProposal)
	}

	// A newer proposal for the same intent supersedes the old one. The
	// old proposal is voided, not rejected, so the producer is not
	// notified of a failure it did not cause.
	for _, zone := range zones {
		for _, existing := range in.byZone[zone] {
			if existing.Status != StatusActive {
				continue
			}
			if existing.Proposal.SameIntent(p) {
				in.logger.Info("proposal %s supersedes %s", p.ID, existing.Proposal.ID)
				in.voidLocked(existing)
			}
		}
	}

	active := &Active{Proposal: p, Zones: zones, Status: StatusActive}
	in.byID[p.ID] = active
	for _, zone := range zones {
		if in.byZone[zone] == nil {
			in.byZone[zone] = make(map[string]*Active)
		}
		in.byZone[zone][p.ID] = active
	}

	in.logger.Debug("proposal %s accepted, zones %v", p.ID, zones)
	return zones, nil
}

func (in *Intake) validate(p *Proposal) error {
	switch {
	case p == nil:
		return fmt.Errorf("nil proposal: %w", ErrMalformedProposal)
	case p.ID == "":
		return fmt.Errorf("missing id: %w", ErrMalformedProposal)
	case p.Producer == "":
		return fmt.Errorf("missing producer: %w", ErrMalformedProposal)
	case len(p.Claims) == 0:
		return fmt.Errorf("no claims: %w", ErrMalformedProposal)
	case !p.Window.Valid():
		return fmt.Errorf("invalid time window: %w", ErrMalformedProposal)
	case p.Priority < in.minPriority || p.Priority > in.maxPriority:
		return fmt.Errorf("priority %d outside [%d,%d]: %w",
			p.Priority, in.minPriority, in.maxPriority, ErrMalformedProposal)
	case p.RiskScore < 0 || p.RiskScore > 1:
		return fmt.Errorf("risk score %.2f outside [0,1]: %w", p.RiskScore, ErrMalformedProposal)
	case p.Uncertainty < 0 || p.Uncertainty > 1:
		return fmt.Errorf("uncertainty %.2f outside [0,1]: %w", p.Uncertainty, ErrMalformedProposal)
	case p.SnapshotAt.IsZero():
		return fmt.Errorf("missing snapshot timestamp: %w", ErrMalformedProposal)
	}
	for _, c := range p.Claims {
		if c.ResourceID == "" || c.Kind == "" {
			return fmt.Errorf("claim missing resource or kind: %w", ErrMalformedProposal)
		}
	}
	return nil
}

// ActiveInZone returns the proposals currently available for arbitration
// in a zone, ordered by submission time.
func (in *Intake) ActiveInZone(zoneID string) []*Proposal {
	in.mu.RLock()
	defer in.mu.RUnlock()

	var out []*Proposal
	for _, a := range in.byZone[zoneID] {
		if a.Status == StatusActive {
			out = append(out, a.Proposal)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Get returns the active-set entry for a proposal id
func (in *Intake) Get(id string) (*Active, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	a, ok := in.byID[id]
	return a, ok
}

// SetStatus transitions the given proposals to a new status. Used by the
// arbitration pipeline to mark group members arbitrating or escalated.
func (in *Intake) SetStatus(status Status, ids ...string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, id := range ids {
		if a, ok := in.byID[id]; ok {
			a.Status = status
		}
	}
}

// Remove drops proposals from the active set once their disposition is
// final (approved, rescheduled, or rejected).
func (in *Intake) Remove(ids ...string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, id := range ids {
		a, ok := in.byID[id]
		if !ok {
			continue
		}
		delete(in.byID, id)
		for _, zone := range a.Zones {
			delete(in.byZone[zone], id)
		}
	}
}

// Requeue returns proposals to the active set for the next resolution
// cycle, used when a human rejects an engine recommendation.
func (in *Intake) Requeue(ids ...string) {
	in.SetStatus(StatusActive, ids...)
}

func (in *Intake) voidLocked(a *Active) {
	a.Status = StatusSuperseded
	delete(in.byID, a.Proposal.ID)
	for _, zone := range a.Zones {
		delete(in.byZone[zone], a.Proposal.ID)
	}
}
