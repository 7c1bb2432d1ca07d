package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"warehouse-arbiter/pkg/arbiter"
	"warehouse-arbiter/pkg/proposals"
	"warehouse-arbiter/pkg/utils"
	"warehouse-arbiter/pkg/worldmodel"
)

var (
	// ErrUnknownRequest means the decision request does not exist or was
	// already resolved, by a reviewer or by timeout.
	ErrUnknownRequest = errors.New("unknown or already resolved decision request")

	// ErrInvalidModification means a human-modified window still violates
	// a hard constraint; the request stays open for another attempt.
	ErrInvalidModification = errors.New("modification violates a hard constraint")
)

// Action is what a reviewer did with a decision request.
type Action string

const (
	ActionApprove Action = "approve"
	ActionModify  Action = "modify"
	ActionReject  Action = "reject"
	ActionTimeout Action = "timeout"
)

// ImpactEntry previews what one proposal's producer will be told if the
// proposed resolution is accepted as-is.
type ImpactEntry struct {
	ProposalID  string                 `json:"proposal_id"`
	Producer    string                 `json:"producer"`
	Disposition proposals.Disposition  `json:"disposition"`
	NewWindow   *worldmodel.TimeWindow `json:"new_window,omitempty"`
	Rule        string                 `json:"rule"`
	Rationale   string                 `json:"rationale"`
}

// DecisionRequest is one case put in front of a human: the conflict, the
// proposed resolution, why it escalated, and the alternatives considered.
type DecisionRequest struct {
	ID         string                `json:"id"`
	GroupID    string                `json:"group_id"`
	ZoneID     string                `json:"zone_id"`
	Resolution *arbiter.Resolution   `json:"resolution"`
	Reasons    []string              `json:"reasons"`
	Summary    string                `json:"summary"`
	Impact     []ImpactEntry         `json:"impact"`
	Candidates []arbiter.Alternative `json:"candidates,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	ExpiresAt  time.Time             `json:"expires_at"`

	group *arbiter.ConflictGroup
	done  chan *ReviewOutcome
	timer *time.Timer
}

// Decision is the reviewer's answer to a request.
type Decision struct {
	Action        Action                           `json:"action"`
	Modifications map[string]worldmodel.TimeWindow `json:"modifications,omitempty"`
	Reason        string                           `json:"reason,omitempty"`
	DecidedBy     string                           `json:"decided_by,omitempty"`
}

// ReviewOutcome is the final resolution of an escalated group, whether a
// human decided or the timeout did.
type ReviewOutcome struct {
	RequestID    string              `json:"request_id"`
	GroupID      string              `json:"group_id"`
	Resolution   *arbiter.Resolution `json:"resolution"`
	Action       Action              `json:"action"`
	AutoResolved bool                `json:"auto_resolved"`
	DecidedBy    string              `json:"decided_by,omitempty"`
	Reason       string              `json:"reason,omitempty"`
	ResolvedAt   time.Time           `json:"resolved_at"`
}

// Validator re-checks a human-modified window against the hard
// constraint facts. Reviewers may override anything except hard safety.
type Validator interface {
	ValidateModification(ctx context.Context, group *arbiter.ConflictGroup, proposalID string, w worldmodel.TimeWindow) error
}

// Console tracks open decision requests, applies reviewer decisions, and
// auto-resolves requests that outlive the decision timeout.
type Console struct {
	mu      sync.RWMutex
	pending map[string]*DecisionRequest

	timeout    time.Duration
	validator  Validator
	summarizer Summarizer
	logger     *utils.Logger
}

// NewConsole creates the review console. The summarizer may be nil, in
// which case only the resolution's own summary is shown.
func NewConsole(timeout time.Duration, validator Validator, summarizer Summarizer, verbose bool) *Console {
	if summarizer == nil {
		summarizer = StaticSummarizer{}
	}
	return &Console{
		pending:    make(map[string]*DecisionRequest),
		timeout:    timeout,
		validator:  validator,
		summarizer: summarizer,
		logger:     utils.NewLogger("escalation", verbose),
	}
}

// Open registers a decision request for the group and returns it with a
// channel that delivers exactly one outcome: the reviewer's decision or
// the timeout auto-resolution.
func (c *Console) Open(ctx context.Context, group *arbiter.ConflictGroup, res *arbiter.Resolution, reasons []string) (*DecisionRequest, <-chan *ReviewOutcome) {
	now := time.Now()
	req := &DecisionRequest{
		ID:         uuid.NewString(),
		GroupID:    group.ID,
		ZoneID:     group.ZoneID,
		Resolution: res,
		Reasons:    reasons,
		Impact:     impactPreview(group, res),
		Candidates: res.Alternatives,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.timeout),
		group:      group,
		done:       make(chan *ReviewOutcome, 1),
	}

	summary, err := c.summarizer.Summarize(ctx, group, res)
	if err != nil {
		c.logger.Warning("summarizer failed for request %s, using resolution summary: %v", req.ID, err)
		summary = res.Summary
	}
	req.Summary = summary

	c.mu.Lock()
	c.pending[req.ID] = req
	req.timer = time.AfterFunc(c.timeout, func() { c.expire(req.ID) })
	c.mu.Unlock()

	c.logger.Info("decision request %s opened for group %s, expires %s",
		req.ID, group.ID, req.ExpiresAt.Format(time.RFC3339))
	return req, req.done
}

// Pending lists open requests, oldest first.
func (c *Console) Pending() []*DecisionRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*DecisionRequest, 0, len(c.pending))
	for _, req := range c.pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns one open request.
func (c *Console) Get(id string) (*DecisionRequest, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	req, ok := c.pending[id]
	if !ok {
		return nil, ErrUnknownRequest
	}
	return req, nil
}

// Decide applies a reviewer's decision to an open request. An invalid
// modification is returned to the caller and the request stays open; a
// valid decision closes the request and delivers the outcome.
func (c *Console) Decide(ctx context.Context, id string, d Decision) (*ReviewOutcome, error) {
	c.mu.Lock()
	req, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownRequest
	}

	res, err := c.apply(ctx, req, d)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, still := c.pending[id]; !still {
		// The timeout won the race while we validated.
		c.mu.Unlock()
		return nil, ErrUnknownRequest
	}
	delete(c.pending, id)
	req.timer.Stop()
	c.mu.Unlock()

	out := &ReviewOutcome{
		RequestID:  req.ID,
		GroupID:    req.GroupID,
		Resolution: res,
		Action:     d.Action,
		DecidedBy:  d.DecidedBy,
		Reason:     d.Reason,
		ResolvedAt: time.Now(),
	}
	req.done <- out
	c.logger.Info("decision request %s resolved: %s by %s", req.ID, d.Action, d.DecidedBy)
	return out, nil
}

// apply builds the post-decision resolution without touching console
// state, so validation failures leave the request untouched.
func (c *Console) apply(ctx context.Context, req *DecisionRequest, d Decision) (*arbiter.Resolution, error) {
	switch d.Action {
	case ActionApprove:
		return req.Resolution, nil

	case ActionReject:
		res := req.Resolution.Clone()
		res.Version++
		for pid := range res.Dispositions {
			res.Dispositions[pid] = proposals.DispositionRejected
			res.Rules[pid] = arbiter.RuleHumanReview
			res.Rationales[pid] = rejectionReason(d)
			delete(res.NewWindows, pid)
		}
		return res, nil

	case ActionModify:
		if len(d.Modifications) == 0 {
			return nil, fmt.Errorf("modify decision carries no modifications")
		}
		for pid, w := range d.Modifications {
			if _, known := req.Resolution.Dispositions[pid]; !known {
				return nil, fmt.Errorf("proposal %s is not part of group %s", pid, req.GroupID)
			}
			if !w.Valid() {
				return nil, fmt.Errorf("proposal %s: %w: window end not after start", pid, ErrInvalidModification)
			}
			if err := c.validator.ValidateModification(ctx, req.group, pid, w); err != nil {
				return nil, fmt.Errorf("proposal %s: %w: %v", pid, ErrInvalidModification, err)
			}
		}
		res := req.Resolution.Clone()
		res.Version++
		for pid, w := range d.Modifications {
			res.Dispositions[pid] = proposals.DispositionRescheduled
			res.NewWindows[pid] = w
			res.Rules[pid] = arbiter.RuleHumanReview
			res.Rationales[pid] = fmt.Sprintf("window set by reviewer %s", d.DecidedBy)
		}
		return res, nil

	default:
		return nil, fmt.Errorf("unknown decision action %q", d.Action)
	}
}

// expire auto-resolves a request whose timeout elapsed with the
// lowest-risk disposition set, flagged for audit.
func (c *Console) expire(id string) {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	out := &ReviewOutcome{
		RequestID:    req.ID,
		GroupID:      req.GroupID,
		Resolution:   req.Resolution.LowestRisk(),
		Action:       ActionTimeout,
		AutoResolved: true,
		Reason:       fmt.Sprintf("no decision within %s", c.timeout),
		ResolvedAt:   time.Now(),
	}
	req.done <- out
	c.logger.Warning("decision request %s expired, auto-resolved to lowest risk", req.ID)
}

func impactPreview(group *arbiter.ConflictGroup, res *arbiter.Resolution) []ImpactEntry {
	out := make([]ImpactEntry, 0, len(group.Members))
	for _, p := range group.Members {
		e := ImpactEntry{
			ProposalID:  p.ID,
			Producer:    p.Producer,
			Disposition: res.Dispositions[p.ID],
			Rule:        res.Rules[p.ID],
			Rationale:   res.Rationales[p.ID],
		}
		if w, ok := res.NewWindows[p.ID]; ok {
			win := w
			e.NewWindow = &win
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProposalID < out[j].ProposalID })
	return out
}

func rejectionReason(d Decision) string {
	if d.Reason != "" {
		return fmt.Sprintf("rejected by reviewer %s: %s", d.DecidedBy, d.Reason)
	}
	return fmt.Sprintf("rejected by reviewer %s", d.DecidedBy)
}
