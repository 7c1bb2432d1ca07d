// Package orchestrator runs the arbitration pipeline end to end: intake,
// per-zone conflict detection, policy arbitration, the escalation gate,
// and optimistic finalization against the world model.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"warehouse-arbiter/pkg/arbiter"
	"warehouse-arbiter/pkg/audit"
	"warehouse-arbiter/pkg/config"
	"warehouse-arbiter/pkg/escalation"
	"warehouse-arbiter/pkg/estimator"
	"warehouse-arbiter/pkg/monitoring"
	"warehouse-arbiter/pkg/proposals"
	"warehouse-arbiter/pkg/utils"
	"warehouse-arbiter/pkg/worldmodel"
)

// ErrUnknownProposal is returned when a withdrawal names a proposal that
// is not in the active set.
var ErrUnknownProposal = errors.New("proposal not in active set")

// Arbiter is the top-level coordinator. Submissions run the full
// pipeline synchronously under the zone locks; escalated groups continue
// asynchronously once a human (or the timeout) decides.
type Arbiter struct {
	world    worldmodel.Store
	intake   *proposals.Intake
	locks    *arbiter.ZoneLocks
	detector *arbiter.Detector
	engine   *arbiter.Engine
	gate     *escalation.Gate
	console  *escalation.Console
	sink     audit.Sink
	notifier *Notifier
	monitor  *monitoring.Monitor
	logger   *utils.Logger

	// maxRetries bounds re-detection after a stale write.
	maxRetries int

	wg sync.WaitGroup
}

// Options carries the optional collaborators of the pipeline.
type Options struct {
	// Summarizer renders escalated cases for the reviewer. Nil selects
	// the deterministic summarizer.
	Summarizer escalation.Summarizer
}

// New wires the full pipeline from configuration.
func New(cfg *config.Config, world worldmodel.Store, sink audit.Sink, opts Options) *Arbiter {
	congestion := estimator.NewGuard(estimator.NewCongestionEstimator(),
		cfg.Estimator.CallTimeout, cfg.Estimator.DefaultScore, cfg.Verbose)
	delay := estimator.NewGuard(estimator.NewDelayCostEstimator(cfg.Scheduling.Horizon),
		cfg.Estimator.CallTimeout, cfg.Estimator.DefaultScore, cfg.Verbose)

	a := &Arbiter{
		world:  world,
		intake: proposals.NewIntake(world, cfg.Intake.StalenessBound, cfg.Intake.MinPriority, cfg.Intake.MaxPriority, cfg.Verbose),
		locks:  arbiter.NewZoneLocks(),
		detector: arbiter.NewDetector(world, cfg.Scheduling.Horizon, cfg.Verbose),
		engine: arbiter.NewEngine(congestion, delay, cfg.Scheduling.Horizon, cfg.Scheduling.Step,
			cfg.Intake.MaxPriority-cfg.Intake.MinPriority, cfg.Verbose),
		gate:       escalation.NewGate(cfg.Escalation),
		sink:       sink,
		notifier:   NewNotifier(0, cfg.Verbose),
		monitor:    monitoring.NewMonitor(0),
		logger:     utils.NewLogger("orchestrator", cfg.Verbose),
		maxRetries: 3,
	}
	a.console = escalation.NewConsole(cfg.Escalation.DecisionTimeout, a, opts.Summarizer, cfg.Verbose)
	return a
}

// Submit runs one proposal through intake and arbitrates every zone it
// touches. The final outcome arrives on the producer's outcome channel;
// a non-nil error means the proposal was rejected at intake and nothing
// was recorded.
func (a *Arbiter) Submit(ctx context.Context, p *proposals.Proposal) error {
	zones, err := a.intake.Submit(ctx, p)
	if err != nil {
		return err
	}

	a.record(ctx, audit.Entry{
		Kind: audit.KindProposalReceived, ProposalID: p.ID, Actor: p.Producer,
		Detail: fmt.Sprintf("proposal %s from %s, priority %d, zones %v", p.ID, p.Producer, p.Priority, zones),
	})

	release := a.locks.Acquire(zones)
	defer release()
	for _, zone := range zones {
		a.monitor.Count(monitoring.MetricProposals, zone)
		a.arbitrateZoneLocked(ctx, zone, 0)
	}
	return nil
}

// Withdraw removes a proposal from the active set, or releases its
// committed claims if it already finalized.
func (a *Arbiter) Withdraw(ctx context.Context, proposalID, producer string) error {
	if act, ok := a.intake.Get(proposalID); ok {
		release := a.locks.Acquire(act.Zones)
		a.intake.Remove(proposalID)
		release()
	} else if err := a.world.Release(ctx, proposalID); err != nil {
		if !errors.Is(err, worldmodel.ErrNotFound) {
			return fmt.Errorf("withdraw %s: %w", proposalID, err)
		}
		// No claims to free. The proposal may still be real: a rejected
		// or already-withdrawn one holds nothing, so consult the intake
		// trail before calling the id unknown.
		seen, lookupErr := a.sink.List(ctx, audit.Filter{
			Kind: audit.KindProposalReceived, ProposalID: proposalID, Limit: 1,
		})
		if lookupErr != nil {
			return fmt.Errorf("withdraw %s: %w", proposalID, lookupErr)
		}
		if len(seen) == 0 {
			return fmt.Errorf("withdraw %s: %w", proposalID, ErrUnknownProposal)
		}
	}

	a.record(ctx, audit.Entry{
		Kind: audit.KindRelease, ProposalID: proposalID, Actor: producer,
		Detail: fmt.Sprintf("proposal %s withdrawn by %s", proposalID, producer),
	})
	return nil
}

// Outcomes returns the outcome channel for a producer.
func (a *Arbiter) Outcomes(producer string) <-chan proposals.Outcome {
	return a.notifier.Subscribe(producer)
}

// Metrics exposes the pipeline's metrics collector.
func (a *Arbiter) Metrics() *monitoring.Monitor {
	return a.monitor
}

// Pending lists open decision requests, oldest first.
func (a *Arbiter) Pending() []*escalation.DecisionRequest {
	return a.console.Pending()
}

// Decision fetches one open decision request.
func (a *Arbiter) Decision(id string) (*escalation.DecisionRequest, error) {
	return a.console.Get(id)
}

// Decide forwards a reviewer decision to the console. Finalization of
// the decided group happens on the goroutine that has been waiting for
// it since the escalation opened.
func (a *Arbiter) Decide(ctx context.Context, requestID string, d escalation.Decision) (*escalation.ReviewOutcome, error) {
	return a.console.Decide(ctx, requestID, d)
}

// ValidateModification re-checks a reviewer-set window against hard
// safety for the named group member.
func (a *Arbiter) ValidateModification(ctx context.Context, group *arbiter.ConflictGroup, proposalID string, w worldmodel.TimeWindow) error {
	for _, p := range group.Members {
		if p.ID == proposalID {
			return a.detector.CheckWindow(ctx, group.ZoneID, p, w)
		}
	}
	return fmt.Errorf("proposal %s not in group %s", proposalID, group.ID)
}

// Close waits for all in-flight escalations to finalize.
func (a *Arbiter) Close() error {
	a.wg.Wait()
	return nil
}

// arbitrateZoneLocked runs detection and arbitration for one zone. The
// caller holds the zone lock. attempt counts stale-write retries.
func (a *Arbiter) arbitrateZoneLocked(ctx context.Context, zoneID string, attempt int) {
	candidates := a.intake.ActiveInZone(zoneID)
	if len(candidates) == 0 {
		return
	}

	det, err := a.detector.Detect(ctx, zoneID, candidates)
	if err != nil {
		a.logger.Error("detection failed in zone %s: %v", zoneID, err)
		return
	}

	for _, p := range det.Unconflicted {
		res := directApproval(p, det.SnapshotAt)
		a.finalize(ctx, zoneID, []*proposals.Proposal{p}, res, attempt)
	}

	for _, g := range det.Groups {
		a.intake.SetStatus(proposals.StatusArbitrating, g.MemberIDs()...)
		a.monitor.Count(monitoring.MetricConflicts, zoneID)
		a.record(ctx, audit.Entry{
			Kind: audit.KindConflictDetected, ZoneID: zoneID, GroupID: g.ID,
			Detail:  fmt.Sprintf("%s: %d proposals over %v", g.Kind, len(g.Members), g.Resources),
			Payload: asJSON(g),
		})

		started := time.Now()
		res := a.engine.Arbitrate(ctx, g, det)
		a.monitor.Count(monitoring.MetricResolutions, zoneID)
		a.monitor.Observe(monitoring.MetricArbitrateMS, zoneID,
			float64(time.Since(started).Milliseconds()))
		a.record(ctx, audit.Entry{
			Kind: audit.KindResolution, ZoneID: zoneID, GroupID: g.ID,
			Detail: res.Summary, Payload: asJSON(res),
		})

		escalate, reasons := a.gate.ShouldEscalate(g, res)
		if !escalate {
			a.finalize(ctx, zoneID, g.Members, res, attempt)
			continue
		}

		a.intake.SetStatus(proposals.StatusEscalated, g.MemberIDs()...)
		a.monitor.Count(monitoring.MetricEscalations, zoneID)
		req, done := a.console.Open(ctx, g, res, reasons)
		a.record(ctx, audit.Entry{
			Kind: audit.KindEscalationOpened, ZoneID: zoneID, GroupID: g.ID,
			Detail:  fmt.Sprintf("request %s: %v", req.ID, reasons),
			Payload: asJSON(req),
		})

		a.wg.Add(1)
		go a.awaitDecision(g, done)
	}
}

// awaitDecision blocks until the reviewer or the timeout resolves an
// escalated group, then finalizes it under a fresh zone lock.
func (a *Arbiter) awaitDecision(g *arbiter.ConflictGroup, done <-chan *escalation.ReviewOutcome) {
	defer a.wg.Done()
	out := <-done

	ctx := context.Background()
	kind := audit.KindHumanDecision
	if out.AutoResolved {
		kind = audit.KindAutoResolved
		a.monitor.Count(monitoring.MetricAutoResolve, g.ZoneID)
	}
	a.record(ctx, audit.Entry{
		Kind: kind, ZoneID: g.ZoneID, GroupID: g.ID, Actor: out.DecidedBy,
		Detail:  fmt.Sprintf("request %s: %s %s", out.RequestID, out.Action, out.Reason),
		Payload: asJSON(out),
	})

	release := a.locks.Acquire(a.zonesOf(g))
	defer release()

	if out.Action == escalation.ActionReject {
		// A human veto of the recommendation sends the members back for a
		// fresh resolution cycle rather than finalizing rejections.
		a.intake.Requeue(g.MemberIDs()...)
		a.arbitrateZoneLocked(ctx, g.ZoneID, 0)
		return
	}
	a.finalize(ctx, g.ZoneID, g.Members, out.Resolution, 0)
}

// finalize commits the approved and rescheduled claims of a resolution,
// conditioned on the snapshot arbitration read, then notifies producers.
// A stale write requeues the affected proposals and re-runs detection;
// producers are never told success before the commit lands.
func (a *Arbiter) finalize(ctx context.Context, zoneID string, members []*proposals.Proposal, res *arbiter.Resolution, attempt int) {
	claims, err := a.buildClaims(ctx, members, res)
	if err != nil {
		a.logger.Error("failed to build claims for group %s: %v", res.GroupID, err)
		a.intake.Requeue(idsOf(members)...)
		return
	}

	if len(claims) > 0 {
		err := a.world.Commit(ctx, claims, res.SnapshotAt)
		if errors.Is(err, worldmodel.ErrStaleWrite) {
			a.monitor.Count(monitoring.MetricStaleWrites, zoneID)
			a.record(ctx, audit.Entry{
				Kind: audit.KindStaleWrite, ZoneID: zoneID, GroupID: res.GroupID,
				Detail: fmt.Sprintf("commit for group %s raced a newer commit, re-detecting (attempt %d)",
					res.GroupID, attempt+1),
			})
			a.intake.Requeue(idsOf(members)...)
			if attempt < a.maxRetries {
				a.arbitrateZoneLocked(ctx, zoneID, attempt+1)
			} else {
				a.logger.Error("group %s exceeded %d stale-write retries, proposals stay queued",
					res.GroupID, a.maxRetries)
			}
			return
		}
		if err != nil {
			a.logger.Error("commit failed for group %s: %v", res.GroupID, err)
			a.intake.Requeue(idsOf(members)...)
			return
		}
		a.monitor.Count(monitoring.MetricCommits, zoneID)
		a.record(ctx, audit.Entry{
			Kind: audit.KindCommit, ZoneID: zoneID, GroupID: res.GroupID,
			Detail: fmt.Sprintf("%d claims committed for group %s", len(claims), res.GroupID),
		})
	}

	a.intake.Remove(idsOf(members)...)
	now := time.Now()
	for _, p := range members {
		o := proposals.Outcome{
			ProposalID:  p.ID,
			Producer:    p.Producer,
			Disposition: res.Dispositions[p.ID],
			Rationale:   res.Rationales[p.ID],
			DecidedAt:   now,
		}
		if w, ok := res.NewWindows[p.ID]; ok {
			win := w
			o.NewWindow = &win
		}
		a.notifier.Publish(o)
	}
}

// buildClaims turns approved and rescheduled dispositions into committed
// claims, resolving each resource to its zone.
func (a *Arbiter) buildClaims(ctx context.Context, members []*proposals.Proposal, res *arbiter.Resolution) ([]worldmodel.Claim, error) {
	var out []worldmodel.Claim
	for _, p := range members {
		window := p.Window
		switch res.Dispositions[p.ID] {
		case proposals.DispositionApproved:
		case proposals.DispositionRescheduled:
			w, ok := res.NewWindows[p.ID]
			if !ok {
				return nil, fmt.Errorf("rescheduled proposal %s has no new window", p.ID)
			}
			window = w
		default:
			continue
		}

		for _, c := range p.Claims {
			r, _, err := a.world.Resource(ctx, c.ResourceID)
			if err != nil {
				return nil, fmt.Errorf("resource %s: %w", c.ResourceID, err)
			}
			out = append(out, worldmodel.Claim{
				ID:         uuid.NewString(),
				ResourceID: c.ResourceID,
				ZoneID:     r.ZoneID,
				ProposalID: p.ID,
				Kind:       c.Kind,
				Window:     window,
				State:      worldmodel.ClaimCommitted,
			})
		}
	}
	return out, nil
}

// zonesOf returns the lock scope for a group: the union of its members'
// zones, falling back to the group's own zone.
func (a *Arbiter) zonesOf(g *arbiter.ConflictGroup) []string {
	set := map[string]struct{}{g.ZoneID: {}}
	for _, id := range g.MemberIDs() {
		if act, ok := a.intake.Get(id); ok {
			for _, z := range act.Zones {
				set[z] = struct{}{}
			}
		}
	}
	zones := make([]string, 0, len(set))
	for z := range set {
		zones = append(zones, z)
	}
	sort.Strings(zones)
	return zones
}

func (a *Arbiter) record(ctx context.Context, e audit.Entry) {
	if err := a.sink.Record(ctx, e); err != nil {
		a.logger.Error("audit record failed: %v", err)
	}
}

// directApproval builds the trivial resolution for a proposal that
// conflicts with nothing.
func directApproval(p *proposals.Proposal, snapshotAt time.Time) *arbiter.Resolution {
	res := arbiter.NewDirectResolution(p.ID, snapshotAt)
	return res
}

func idsOf(members []*proposals.Proposal) []string {
	ids := make([]string, 0, len(members))
	for _, p := range members {
		ids = append(ids, p.ID)
	}
	return ids
}

func asJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
