package orchestrator

import (
	"sync"

	"warehouse-arbiter/pkg/proposals"
	"warehouse-arbiter/pkg/utils"
)

// Notifier delivers final outcomes back to producers over per-producer
// channels. A producer that never subscribed simply misses the push; the
// outcome is still in the audit log.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[string]chan proposals.Outcome
	buffer int
	logger *utils.Logger
}

func NewNotifier(buffer int, verbose bool) *Notifier {
	if buffer <= 0 {
		buffer = 16
	}
	return &Notifier{
		subs:   make(map[string]chan proposals.Outcome),
		buffer: buffer,
		logger: utils.NewLogger("notifier", verbose),
	}
}

// Subscribe returns the outcome channel for a producer, creating it on
// first use.
func (n *Notifier) Subscribe(producer string) <-chan proposals.Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch, ok := n.subs[producer]
	if !ok {
		ch = make(chan proposals.Outcome, n.buffer)
		n.subs[producer] = ch
	}
	return ch
}

// Unsubscribe closes and removes a producer's channel.
func (n *Notifier) Unsubscribe(producer string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ch, ok := n.subs[producer]; ok {
		close(ch)
		delete(n.subs, producer)
	}
}

// Publish pushes one outcome without blocking the arbitration pipeline.
// A full channel drops the push and logs it.
func (n *Notifier) Publish(o proposals.Outcome) {
	n.mu.RLock()
	ch, ok := n.subs[o.Producer]
	n.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case ch <- o:
	default:
		n.logger.Warning("outcome channel for producer %s full, dropping push for %s",
			o.Producer, o.ProposalID)
	}
}
