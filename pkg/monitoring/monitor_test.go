package monitoring

import (
	"sync"
	"testing"
)

func TestCountersAggregateAcrossZones(t *testing.T) {
	m := NewMonitor(0)
	m.Count(MetricProposals, "aisle-7")
	m.Count(MetricProposals, "aisle-7")
	m.Count(MetricProposals, "dock-1")

	if got := m.Counter(MetricProposals, "aisle-7"); got != 2 {
		t.Errorf("aisle-7 counter = %v, want 2", got)
	}
	if got := m.Counter(MetricProposals, ""); got != 3 {
		t.Errorf("total counter = %v, want 3", got)
	}
	if got := m.Counter(MetricCommits, "aisle-7"); got != 0 {
		t.Errorf("untouched counter = %v, want 0", got)
	}
}

func TestObserveBoundsSeries(t *testing.T) {
	m := NewMonitor(4)
	for i := 0; i < 10; i++ {
		m.Observe(MetricArbitrateMS, "aisle-7", float64(i))
	}

	samples := m.Samples(MetricArbitrateMS)
	if len(samples) != 4 {
		t.Fatalf("Got %d samples, want 4", len(samples))
	}
	if samples[0].Value != 6 || samples[3].Value != 9 {
		t.Errorf("Series should keep the newest samples, got %v..%v", samples[0].Value, samples[3].Value)
	}
}

func TestSnapshotSummarizesSeries(t *testing.T) {
	m := NewMonitor(0)
	for _, v := range []float64{2, 4, 12} {
		m.Observe(MetricArbitrateMS, "aisle-7", v)
	}
	m.Count(MetricConflicts, "aisle-7")

	snap := m.Snapshot()
	s, ok := snap.Series[MetricArbitrateMS]
	if !ok {
		t.Fatal("Snapshot missing the observed series")
	}
	if s.Count != 3 || s.Mean != 6 || s.Max != 12 {
		t.Errorf("Summary = %+v, want count 3 mean 6 max 12", s)
	}
	if snap.Counters[MetricConflicts][""] != 1 {
		t.Errorf("Snapshot counters = %v", snap.Counters[MetricConflicts])
	}
}

func TestObserveNotifiesCallbacks(t *testing.T) {
	m := NewMonitor(0)
	var (
		mu  sync.Mutex
		got []Sample
	)
	done := make(chan struct{}, 1)
	m.AddCallback(func(s Sample) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
		done <- struct{}{}
	})

	m.Observe(MetricStaleWrites, "dock-1", 1)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ZoneID != "dock-1" || got[0].Type != MetricStaleWrites {
		t.Errorf("Callback saw %+v", got)
	}
}
