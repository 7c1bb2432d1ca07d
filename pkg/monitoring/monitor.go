package monitoring

import (
	"sync"
	"time"
)

// MetricType names a counter or observation series tracked by the
// monitor.
type MetricType string

const (
	MetricProposals   MetricType = "proposals"
	MetricConflicts   MetricType = "conflicts"
	MetricResolutions MetricType = "resolutions"
	MetricEscalations MetricType = "escalations"
	MetricAutoResolve MetricType = "auto_resolutions"
	MetricStaleWrites MetricType = "stale_writes"
	MetricCommits     MetricType = "commits"
	MetricArbitrateMS MetricType = "arbitrate_ms"
)

// Sample is one recorded observation.
type Sample struct {
	Type      MetricType
	ZoneID    string
	Value     float64
	Timestamp time.Time
}

// Monitor collects per-zone counters and bounded observation series for
// the arbitration pipeline. All methods are safe for concurrent use.
type Monitor struct {
	mu sync.RWMutex

	// counters[type][zoneID]; zoneID "" aggregates across zones
	counters map[MetricType]map[string]float64

	// bounded recent samples per series, oldest dropped first
	samples    map[MetricType][]Sample
	maxSamples int

	callbacks []func(Sample)
}

// NewMonitor creates a monitor keeping up to maxSamples recent
// observations per series. maxSamples <= 0 selects a default of 256.
func NewMonitor(maxSamples int) *Monitor {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &Monitor{
		counters:   make(map[MetricType]map[string]float64),
		samples:    make(map[MetricType][]Sample),
		maxSamples: maxSamples,
	}
}

// Count increments the named counter for a zone by one.
func (m *Monitor) Count(t MetricType, zoneID string) {
	m.Add(t, zoneID, 1)
}

// Add increments the named counter for a zone by v.
func (m *Monitor) Add(t MetricType, zoneID string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byZone, ok := m.counters[t]
	if !ok {
		byZone = make(map[string]float64)
		m.counters[t] = byZone
	}
	byZone[zoneID] += v
	byZone[""] += v
}

// Observe records one sample in a series and notifies callbacks.
func (m *Monitor) Observe(t MetricType, zoneID string, v float64) {
	s := Sample{Type: t, ZoneID: zoneID, Value: v, Timestamp: time.Now()}

	m.mu.Lock()
	series := append(m.samples[t], s)
	if len(series) > m.maxSamples {
		series = series[len(series)-m.maxSamples:]
	}
	m.samples[t] = series
	callbacks := m.callbacks
	m.mu.Unlock()

	for _, cb := range callbacks {
		go cb(s)
	}
}

// AddCallback registers a callback invoked on every observation.
func (m *Monitor) AddCallback(cb func(Sample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Counter returns the current value of a counter for one zone; pass ""
// for the cross-zone total.
func (m *Monitor) Counter(t MetricType, zoneID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[t][zoneID]
}

// Samples returns a copy of the recent observations of a series.
func (m *Monitor) Samples(t MetricType) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Sample, len(m.samples[t]))
	copy(out, m.samples[t])
	return out
}

// SeriesSummary aggregates one observation series.
type SeriesSummary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Max   float64 `json:"max"`
}

// Snapshot is a point-in-time view of all metrics, shaped for the
// metrics endpoint.
type Snapshot struct {
	Counters map[MetricType]map[string]float64 `json:"counters"`
	Series   map[MetricType]SeriesSummary      `json:"series"`
	TakenAt  time.Time                         `json:"taken_at"`
}

// Snapshot returns a copy of all counters and series summaries.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Counters: make(map[MetricType]map[string]float64, len(m.counters)),
		Series:   make(map[MetricType]SeriesSummary, len(m.samples)),
		TakenAt:  time.Now(),
	}
	for t, byZone := range m.counters {
		cp := make(map[string]float64, len(byZone))
		for z, v := range byZone {
			cp[z] = v
		}
		snap.Counters[t] = cp
	}
	for t, series := range m.samples {
		if len(series) == 0 {
			continue
		}
		sum, max := 0.0, series[0].Value
		for _, s := range series {
			sum += s.Value
			if s.Value > max {
				max = s.Value
			}
		}
		snap.Series[t] = SeriesSummary{
			Count: len(series),
			Mean:  sum / float64(len(series)),
			Max:   max,
		}
	}
	return snap
}
