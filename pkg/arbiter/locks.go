package arbiter

import (
	"sort"
	"sync"
)

// ZoneLocks serializes detection plus arbitration per resource grouping.
// Groups touching disjoint zones arbitrate fully in parallel; a group's
// lock set is held from detection through finalization or escalation
// hand-off, then released exactly once.
type ZoneLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewZoneLocks creates an empty lock table
func NewZoneLocks() *ZoneLocks {
	return &ZoneLocks{locks: make(map[string]*sync.Mutex)}
}

// Acquire takes the locks for the given zones in sorted order, so two
// multi-zone proposals can never deadlock each other. The returned
// release function is idempotent.
func (z *ZoneLocks) Acquire(zones []string) (release func()) {
	sorted := make([]string, len(zones))
	copy(sorted, zones)
	sort.Strings(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, zone := range sorted {
		m := z.lockFor(zone)
		m.Lock()
		held = append(held, m)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Unlock in reverse acquisition order
			for i := len(held) - 1; i >= 0; i-- {
				held[i].Unlock()
			}
		})
	}
}

func (z *ZoneLocks) lockFor(zone string) *sync.Mutex {
	z.mu.Lock()
	defer z.mu.Unlock()

	m, ok := z.locks[zone]
	if !ok {
		m = &sync.Mutex{}
		z.locks[zone] = m
	}
	return m
}
