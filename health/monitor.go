package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Probe checks one dependency
type Probe func(ctx context.Context) error

// Monitor tracks dependency health. It is safe for concurrent use.
type Monitor struct {
	mu       sync.RWMutex
	probes   map[string]Probe
	statuses map[string]Status
	timeout  time.Duration
}

// NewMonitor creates a monitor whose probes each get five seconds
func NewMonitor() *Monitor {
	return &Monitor{
		probes:   make(map[string]Probe),
		statuses: make(map[string]Status),
		timeout:  5 * time.Second,
	}
}

// Register adds or replaces a probe
func (m *Monitor) Register(name string, p Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = p
}

// Update records a status directly
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}
	m.statuses[name] = status
}

// Get returns the last status recorded for name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// Remove forgets a dependency and its probe
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.probes, name)
}

// Check runs every probe concurrently, records the results and returns
// the aggregate with sub-statuses sorted by name
func (m *Monitor) Check(ctx context.Context, system string) Status {
	m.mu.RLock()
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for name, p := range probes {
		wg.Add(1)
		go func(name string, p Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			start := time.Now()
			s := FromError(name, p(pctx))
			s.Latency = time.Since(start).String()
			m.Update(name, s)
		}(name, p)
	}
	wg.Wait()
	return m.Aggregate(system)
}

// Aggregate combines the recorded statuses without running probes
func (m *Monitor) Aggregate(system string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(system, subs)
}
