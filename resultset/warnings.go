package resultset

import (
	"sync"

	"github.com/hugr-lab/resultflight/client"
)

// WarningsManager collects the warnings of a query, each distinct warning
// once, and forwards new ones to an optional sink.
type WarningsManager struct {
	sink func(client.Warning)

	mu       sync.Mutex
	seen     map[client.Warning]struct{}
	warnings []client.Warning
}

// NewWarningsManager returns a manager calling sink for every new warning.
// sink may be nil.
func NewWarningsManager(sink func(client.Warning)) *WarningsManager {
	return &WarningsManager{
		sink: sink,
		seen: make(map[client.Warning]struct{}),
	}
}

// Add records warnings not seen before.
func (m *WarningsManager) Add(warnings ...client.Warning) {
	var fresh []client.Warning
	m.mu.Lock()
	for _, w := range warnings {
		if _, ok := m.seen[w]; ok {
			continue
		}
		m.seen[w] = struct{}{}
		m.warnings = append(m.warnings, w)
		fresh = append(fresh, w)
	}
	m.mu.Unlock()

	if m.sink != nil {
		for _, w := range fresh {
			m.sink(w)
		}
	}
}

// Warnings returns the distinct warnings in the order they arrived.
func (m *WarningsManager) Warnings() []client.Warning {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]client.Warning(nil), m.warnings...)
}

// Clear forgets the collected warnings. Warnings seen before are still
// not reported again.
func (m *WarningsManager) Clear() {
	m.mu.Lock()
	m.warnings = nil
	m.mu.Unlock()
}
