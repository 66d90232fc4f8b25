package consent

import (
	"context"
	"sync"

	"github.com/ehr/assistant/internal/domain/access"
)

// MemoryStore is an in-process consent store for development fixtures and
// tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]Record)}
}

func (m *MemoryStore) Put(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.SubjectID] = append(m.records[rec.SubjectID], rec)
}

func (m *MemoryStore) Lookup(_ context.Context, subjectID string, category access.Category) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records[subjectID] {
		if r.Category == category || r.Category == AnyCategory {
			out = append(out, r)
		}
	}
	return out, nil
}
