package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ehr/assistant/internal/domain/access"
)

// MemoryStore is an in-process records store for development fixtures and
// tests. Like an upstream EHR API it returns rows with the subject's name
// and MRN attached; de-identification removes them.
type MemoryStore struct {
	mu        sync.RWMutex
	patients  map[string]Patient
	rows      map[string][]access.Record
	ambiguous map[access.Category]bool
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:  make(map[string]Patient),
		rows:      make(map[string][]access.Record),
		ambiguous: make(map[access.Category]bool),
		now:       time.Now,
	}
}

func (m *MemoryStore) AddPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *MemoryStore) AddRecord(r access.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.SubjectID] = append(m.rows[r.SubjectID], r.Clone())
}

// MarkAmbiguous makes every fetch of c fail with ErrAmbiguous.
func (m *MemoryStore) MarkAmbiguous(c access.Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ambiguous[c] = true
}

// Patient returns a stored patient.
func (m *MemoryStore) Patient(id string) (Patient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	return p, ok
}

func (m *MemoryStore) Fetch(ctx context.Context, q Query) ([]access.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ambiguous[q.Category] {
		return nil, ErrAmbiguous
	}
	if q.Category.Aggregate() {
		return m.aggregates(q.AggregationKey), nil
	}

	dateField := DateField(q.Category)
	var out []access.Record
	for _, id := range q.SubjectIDs {
		p := m.patients[id]
		for _, r := range m.rows[id] {
			if r.Category != q.Category {
				continue
			}
			if q.Since != nil && dateField != "" {
				if t, ok := parseDate(r.Fields[dateField]); ok && t.Before(*q.Since) {
					continue
				}
			}
			rec := access.Record{SubjectID: id, Category: r.Category, Fields: make(map[string]string, len(q.Fields)+2)}
			for _, f := range q.Fields {
				if v, ok := r.Fields[f]; ok {
					rec.Fields[f] = v
				}
			}
			if p.ID != "" {
				rec.Fields["patient_name"] = p.DisplayName()
				rec.Fields["mrn"] = p.MRN
			}
			out = append(out, rec)
		}
	}
	if dateField != "" {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Fields[dateField] > out[j].Fields[dateField]
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) aggregates(key string) []access.Record {
	var in aggregateInput
	for _, p := range m.patients {
		if p.HospitalID != key {
			continue
		}
		in.patients = append(in.patients, p)
		for _, r := range m.rows[p.ID] {
			switch r.Category {
			case access.CategoryAppointments:
				if t, ok := parseDate(r.Fields["appointment_date"]); ok {
					in.appointments = append(in.appointments, t)
				}
			case access.CategoryEncounters:
				in.encounters++
			}
		}
	}
	return computeAggregates(key, in, m.now())
}

func (m *MemoryStore) DisplayNames(_ context.Context, ids []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if p, ok := m.patients[id]; ok {
			out[id] = p.DisplayName()
		}
	}
	return out, nil
}
