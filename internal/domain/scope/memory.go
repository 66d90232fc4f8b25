package scope

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Relationship is one doctor-patient encounter link.
type Relationship struct {
	DoctorID  string
	PatientID string
	At        time.Time
	Open      bool
}

// MemoryRelationships is an in-process RelationshipSource used by the
// development fixtures and tests.
type MemoryRelationships struct {
	mu     sync.RWMutex
	links  []Relationship
	admins map[string]string
}

func NewMemoryRelationships() *MemoryRelationships {
	return &MemoryRelationships{admins: make(map[string]string)}
}

func (m *MemoryRelationships) Add(rel Relationship) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, rel)
}

// Remove drops every link between doctorID and patientID.
func (m *MemoryRelationships) Remove(doctorID, patientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.links[:0]
	for _, l := range m.links {
		if l.DoctorID == doctorID && l.PatientID == patientID {
			continue
		}
		kept = append(kept, l)
	}
	m.links = kept
}

func (m *MemoryRelationships) SetHospitalAdmin(adminID, hospitalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins[adminID] = hospitalID
}

func (m *MemoryRelationships) ActivePatientsForDoctor(_ context.Context, doctorID string, since time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var ids []string
	for _, l := range m.links {
		if l.DoctorID != doctorID || seen[l.PatientID] {
			continue
		}
		if l.Open || !l.At.Before(since) {
			seen[l.PatientID] = true
			ids = append(ids, l.PatientID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryRelationships) HospitalForAdmin(_ context.Context, adminID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.admins[adminID], nil
}
