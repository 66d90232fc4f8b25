package consent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ehr/assistant/internal/domain/access"
)

type errStore struct{}

func (errStore) Lookup(context.Context, string, access.Category) ([]Record, error) {
	return nil, fmt.Errorf("timeout")
}

type countingStore struct {
	*MemoryStore
	calls int
}

func (c *countingStore) Lookup(ctx context.Context, s string, cat access.Category) ([]Record, error) {
	c.calls++
	return c.MemoryStore.Lookup(ctx, s, cat)
}

var past = time.Now().Add(-24 * time.Hour)

func planFor(subjects []string, cats ...access.Category) access.Plan {
	p := access.Plan{Subjects: subjects}
	for _, c := range cats {
		p.Entries = append(p.Entries, access.PlanEntry{Category: c, Fields: c.Fields()})
	}
	return p
}

func TestCheck_PatientSelfNonSensitiveExempt(t *testing.T) {
	g := NewGate(NewMemoryStore())
	sc := access.NewPatientScope("P1", time.Now())
	if err := g.Session().Check(context.Background(), sc, planFor([]string{"P1"}, access.CategoryLabs)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCheck_MentalHealthBlockedWithoutGrant(t *testing.T) {
	store := NewMemoryStore()
	store.Put(Record{SubjectID: "P1", Category: AnyCategory, Granted: true, EffectiveFrom: past})
	g := NewGate(store)
	sc := access.NewPatientScope("P1", time.Now())
	err := g.Session().Check(context.Background(), sc, planFor([]string{"P1"}, access.CategoryMentalHealthNotes))
	if !errors.Is(err, access.ErrConsentDenied) {
		t.Errorf("expected consent_denied, got %v", err)
	}

	store.Put(Record{SubjectID: "P1", Category: access.CategoryMentalHealthNotes, Granted: true, EffectiveFrom: past})
	if err := g.Session().Check(context.Background(), sc, planFor([]string{"P1"}, access.CategoryMentalHealthNotes)); err != nil {
		t.Errorf("expected explicit grant to pass, got %v", err)
	}
}

func TestCheck_DoctorNeedsGrant(t *testing.T) {
	store := NewMemoryStore()
	store.Put(Record{SubjectID: "P1", Category: AnyCategory, Granted: true, EffectiveFrom: past})
	g := NewGate(store)
	sc := access.NewDoctorScope("D1", []string{"P1", "P2"}, time.Now())

	if err := g.Session().Check(context.Background(), sc, planFor([]string{"P1"}, access.CategoryLabs)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := g.Session().Check(context.Background(), sc, planFor([]string{"P2"}, access.CategoryLabs))
	if !errors.Is(err, access.ErrConsentDenied) {
		t.Errorf("expected consent_denied for missing record, got %v", err)
	}
}

func TestCheck_LookupErrorFailsClosed(t *testing.T) {
	g := NewGate(errStore{})
	sc := access.NewDoctorScope("D1", []string{"P1"}, time.Now())
	err := g.Session().Check(context.Background(), sc, planFor([]string{"P1"}, access.CategoryVitals))
	if !errors.Is(err, access.ErrConsentDenied) {
		t.Errorf("expected consent_denied on lookup error, got %v", err)
	}
}

func TestCheck_RefusalOverridesGrant(t *testing.T) {
	store := NewMemoryStore()
	store.Put(Record{SubjectID: "P1", Category: AnyCategory, Granted: true, EffectiveFrom: past})
	store.Put(Record{SubjectID: "P1", Category: access.CategoryLabs, Granted: false, EffectiveFrom: past})
	g := NewGate(store)
	sc := access.NewDoctorScope("D1", []string{"P1"}, time.Now())
	err := g.Session().Check(context.Background(), sc, planFor([]string{"P1"}, access.CategoryLabs))
	if !errors.Is(err, access.ErrConsentDenied) {
		t.Errorf("expected refusal to win, got %v", err)
	}
}

func TestCheck_ExpiredGrant(t *testing.T) {
	store := NewMemoryStore()
	end := time.Now().Add(-time.Hour)
	store.Put(Record{SubjectID: "P1", Category: access.CategoryLabs, Granted: true, EffectiveFrom: past, EffectiveTo: &end})
	g := NewGate(store)
	sc := access.NewDoctorScope("D1", []string{"P1"}, time.Now())
	err := g.Session().Check(context.Background(), sc, planFor([]string{"P1"}, access.CategoryLabs))
	if !errors.Is(err, access.ErrConsentDenied) {
		t.Errorf("expected expired grant to deny, got %v", err)
	}
}

func TestCheck_HospitalAggregateSkipsLookup(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	g := NewGate(store)
	sc := access.NewHospitalScope("A1", "hosp-1", time.Now())
	if err := g.Session().Check(context.Background(), sc, planFor(nil, access.CategoryAggregateCounts)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if store.calls != 0 {
		t.Errorf("expected no lookups, got %d", store.calls)
	}
}

func TestSession_LookupOncePerCategory(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	store.Put(Record{SubjectID: "P1", Category: AnyCategory, Granted: true, EffectiveFrom: past})
	g := NewGate(store)
	sc := access.NewDoctorScope("D1", []string{"P1"}, time.Now())
	sess := g.Session()
	plan := planFor([]string{"P1"}, access.CategoryLabs, access.CategoryVitals)
	for i := 0; i < 3; i++ {
		if err := sess.Check(context.Background(), sc, plan); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if store.calls != 2 {
		t.Errorf("expected 2 lookups, got %d", store.calls)
	}
}
