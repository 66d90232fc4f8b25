package records

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ehr/assistant/internal/domain/access"
)

type slowStore struct{ *MemoryStore }

func (s slowStore) Fetch(ctx context.Context, _ Query) ([]access.Record, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type leakyStore struct{ *MemoryStore }

func (s leakyStore) Fetch(_ context.Context, q Query) ([]access.Record, error) {
	return []access.Record{{SubjectID: "P2", Category: q.Category, Fields: map[string]string{"value": "1"}}}, nil
}

func newTestStore() *MemoryStore {
	m := NewMemoryStore()
	m.now = func() time.Time { return time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC) }
	m.AddPatient(Patient{ID: "P1", HospitalID: "hosp-1", GivenName: "Mary", FamilyName: "Smith", MRN: "MRN00012345", Gender: "female", BirthDate: time.Date(1980, 5, 1, 0, 0, 0, 0, time.UTC)})
	m.AddPatient(Patient{ID: "P2", HospitalID: "hosp-1", GivenName: "John", FamilyName: "Doe", MRN: "MRN00067890", Gender: "male", BirthDate: time.Date(1950, 1, 1, 0, 0, 0, 0, time.UTC)})
	m.AddPatient(Patient{ID: "P3", HospitalID: "hosp-2", GivenName: "Ann", FamilyName: "Lee", Gender: "female", BirthDate: time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)})
	m.AddRecord(access.Record{SubjectID: "P1", Category: access.CategoryLabs, Fields: map[string]string{"test_name": "HbA1c", "value": "6.1", "unit": "%", "reference_range": "4.0-5.6", "draw_date": "2026-03-12"}})
	m.AddRecord(access.Record{SubjectID: "P1", Category: access.CategoryLabs, Fields: map[string]string{"test_name": "LDL", "value": "130", "unit": "mg/dL", "reference_range": "<100", "draw_date": "2025-11-02"}})
	m.AddRecord(access.Record{SubjectID: "P2", Category: access.CategoryLabs, Fields: map[string]string{"test_name": "HbA1c", "value": "7.9", "unit": "%", "draw_date": "2026-03-10"}})
	m.AddRecord(access.Record{SubjectID: "P1", Category: access.CategoryAppointments, Fields: map[string]string{"appointment_date": "2026-03-20", "status": "booked"}})
	m.AddRecord(access.Record{SubjectID: "P2", Category: access.CategoryAppointments, Fields: map[string]string{"appointment_date": "2026-02-11", "status": "fulfilled"}})
	m.AddRecord(access.Record{SubjectID: "P2", Category: access.CategoryEncounters, Fields: map[string]string{"encounter_date": "2026-02-11"}})
	return m
}

func labsPlan(subjects ...string) access.Plan {
	return access.Plan{
		Entries:  []access.PlanEntry{{Category: access.CategoryLabs, Fields: []string{"test_name", "value", "unit", "reference_range", "draw_date"}}},
		Subjects: subjects,
	}
}

func TestFetch_ScopedToSubjects(t *testing.T) {
	a := NewAdapter(newTestStore(), time.Second)
	sc := access.NewPatientScope("P1", time.Now())
	b, err := a.Fetch(context.Background(), sc, labsPlan("P1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", b.Len())
	}
	for _, s := range b.Sections {
		for _, r := range s.Records {
			if r.SubjectID != "P1" {
				t.Errorf("record for %s leaked", r.SubjectID)
			}
		}
	}
	if b.Sections[0].Records[0].Fields["draw_date"] != "2026-03-12" {
		t.Errorf("expected newest first, got %v", b.Sections[0].Records[0].Fields)
	}
}

func TestFetch_SinceBound(t *testing.T) {
	a := NewAdapter(newTestStore(), time.Second)
	sc := access.NewPatientScope("P1", time.Now())
	plan := labsPlan("P1")
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	plan.Since = &since
	b, err := a.Fetch(context.Background(), sc, plan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Len() != 1 {
		t.Errorf("expected 1 record after since, got %d", b.Len())
	}
}

func TestFetchCategory_RefusesOutsidePlan(t *testing.T) {
	a := NewAdapter(newTestStore(), time.Second)
	sc := access.NewPatientScope("P1", time.Now())
	_, err := a.FetchCategory(context.Background(), sc, labsPlan("P1"), access.CategoryMedications)
	if !errors.Is(err, access.ErrScopeViolation) {
		t.Errorf("expected scope_violation, got %v", err)
	}
}

func TestFetch_SubjectOutsideScope(t *testing.T) {
	a := NewAdapter(newTestStore(), time.Second)
	sc := access.NewPatientScope("P1", time.Now())
	_, err := a.Fetch(context.Background(), sc, labsPlan("P2"))
	if !errors.Is(err, access.ErrScopeViolation) {
		t.Errorf("expected scope_violation, got %v", err)
	}
}

func TestFetch_AmbiguousStore(t *testing.T) {
	store := newTestStore()
	store.MarkAmbiguous(access.CategoryLabs)
	a := NewAdapter(store, time.Second)
	sc := access.NewPatientScope("P1", time.Now())
	_, err := a.Fetch(context.Background(), sc, labsPlan("P1"))
	if !errors.Is(err, access.ErrDataAccessAmbiguous) {
		t.Errorf("expected data_access_ambiguous, got %v", err)
	}
}

func TestFetch_UnattributableRowIsAmbiguous(t *testing.T) {
	a := NewAdapter(leakyStore{newTestStore()}, time.Second)
	sc := access.NewPatientScope("P1", time.Now())
	_, err := a.Fetch(context.Background(), sc, labsPlan("P1"))
	if !errors.Is(err, access.ErrDataAccessAmbiguous) {
		t.Errorf("expected data_access_ambiguous, got %v", err)
	}
}

func TestFetch_Timeout(t *testing.T) {
	a := NewAdapter(slowStore{newTestStore()}, 20*time.Millisecond)
	sc := access.NewPatientScope("P1", time.Now())
	_, err := a.Fetch(context.Background(), sc, labsPlan("P1"))
	if !errors.Is(err, access.ErrDataAccessTimeout) {
		t.Errorf("expected data_access_timeout, got %v", err)
	}
}

func TestFetch_HospitalAggregates(t *testing.T) {
	a := NewAdapter(newTestStore(), time.Second)
	sc := access.NewHospitalScope("A1", "hosp-1", time.Now())
	plan := access.Plan{
		Entries:        []access.PlanEntry{{Category: access.CategoryAggregateCounts, Fields: access.CategoryAggregateCounts.Fields()}},
		AggregationKey: "hosp-1",
	}
	b, err := a.Fetch(context.Background(), sc, plan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := make(map[string]string)
	for _, r := range b.Sections[0].Records {
		if r.SubjectID != "" {
			t.Errorf("aggregate row carries subject id %s", r.SubjectID)
		}
		got[r.Fields["metric"]+"/"+r.Fields["dimension"]] = r.Fields["value"]
	}
	checks := map[string]string{
		"total_patients/all":          "2",
		"patients_by_age_group/36-50": "1",
		"patients_by_age_group/65+":   "1",
		"patients_by_gender/female":   "1",
		"appointments_this_month/all": "1",
		"appointments_last_month/all": "1",
		"appointment_change_pct/all":  "0.0",
		"encounters_per_patient/all":  "0.5",
	}
	for k, want := range checks {
		if got[k] != want {
			t.Errorf("%s: expected %s, got %q", k, want, got[k])
		}
	}
}

func TestFetch_HospitalPlanWithSubjectsRejected(t *testing.T) {
	a := NewAdapter(newTestStore(), time.Second)
	sc := access.NewHospitalScope("A1", "hosp-1", time.Now())
	plan := access.Plan{
		Entries:        []access.PlanEntry{{Category: access.CategoryAggregateCounts, Fields: []string{"metric"}}},
		AggregationKey: "hosp-2",
	}
	if _, err := a.Fetch(context.Background(), sc, plan); !errors.Is(err, access.ErrScopeViolation) {
		t.Errorf("expected scope_violation for foreign aggregation key, got %v", err)
	}
}

func TestDirectory_MatchNames(t *testing.T) {
	d := NewDirectory(newTestStore())
	got, err := d.MatchNames(context.Background(), []string{"P1", "P2"}, "How is Mary Smith doing?")
	if err != nil || len(got) != 1 || got[0] != "P1" {
		t.Errorf("expected [P1], got %v, %v", got, err)
	}
	got, _ = d.MatchNames(context.Background(), []string{"P1", "P2"}, "latest labs for Mr. Doe")
	if len(got) != 1 || got[0] != "P2" {
		t.Errorf("expected [P2] by family name, got %v", got)
	}
	got, _ = d.MatchNames(context.Background(), []string{"P1"}, "labs for John Doe")
	if len(got) != 0 {
		t.Errorf("expected no match outside candidates, got %v", got)
	}
}

func TestBuildSelect(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sql, args, err := buildSelect(Query{Category: access.CategoryLabs, SubjectIDs: []string{"P1"}, Fields: []string{"value", "draw_date"}, Since: &since, Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "SELECT patient_id, value::text, draw_date::text FROM lab_result WHERE patient_id = ANY($1) AND draw_date >= $2 ORDER BY draw_date DESC LIMIT 10"
	if sql != want {
		t.Errorf("unexpected sql:\n%s", sql)
	}
	if len(args) != 2 {
		t.Errorf("expected 2 args, got %d", len(args))
	}
	if _, _, err := buildSelect(Query{Category: access.CategoryLabs, Fields: []string{"value; DROP TABLE x"}}); err == nil || !strings.Contains(err.Error(), "unknown field") {
		t.Errorf("expected unknown field error, got %v", err)
	}
}
