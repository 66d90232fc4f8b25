package deid

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/ehr/assistant/internal/domain/access"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultRules())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func rawLabs() access.Bundle {
	return access.Bundle{Sections: []access.Section{{
		Category: access.CategoryLabs,
		Records: []access.Record{{
			SubjectID: "pat-0001",
			Category:  access.CategoryLabs,
			Fields: map[string]string{
				"test_name":       "HbA1c",
				"value":           "6.1",
				"unit":            "%",
				"reference_range": "4.0-5.6",
				"draw_date":       "2026-03-12",
				"patient_name":    "Mary Smith",
				"mrn":             "MRN00012345",
			},
		}},
	}}}
}

func labsPlan() access.Plan {
	return access.Plan{
		Entries:  []access.PlanEntry{{Category: access.CategoryLabs, Fields: []string{"value", "unit", "reference_range", "draw_date"}}},
		Subjects: []string{"pat-0001"},
	}
}

func TestClassify(t *testing.T) {
	e := newTestEngine(t)
	tests := map[string]FieldClass{
		"medication_name": ClassMedication,
		"dose":            ClassMedication,
		"route":           ClassMedication,
		"draw_date":       ClassMedicalDate,
		"start_date":      ClassMedicalDate,
		"recorded_at":     ClassMedicalDate,
		"patient_name":    ClassDirectIdentifier,
		"mrn":             ClassDirectIdentifier,
		"phone":           ClassDirectIdentifier,
		"email":           ClassDirectIdentifier,
		"device_serial":   ClassDirectIdentifier,
		"street_address":  ClassDirectIdentifier,
		"birth_date":      ClassQuasiIdentifier,
		"zip":             ClassQuasiIdentifier,
		"note_text":       ClassOther,
		"value":           ClassOther,
	}
	for field, want := range tests {
		if got, _ := e.Classify(field); got != want {
			t.Errorf("Classify(%s): expected %s, got %s", field, want, got)
		}
	}
}

func TestMask_ScenarioLabs(t *testing.T) {
	e := newTestEngine(t)
	masked := e.Mask(rawLabs(), labsPlan())
	if !masked.Masked {
		t.Error("expected Masked flag")
	}
	rec := masked.Sections[0].Records[0]
	if rec.Fields["draw_date"] != "2026-03-12" {
		t.Errorf("draw_date not preserved: %q", rec.Fields["draw_date"])
	}
	if _, ok := rec.Fields["patient_name"]; ok {
		t.Error("patient_name should be dropped")
	}
	if _, ok := rec.Fields["mrn"]; ok {
		t.Error("mrn should be dropped")
	}
	if _, ok := rec.Fields["test_name"]; ok {
		t.Error("fields outside the plan should be dropped")
	}
	if rec.SubjectID != "subject-1" {
		t.Errorf("expected pseudonymous subject, got %q", rec.SubjectID)
	}
}

func TestMask_PreservedFieldsSubsetOfPlan(t *testing.T) {
	e := newTestEngine(t)
	plan := labsPlan()
	masked := e.Mask(rawLabs(), plan)
	for _, s := range masked.Sections {
		for _, r := range s.Records {
			for k := range r.Fields {
				if !plan.Allows(s.Category, k) {
					t.Errorf("field %s.%s not in plan", s.Category, k)
				}
			}
		}
	}
}

func TestMask_MedicationFieldsUnchanged(t *testing.T) {
	e := newTestEngine(t)
	raw := access.Bundle{Sections: []access.Section{{
		Category: access.CategoryMedications,
		Records: []access.Record{{
			SubjectID: "pat-0001",
			Category:  access.CategoryMedications,
			Fields: map[string]string{
				"medication_name": "Metformin 500 MG Oral Tablet",
				"dose":            "500 mg",
				"frequency":       "twice daily",
				"route":           "oral",
				"start_date":      "2025-01-15",
				"end_date":        "2026-01-15",
				"status":          "active",
			},
		}},
	}}}
	plan := access.Plan{Entries: []access.PlanEntry{{Category: access.CategoryMedications, Fields: access.CategoryMedications.Fields()}}}
	masked := e.Mask(raw, plan)
	got := masked.Sections[0].Records[0].Fields
	for k, v := range raw.Sections[0].Records[0].Fields {
		if got[k] != v {
			t.Errorf("%s changed: %q -> %q", k, v, got[k])
		}
	}
}

func TestMask_Idempotent(t *testing.T) {
	e := newTestEngine(t)
	raw := rawLabs()
	raw.Sections = append(raw.Sections, access.Section{
		Category: access.CategoryClinicalNotes,
		Records: []access.Record{{
			SubjectID: "pat-0001",
			Category:  access.CategoryClinicalNotes,
			Fields: map[string]string{
				"note_date":    "2026-03-01",
				"note_type":    "progress",
				"note_text":    "Mary Smith (MRN00012345) reports fatigue. Call 555-123-4567 or mary.smith@example.com.",
				"patient_name": "Mary Smith",
				"birth_date":   "1980-05-01",
			},
		}},
	})
	plan := labsPlan()
	plan.Entries = append(plan.Entries,
		access.PlanEntry{Category: access.CategoryClinicalNotes, Fields: []string{"note_date", "note_type", "note_text", "birth_date"}})

	once := e.Mask(raw, plan)
	twice := e.Mask(once, plan)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("masking is not idempotent:\n%+v\n%+v", once, twice)
	}
	note := once.Sections[1].Records[0].Fields["note_text"]
	for _, leak := range []string{"Mary", "Smith", "MRN00012345", "555-123-4567", "example.com"} {
		if strings.Contains(note, leak) {
			t.Errorf("note_text leaks %q: %s", leak, note)
		}
	}
	if !strings.Contains(note, "reports fatigue") {
		t.Errorf("clinical content lost: %s", note)
	}
	if once.Sections[1].Records[0].Fields["birth_date"] != "1980" {
		t.Errorf("expected birth year, got %q", once.Sections[1].Records[0].Fields["birth_date"])
	}
}

func TestGeneralize(t *testing.T) {
	e := newTestEngine(t)
	tests := []struct {
		kind, in, want string
	}{
		{"year", "1980-05-01", "1980"},
		{"year", "1980", "1980"},
		{"zip3", "10001", "100**"},
		{"zip3", "03601", "000**"},
		{"zip3", "000**", "000**"},
		{"zip3", "12", "[REDACTED]"},
		{"age90", "42", "42"},
		{"age90", "93", "90+"},
		{"age90", "90+", "90+"},
	}
	for _, tt := range tests {
		if got := e.generalize(tt.kind, tt.in); got != tt.want {
			t.Errorf("generalize(%s, %q): expected %q, got %q", tt.kind, tt.in, tt.want, got)
		}
	}
}

func TestMask_DirectIdentifierInPlanIsMasked(t *testing.T) {
	e := newTestEngine(t)
	raw := rawLabs()
	plan := labsPlan()
	plan.Entries[0].Fields = append(plan.Entries[0].Fields, "patient_name")
	masked := e.Mask(raw, plan)
	if got := masked.Sections[0].Records[0].Fields["patient_name"]; got != "[REDACTED]" {
		t.Errorf("expected mask token, got %q", got)
	}
}

func TestScrubText(t *testing.T) {
	e := newTestEngine(t)
	in := "Contact jane@example.org, SSN 123-45-6789, see https://portal.example.com/x from 10.0.0.1 at 42 Oak Street."
	out, n := e.ScrubText(in, nil)
	if n < 5 {
		t.Errorf("expected at least 5 replacements, got %d: %s", n, out)
	}
	for _, leak := range []string{"jane@", "123-45-6789", "https://", "10.0.0.1", "Oak Street"} {
		if strings.Contains(out, leak) {
			t.Errorf("scrubbed text leaks %q: %s", leak, out)
		}
	}
	same, n := e.ScrubText("Blood pressure 120/80 on 2026-03-01, HbA1c 6.1%", nil)
	if n != 0 || same != "Blood pressure 120/80 on 2026-03-01, HbA1c 6.1%" {
		t.Errorf("clinical text altered: %q (%d)", same, n)
	}
}

func TestIdentifiers(t *testing.T) {
	e := newTestEngine(t)
	ids := e.Identifiers(rawLabs())
	want := map[string]bool{"Mary Smith": true, "MRN00012345": true, "Mary": true, "Smith": true, "pat-0001": true}
	if len(ids) != len(want) {
		t.Errorf("expected %d identifiers, got %v", len(want), ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected identifier %q", id)
		}
	}
	if ids[0] != "MRN00012345" {
		t.Errorf("expected longest identifier first, got %v", ids)
	}
}

func TestLoadRules_FileOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := "mask_token: \"***\"\ndirect_identifier_fields: [\"^nickname$\"]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	e, err := NewEngine(r)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if e.MaskToken() != "***" {
		t.Errorf("expected override token, got %q", e.MaskToken())
	}
	if c, _ := e.Classify("nickname"); c != ClassDirectIdentifier {
		t.Errorf("expected nickname to be an identifier, got %s", c)
	}
}

func TestNewEngine_BadGeneralization(t *testing.T) {
	r := DefaultRules()
	r.Quasi = append(r.Quasi, QuasiRule{Field: "^x$", Generalize: "round"})
	if _, err := NewEngine(r); err == nil {
		t.Error("expected error for unknown generalization")
	}
}
