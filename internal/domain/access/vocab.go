// Package access holds the closed vocabularies and request-scoped descriptors
// shared by every stage of the assistant pipeline: roles, intents, data
// categories, identity claims, scope descriptors, request plans, record
// bundles and the error taxonomy.
package access

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the verified role of the caller. It is a closed set; every switch
// over Role handles all three values and treats anything else as invalid.
type Role uint8

const (
	roleUnknown Role = iota
	RolePatient
	RoleDoctor
	RoleHospital
)

// AllRoles lists every valid role in declaration order.
var AllRoles = []Role{RolePatient, RoleDoctor, RoleHospital}

func (r Role) String() string {
	switch r {
	case RolePatient:
		return "patient"
	case RoleDoctor:
		return "doctor"
	case RoleHospital:
		return "hospital"
	}
	return "unknown"
}

// Valid reports whether r is one of the three recognised roles.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor || r == RoleHospital
}

// ParseRole maps a role claim to a Role. Matching is case-insensitive.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient":
		return RolePatient, nil
	case "doctor", "physician", "clinician":
		return RoleDoctor, nil
	case "hospital", "hospital_admin":
		return RoleHospital, nil
	}
	return roleUnknown, Errorf(KindIdentityInvalid, "unrecognized role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("marshal role: invalid value %d", r)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Intent is the classified purpose of a query.
type Intent uint8

const (
	intentUnknown Intent = iota
	IntentData
	IntentExplanation
	IntentAnalytics
	IntentRecommendation
	IntentAction
)

// AllIntents lists the fixed classification vocabulary.
var AllIntents = []Intent{IntentData, IntentExplanation, IntentAnalytics, IntentRecommendation, IntentAction}

func (i Intent) String() string {
	switch i {
	case IntentData:
		return "data"
	case IntentExplanation:
		return "explanation"
	case IntentAnalytics:
		return "analytics"
	case IntentRecommendation:
		return "recommendation"
	case IntentAction:
		return "action"
	}
	return "unknown"
}

func (i Intent) Valid() bool {
	return i >= IntentData && i <= IntentAction
}

func ParseIntent(s string) (Intent, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "data":
		return IntentData, nil
	case "explanation":
		return IntentExplanation, nil
	case "analytics":
		return IntentAnalytics, nil
	case "recommendation":
		return IntentRecommendation, nil
	case "action":
		return IntentAction, nil
	}
	return intentUnknown, fmt.Errorf("unknown intent %q", s)
}

func (i Intent) MarshalText() ([]byte, error) {
	if !i.Valid() {
		return nil, fmt.Errorf("marshal intent: invalid value %d", i)
	}
	return []byte(i.String()), nil
}

func (i *Intent) UnmarshalText(b []byte) error {
	parsed, err := ParseIntent(string(b))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// IntentSet is the ordered, non-empty, duplicate-free set of intents assigned
// to one query. The zero value is not a valid set.
type IntentSet struct {
	labels []Intent
}

// NewIntentSet builds a set from labels, dropping duplicates while keeping
// first-seen order. It fails when no valid label remains.
func NewIntentSet(labels ...Intent) (IntentSet, error) {
	seen := make(map[Intent]bool, len(labels))
	out := make([]Intent, 0, len(labels))
	for _, l := range labels {
		if !l.Valid() || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	if len(out) == 0 {
		return IntentSet{}, fmt.Errorf("intent set must not be empty")
	}
	return IntentSet{labels: out}, nil
}

// MustIntentSet is NewIntentSet for statically known labels.
func MustIntentSet(labels ...Intent) IntentSet {
	s, err := NewIntentSet(labels...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s IntentSet) Labels() []Intent {
	out := make([]Intent, len(s.labels))
	copy(out, s.labels)
	return out
}

func (s IntentSet) Has(i Intent) bool {
	for _, l := range s.labels {
		if l == i {
			return true
		}
	}
	return false
}

func (s IntentSet) Len() int { return len(s.labels) }

func (s IntentSet) Strings() []string {
	out := make([]string, len(s.labels))
	for i, l := range s.labels {
		out[i] = l.String()
	}
	return out
}

func (s IntentSet) String() string { return strings.Join(s.Strings(), "+") }

func (s IntentSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *IntentSet) UnmarshalJSON(b []byte) error {
	var raw []string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	labels := make([]Intent, 0, len(raw))
	for _, r := range raw {
		i, err := ParseIntent(r)
		if err != nil {
			return err
		}
		labels = append(labels, i)
	}
	parsed, err := NewIntentSet(labels...)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Category is a data category the records store can serve.
type Category string

const (
	CategoryLabs               Category = "labs"
	CategoryMedications        Category = "medications"
	CategoryVitals             Category = "vitals"
	CategoryEncounters         Category = "encounters"
	CategoryDischargeSummaries Category = "discharge_summaries"
	CategoryClinicalNotes      Category = "clinical_notes"
	CategoryMentalHealthNotes  Category = "mental_health_notes"
	CategoryAppointments       Category = "appointments"
	CategoryCarePlans          Category = "care_plans"
	CategoryDiagnoses          Category = "diagnoses"
	CategoryAggregateCounts    Category = "aggregate_counts"
)

// categoryFields is the field projection served for each category.
var categoryFields = map[Category][]string{
	CategoryLabs:               {"test_name", "value", "unit", "reference_range", "draw_date"},
	CategoryMedications:        {"medication_name", "dose", "frequency", "route", "start_date", "end_date", "status"},
	CategoryVitals:             {"recorded_at", "blood_pressure", "heart_rate", "temperature", "respiratory_rate", "spo2", "bmi"},
	CategoryEncounters:         {"encounter_date", "encounter_type", "reason", "disposition"},
	CategoryDischargeSummaries: {"discharge_date", "summary"},
	CategoryClinicalNotes:      {"note_date", "note_type", "note_text"},
	CategoryMentalHealthNotes:  {"note_date", "note_text"},
	CategoryAppointments:       {"appointment_date", "status", "mode"},
	CategoryCarePlans:          {"start_date", "status", "summary"},
	CategoryDiagnoses:          {"code", "description", "onset_date", "status"},
	CategoryAggregateCounts:    {"metric", "dimension", "value", "period"},
}

// AllCategories lists every category the pipeline knows about.
var AllCategories = []Category{
	CategoryLabs, CategoryMedications, CategoryVitals, CategoryEncounters,
	CategoryDischargeSummaries, CategoryClinicalNotes, CategoryMentalHealthNotes,
	CategoryAppointments, CategoryCarePlans, CategoryDiagnoses, CategoryAggregateCounts,
}

func (c Category) Valid() bool {
	_, ok := categoryFields[c]
	return ok
}

// Fields returns a copy of the category's field projection.
func (c Category) Fields() []string {
	f := categoryFields[c]
	out := make([]string, len(f))
	copy(out, f)
	return out
}

// Sensitive categories need an explicit mention in the query and an explicit
// consent grant for every role.
func (c Category) Sensitive() bool {
	return c == CategoryMentalHealthNotes
}

// Aggregate categories carry no patient-level rows.
func (c Category) Aggregate() bool {
	return c == CategoryAggregateCounts
}
