package records

import (
	"errors"
	"time"

	"github.com/ehr/assistant/internal/domain/access"
)

var (
	// ErrAmbiguous is returned by a Store that cannot attribute a category's
	// rows to the requested subjects unambiguously.
	ErrAmbiguous = errors.New("records: ambiguous attribution")
	ErrNotFound  = errors.New("records: not found")
)

// Query is one category fetch issued by the adapter.
type Query struct {
	Category       access.Category
	SubjectIDs     []string
	AggregationKey string
	Fields         []string
	Since          *time.Time
	Limit          int
}

// Patient is the demographic row used for hospital aggregates and name
// matching. It never leaves this package except through the Store.
type Patient struct {
	ID         string
	HospitalID string
	GivenName  string
	FamilyName string
	BirthDate  time.Time
	Gender     string
	MRN        string
	Phone      string
	Email      string
	Address    string
	Zip        string
}

func (p Patient) DisplayName() string {
	switch {
	case p.GivenName == "":
		return p.FamilyName
	case p.FamilyName == "":
		return p.GivenName
	}
	return p.GivenName + " " + p.FamilyName
}

// dateFields names the column each category's time window applies to.
var dateFields = map[access.Category]string{
	access.CategoryLabs:               "draw_date",
	access.CategoryMedications:        "start_date",
	access.CategoryVitals:             "recorded_at",
	access.CategoryEncounters:         "encounter_date",
	access.CategoryDischargeSummaries: "discharge_date",
	access.CategoryClinicalNotes:      "note_date",
	access.CategoryMentalHealthNotes:  "note_date",
	access.CategoryAppointments:       "appointment_date",
	access.CategoryCarePlans:          "start_date",
	access.CategoryDiagnoses:          "onset_date",
}

// DateField returns the field a Since bound filters on, or "".
func DateField(c access.Category) string { return dateFields[c] }

// parseDate accepts the date layouts the stores emit.
func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
