package minimum

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/assistant/internal/domain/access"
)

var categoryTerms = map[access.Category][]string{
	access.CategoryLabs:               {"lab", "labs", "laboratory", "test results", "blood test", "blood tests", "blood work", "bloodwork", "a1c", "hba1c", "glucose", "cholesterol"},
	access.CategoryMedications:        {"medication", "medications", "meds", "medicine", "medicines", "drug", "drugs", "prescription", "prescriptions", "dose", "dosage"},
	access.CategoryVitals:             {"vitals", "vital signs", "blood pressure", "heart rate", "pulse", "temperature", "bmi", "weight", "oxygen", "spo2"},
	access.CategoryEncounters:         {"encounter", "encounters", "visit", "visits", "admission", "admissions", "admitted"},
	access.CategoryDischargeSummaries: {"discharge", "discharged", "discharge summary"},
	access.CategoryClinicalNotes:      {"note", "notes", "clinical note", "clinical notes", "progress note", "progress notes"},
	access.CategoryMentalHealthNotes:  {"mental health", "psychiatric", "psychiatry", "therapy", "counseling", "counselling", "depression", "anxiety"},
	access.CategoryAppointments:       {"appointment", "appointments", "booking", "bookings"},
	access.CategoryCarePlans:          {"care plan", "care plans", "treatment plan", "plan of care"},
	access.CategoryDiagnoses:          {"diagnosis", "diagnoses", "condition", "conditions", "problem list"},
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

func normalize(text string) string {
	return " " + strings.TrimSpace(nonWord.ReplaceAllString(strings.ToLower(text), " ")) + " "
}

// Mentioned returns the categories text refers to explicitly.
func Mentioned(text string) map[access.Category]bool {
	norm := normalize(text)
	out := make(map[access.Category]bool)
	for c, terms := range categoryTerms {
		for _, t := range terms {
			if strings.Contains(norm, " "+t+" ") {
				out[c] = true
				break
			}
		}
	}
	// "notes" alongside a mental health term refers to the sensitive category
	// unless clinical notes are named outright.
	if out[access.CategoryMentalHealthNotes] && out[access.CategoryClinicalNotes] &&
		!strings.Contains(norm, " clinical note") && !strings.Contains(norm, " progress note") {
		delete(out, access.CategoryClinicalNotes)
	}
	return out
}

var relativeWindow = regexp.MustCompile(`\b(?:last|past|previous)\s+(\d{1,3})\s+(day|week|month|year)s?\b`)

// Since derives a lower time bound from phrases like "last week" or
// "past 30 days". It returns nil when the text names no window.
func Since(text string, now time.Time) *time.Time {
	lower := strings.ToLower(text)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var t time.Time
	switch m := relativeWindow.FindStringSubmatch(lower); {
	case m != nil:
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "day":
			t = startOfDay.AddDate(0, 0, -n)
		case "week":
			t = startOfDay.AddDate(0, 0, -7*n)
		case "month":
			t = startOfDay.AddDate(0, -n, 0)
		case "year":
			t = startOfDay.AddDate(-n, 0, 0)
		}
	case strings.Contains(lower, "yesterday"):
		t = startOfDay.AddDate(0, 0, -1)
	case strings.Contains(lower, "today"):
		t = startOfDay
	case containsAny(lower, "last week", "past week", "this week"):
		t = startOfDay.AddDate(0, 0, -7)
	case containsAny(lower, "last month", "past month", "this month"):
		t = startOfDay.AddDate(0, -1, 0)
	case containsAny(lower, "last year", "past year", "this year"):
		t = startOfDay.AddDate(-1, 0, 0)
	default:
		return nil
	}
	return &t
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
