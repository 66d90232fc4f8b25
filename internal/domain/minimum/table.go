package minimum

import "github.com/ehr/assistant/internal/domain/access"

// intentCategories is the deterministic role × intent → categories table.
// Order within a row is fetch priority. A missing row means the intent
// justifies no data for the role; a row listed in forbidden rejects the
// whole request.
var intentCategories = map[access.Role]map[access.Intent][]access.Category{
	access.RolePatient: {
		access.IntentData: {
			access.CategoryLabs, access.CategoryMedications, access.CategoryVitals,
			access.CategoryEncounters, access.CategoryDischargeSummaries,
			access.CategoryAppointments, access.CategoryCarePlans,
			access.CategoryMentalHealthNotes,
		},
		access.IntentAnalytics:      {access.CategoryLabs, access.CategoryVitals},
		access.IntentRecommendation: {access.CategoryVitals, access.CategoryCarePlans, access.CategoryMedications},
	},
	access.RoleDoctor: {
		access.IntentData: {
			access.CategoryLabs, access.CategoryVitals, access.CategoryEncounters,
			access.CategoryClinicalNotes, access.CategoryMedications,
			access.CategoryDischargeSummaries, access.CategoryDiagnoses,
			access.CategoryCarePlans, access.CategoryMentalHealthNotes,
		},
		access.IntentAnalytics:      {access.CategoryLabs, access.CategoryVitals},
		access.IntentRecommendation: {access.CategoryLabs, access.CategoryMedications, access.CategoryDiagnoses, access.CategoryVitals},
	},
	access.RoleHospital: {
		access.IntentAnalytics: {access.CategoryAggregateCounts},
	},
}

// forbidden lists intents that terminate the request for a role.
var forbidden = map[access.Role][]access.Intent{
	access.RoleHospital: {access.IntentData, access.IntentRecommendation, access.IntentAction},
}

// fieldOverrides narrows a category's projection for a given intent. Without
// an override the full projection is used.
var fieldOverrides = map[access.Intent]map[access.Category][]string{
	access.IntentAnalytics: {
		access.CategoryLabs: {"test_name", "value", "unit", "draw_date"},
	},
	access.IntentRecommendation: {
		access.CategoryMedications: {"medication_name", "dose", "frequency", "status"},
	},
}

// CategoriesFor returns the table row for (role, intent).
func CategoriesFor(r access.Role, i access.Intent) []access.Category {
	row := intentCategories[r][i]
	out := make([]access.Category, len(row))
	copy(out, row)
	return out
}

// Forbidden reports whether intent i rejects a request for role r.
func Forbidden(r access.Role, i access.Intent) bool {
	for _, f := range forbidden[r] {
		if f == i {
			return true
		}
	}
	return false
}

func fieldsFor(i access.Intent, c access.Category) []string {
	if f, ok := fieldOverrides[i][c]; ok {
		return f
	}
	return c.Fields()
}
