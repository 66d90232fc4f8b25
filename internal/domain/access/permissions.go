package access

// roleCategories is the role × category permission table. Every plan entry
// must name a category listed here for the resolved role.
var roleCategories = map[Role][]Category{
	RolePatient: {
		CategoryLabs, CategoryMedications, CategoryVitals, CategoryEncounters,
		CategoryDischargeSummaries, CategoryAppointments, CategoryCarePlans,
		CategoryMentalHealthNotes,
	},
	RoleDoctor: {
		CategoryLabs, CategoryMedications, CategoryVitals, CategoryEncounters,
		CategoryDischargeSummaries, CategoryClinicalNotes, CategoryMentalHealthNotes,
		CategoryDiagnoses, CategoryCarePlans,
	},
	RoleHospital: {
		CategoryAggregateCounts,
	},
}

// PermittedCategories returns the categories role may ever read.
func PermittedCategories(r Role) []Category {
	src := roleCategories[r]
	out := make([]Category, len(src))
	copy(out, src)
	return out
}

// Permits reports whether role may read category c.
func Permits(r Role, c Category) bool {
	for _, v := range roleCategories[r] {
		if v == c {
			return true
		}
	}
	return false
}

// CheckPlan verifies every entry of p against the permission table. Fields
// outside a category's projection are also rejected.
func CheckPlan(r Role, p Plan) error {
	for _, e := range p.Entries {
		if !Permits(r, e.Category) {
			return Errorf(KindScopeViolation, "category %s not permitted for role %s", e.Category, r)
		}
		allowed := make(map[string]bool)
		for _, f := range e.Category.Fields() {
			allowed[f] = true
		}
		for _, f := range e.Fields {
			if !allowed[f] {
				return Errorf(KindScopeViolation, "field %s.%s not permitted", e.Category, f)
			}
		}
	}
	return nil
}
