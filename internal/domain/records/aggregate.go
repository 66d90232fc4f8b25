package records

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ehr/assistant/internal/domain/access"
)

// Aggregate metric names served under aggregate_counts.
const (
	MetricPatientsByAgeGroup    = "patients_by_age_group"
	MetricPatientsByGender      = "patients_by_gender"
	MetricAppointmentsThisMonth = "appointments_this_month"
	MetricAppointmentsLastMonth = "appointments_last_month"
	MetricAppointmentChangePct  = "appointment_change_pct"
	MetricEncountersPerPatient  = "encounters_per_patient"
	MetricTotalPatients         = "total_patients"
)

// AgeGroup buckets an age in whole years.
func AgeGroup(age int) string {
	switch {
	case age <= 18:
		return "0-18"
	case age <= 35:
		return "19-35"
	case age <= 50:
		return "36-50"
	case age <= 65:
		return "51-65"
	}
	return "65+"
}

func ageAt(birth, now time.Time) int {
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age
}

// aggregateInput is what the aggregate computation needs from a store.
type aggregateInput struct {
	patients     []Patient
	appointments []time.Time
	encounters   int
}

// computeAggregates produces aggregate_counts rows for one hospital. Rows
// carry counts only; no subject id or per-patient value is emitted.
func computeAggregates(key string, in aggregateInput, now time.Time) []access.Record {
	period := now.Format("2006-01")
	row := func(metric, dim, value string) access.Record {
		return access.Record{
			AggregationKey: key,
			Category:       access.CategoryAggregateCounts,
			Fields:         map[string]string{"metric": metric, "dimension": dim, "value": value, "period": period},
		}
	}

	var out []access.Record
	out = append(out, row(MetricTotalPatients, "all", strconv.Itoa(len(in.patients))))

	ages := make(map[string]int)
	genders := make(map[string]int)
	for _, p := range in.patients {
		ages[AgeGroup(ageAt(p.BirthDate, now))]++
		g := p.Gender
		if g == "" {
			g = "unknown"
		}
		genders[g]++
	}
	for _, band := range []string{"0-18", "19-35", "36-50", "51-65", "65+"} {
		out = append(out, row(MetricPatientsByAgeGroup, band, strconv.Itoa(ages[band])))
	}
	gkeys := make([]string, 0, len(genders))
	for g := range genders {
		gkeys = append(gkeys, g)
	}
	sort.Strings(gkeys)
	for _, g := range gkeys {
		out = append(out, row(MetricPatientsByGender, g, strconv.Itoa(genders[g])))
	}

	thisStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	lastStart := thisStart.AddDate(0, -1, 0)
	var thisMonth, lastMonth int
	for _, at := range in.appointments {
		switch {
		case !at.Before(thisStart) && at.Before(thisStart.AddDate(0, 1, 0)):
			thisMonth++
		case !at.Before(lastStart) && at.Before(thisStart):
			lastMonth++
		}
	}
	out = append(out,
		row(MetricAppointmentsThisMonth, "all", strconv.Itoa(thisMonth)),
		row(MetricAppointmentsLastMonth, "all", strconv.Itoa(lastMonth)),
	)
	change := "n/a"
	if lastMonth > 0 {
		change = fmt.Sprintf("%.1f", float64(thisMonth-lastMonth)/float64(lastMonth)*100)
	}
	out = append(out, row(MetricAppointmentChangePct, "all", change))

	perPatient := "0.0"
	if len(in.patients) > 0 {
		perPatient = fmt.Sprintf("%.1f", float64(in.encounters)/float64(len(in.patients)))
	}
	out = append(out, row(MetricEncountersPerPatient, "all", perPatient))
	return out
}
