// Package sandbox generates reproducible synthetic patients, care
// relationships, consents and clinical rows for development and demo
// environments that run without a records database.
package sandbox

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/assistant/internal/domain/access"
	"github.com/ehr/assistant/internal/domain/consent"
	"github.com/ehr/assistant/internal/domain/records"
	"github.com/ehr/assistant/internal/domain/scope"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and shape of generated data.
type SeedConfig struct {
	Hospitals              int     `json:"hospitals"`
	DoctorsPerHospital     int     `json:"doctorsPerHospital"`
	PatientsPerDoctor      int     `json:"patientsPerDoctor"`
	LabsPerPatient         int     `json:"labsPerPatient"`
	MedicationsPerPatient  int     `json:"medicationsPerPatient"`
	VitalsPerPatient       int     `json:"vitalsPerPatient"`
	EncountersPerPatient   int     `json:"encountersPerPatient"`
	AppointmentsPerPatient int     `json:"appointmentsPerPatient"`
	ConsentRate            float64 `json:"consentRate"`
	Seed                   int64   `json:"seed"`
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Hospitals:              1,
		DoctorsPerHospital:     3,
		PatientsPerDoctor:      5,
		LabsPerPatient:         4,
		MedicationsPerPatient:  2,
		VitalsPerPatient:       3,
		EncountersPerPatient:   2,
		AppointmentsPerPatient: 2,
		ConsentRate:            0.8,
		Seed:                   42,
	}
}

// Well-known identities present in every fixture set, so development tokens
// can be minted without looking anything up.
const (
	DemoPatientID  = "pat-demo"
	DemoDoctorID   = "doc-demo"
	DemoAdminID    = "admin-demo"
	DemoHospitalID = "hosp-demo"
)

// User is a generated identity that can sign in to a sandbox.
type User struct {
	SubjectID string      `json:"subject_id"`
	Role      access.Role `json:"role"`
	Display   string      `json:"display"`
}

// Fixtures are the in-memory stores the seeder fills.
type Fixtures struct {
	Records       *records.MemoryStore
	Relationships *scope.MemoryRelationships
	Consents      *consent.MemoryStore
	Users         []User
}

func NewFixtures() *Fixtures {
	return &Fixtures{
		Records:       records.NewMemoryStore(),
		Relationships: scope.NewMemoryRelationships(),
		Consents:      consent.NewMemoryStore(),
	}
}

// SeedResult summarizes a seed run.
type SeedResult struct {
	Hospitals     int           `json:"hospitals"`
	Doctors       int           `json:"doctors"`
	Patients      int           `json:"patients"`
	Relationships int           `json:"relationships"`
	Consents      int           `json:"consents"`
	Records       int           `json:"records"`
	Duration      time.Duration `json:"duration"`
}

// ---------------------------------------------------------------------------
// Code pools
// ---------------------------------------------------------------------------

type codeEntry struct {
	Code    string
	Display string
}

type labDef struct {
	Name  string
	Unit  string
	Range string
	Low   float64
	High  float64
}

var (
	firstNamesMale = []string{
		"James", "Robert", "John", "Michael", "David", "William", "Richard",
		"Joseph", "Thomas", "Charles", "Daniel", "Matthew", "Anthony", "Mark",
	}
	firstNamesFemale = []string{
		"Mary", "Patricia", "Jennifer", "Linda", "Barbara", "Elizabeth",
		"Susan", "Jessica", "Sarah", "Karen", "Lisa", "Nancy", "Emily", "Maria",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
		"Davis", "Rodriguez", "Martinez", "Wilson", "Anderson", "Taylor", "Moore",
	}
	streets = []string{
		"123 Main St", "456 Oak Ave", "789 Elm St", "321 Pine Rd",
		"654 Maple Dr", "987 Cedar Ln", "147 Birch Blvd", "258 Walnut Way",
	}
	zips = []string{"10001", "90001", "60601", "77001", "85001", "19101", "78201", "92101"}

	icd10Conditions = []codeEntry{
		{"E11.9", "Type 2 diabetes mellitus without complications"},
		{"I10", "Essential (primary) hypertension"},
		{"J45.909", "Unspecified asthma, uncomplicated"},
		{"E78.5", "Hyperlipidemia, unspecified"},
		{"E03.9", "Hypothyroidism, unspecified"},
		{"G43.909", "Migraine, unspecified, not intractable"},
		{"K21.0", "Gastro-esophageal reflux disease with esophagitis"},
	}

	labs = []labDef{
		{"Hemoglobin A1c", "%", "4.0-5.6", 4.5, 10.5},
		{"Glucose", "mg/dL", "70-99", 65, 240},
		{"Total Cholesterol", "mg/dL", "<200", 130, 290},
		{"Hemoglobin", "g/dL", "12.0-17.5", 10, 17},
		{"Creatinine", "mg/dL", "0.6-1.3", 0.5, 2.2},
		{"TSH", "mIU/L", "0.4-4.0", 0.2, 6.5},
	}

	medications = []struct {
		Name, Dose, Frequency string
	}{
		{"Metformin", "500 mg", "twice daily"},
		{"Lisinopril", "10 mg", "once daily"},
		{"Atorvastatin", "20 mg", "once daily at bedtime"},
		{"Levothyroxine", "50 mcg", "once daily"},
		{"Amlodipine", "5 mg", "once daily"},
		{"Omeprazole", "20 mg", "once daily before breakfast"},
	}

	encounterTypes  = []string{"Check up", "Follow-up", "Symptom visit", "Emergency"}
	encounterReason = []string{"Routine review", "Blood pressure follow-up", "Diabetes management", "Headache", "Medication review"}
	appointmentMode = []string{"in_person", "video", "phone"}
)

// ---------------------------------------------------------------------------
// DataGenerator
// ---------------------------------------------------------------------------

// DataGenerator produces deterministic synthetic rows.
type DataGenerator struct {
	rng     *rand.Rand
	counter uint64
	now     time.Time
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen. Dates are relative to now.
func NewDataGenerator(seed int64, now time.Time) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{rng: rand.New(rand.NewSource(seed)), now: now}
}

func (g *DataGenerator) nextID(prefix string) string {
	g.counter++
	return fmt.Sprintf("%s-%06x-%03d", prefix, g.rng.Uint32()&0xffffff, g.counter)
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

// daysAgo returns a date within the last n days.
func (g *DataGenerator) daysAgo(n int) string {
	return g.now.AddDate(0, 0, -g.rng.Intn(n+1)).Format("2006-01-02")
}

func (g *DataGenerator) between(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

func (g *DataGenerator) GeneratePatient(id, hospitalID string) records.Patient {
	gender := "female"
	first := g.pick(firstNamesFemale)
	if g.rng.Intn(2) == 0 {
		gender = "male"
		first = g.pick(firstNamesMale)
	}
	if id == "" {
		id = g.nextID("pat")
	}
	birth := time.Date(1940+g.rng.Intn(65), time.Month(1+g.rng.Intn(12)), 1+g.rng.Intn(28), 0, 0, 0, 0, time.UTC)
	return records.Patient{
		ID:         id,
		HospitalID: hospitalID,
		GivenName:  first,
		FamilyName: g.pick(lastNames),
		BirthDate:  birth,
		Gender:     gender,
		MRN:        fmt.Sprintf("MRN-%08d", g.rng.Intn(100000000)),
		Phone:      fmt.Sprintf("(%03d) %03d-%04d", 200+g.rng.Intn(800), 200+g.rng.Intn(800), g.rng.Intn(10000)),
		Email:      fmt.Sprintf("%s.%d@example.org", id, g.rng.Intn(1000)),
		Address:    g.pick(streets),
		Zip:        g.pick(zips),
	}
}

func (g *DataGenerator) GenerateLab(patientID string) access.Record {
	l := labs[g.rng.Intn(len(labs))]
	return access.Record{SubjectID: patientID, Category: access.CategoryLabs, Fields: map[string]string{
		"test_name":       l.Name,
		"value":           fmt.Sprintf("%.1f", g.between(l.Low, l.High)),
		"unit":            l.Unit,
		"reference_range": l.Range,
		"draw_date":       g.daysAgo(45),
	}}
}

func (g *DataGenerator) GenerateMedication(patientID string) access.Record {
	m := medications[g.rng.Intn(len(medications))]
	return access.Record{SubjectID: patientID, Category: access.CategoryMedications, Fields: map[string]string{
		"medication_name": m.Name,
		"dose":            m.Dose,
		"frequency":       m.Frequency,
		"route":           "oral",
		"start_date":      g.daysAgo(365),
		"status":          "active",
	}}
}

func (g *DataGenerator) GenerateVitals(patientID string) access.Record {
	return access.Record{SubjectID: patientID, Category: access.CategoryVitals, Fields: map[string]string{
		"recorded_at":      g.daysAgo(30),
		"blood_pressure":   fmt.Sprintf("%d/%d", 105+g.rng.Intn(50), 65+g.rng.Intn(30)),
		"heart_rate":       fmt.Sprintf("%d", 55+g.rng.Intn(45)),
		"temperature":      fmt.Sprintf("%.1f", g.between(36.2, 37.8)),
		"respiratory_rate": fmt.Sprintf("%d", 12+g.rng.Intn(8)),
		"spo2":             fmt.Sprintf("%d", 94+g.rng.Intn(6)),
		"bmi":              fmt.Sprintf("%.1f", g.between(19, 34)),
	}}
}

func (g *DataGenerator) GenerateEncounter(patientID string) access.Record {
	return access.Record{SubjectID: patientID, Category: access.CategoryEncounters, Fields: map[string]string{
		"encounter_date": g.daysAgo(120),
		"encounter_type": g.pick(encounterTypes),
		"reason":         g.pick(encounterReason),
		"disposition":    "discharged home",
	}}
}

func (g *DataGenerator) GenerateAppointment(patientID string) access.Record {
	status := "booked"
	date := g.now.AddDate(0, 0, 1+g.rng.Intn(30))
	if g.rng.Intn(2) == 0 {
		status = "fulfilled"
		date = g.now.AddDate(0, 0, -g.rng.Intn(50))
	}
	return access.Record{SubjectID: patientID, Category: access.CategoryAppointments, Fields: map[string]string{
		"appointment_date": date.Format("2006-01-02"),
		"status":           status,
		"mode":             g.pick(appointmentMode),
	}}
}

func (g *DataGenerator) GenerateDiagnosis(patientID string) access.Record {
	c := icd10Conditions[g.rng.Intn(len(icd10Conditions))]
	return access.Record{SubjectID: patientID, Category: access.CategoryDiagnoses, Fields: map[string]string{
		"code":        c.Code,
		"description": c.Display,
		"onset_date":  g.daysAgo(1500),
		"status":      "active",
	}}
}

// GenerateNotes returns one clinical note and one mental health note. Note
// text mentions the patient by name the way free text does in practice.
func (g *DataGenerator) GenerateNotes(p records.Patient) []access.Record {
	return []access.Record{
		{SubjectID: p.ID, Category: access.CategoryClinicalNotes, Fields: map[string]string{
			"note_date": g.daysAgo(60),
			"note_type": "progress",
			"note_text": fmt.Sprintf("%s %s seen for follow-up. Reports good adherence. Continue current plan.", p.GivenName, p.FamilyName),
		}},
		{SubjectID: p.ID, Category: access.CategoryMentalHealthNotes, Fields: map[string]string{
			"note_date": g.daysAgo(90),
			"note_text": fmt.Sprintf("%s reports improved sleep and mood since last session.", p.GivenName),
		}},
		{SubjectID: p.ID, Category: access.CategoryCarePlans, Fields: map[string]string{
			"start_date": g.daysAgo(200),
			"status":     "active",
			"summary":    "Lifestyle changes, quarterly labs, medication review every six months.",
		}},
		{SubjectID: p.ID, Category: access.CategoryDischargeSummaries, Fields: map[string]string{
			"discharge_date": g.daysAgo(400),
			"summary":        "Admitted for observation, stable on discharge with outpatient follow-up.",
		}},
	}
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

type Seeder struct {
	cfg SeedConfig
	gen *DataGenerator
}

func NewSeeder(cfg SeedConfig, now time.Time) *Seeder {
	return &Seeder{cfg: cfg, gen: NewDataGenerator(cfg.Seed, now)}
}

// Seed fills f. The first hospital, doctor and patient use the demo ids;
// the demo patient has consented to everything including mental health
// notes, and the demo doctor treats them.
func (s *Seeder) Seed(f *Fixtures) (*SeedResult, error) {
	if s.cfg.Hospitals < 1 || s.cfg.DoctorsPerHospital < 1 || s.cfg.PatientsPerDoctor < 1 {
		return nil, fmt.Errorf("seed config needs at least one hospital, doctor and patient")
	}
	start := time.Now()
	res := &SeedResult{}
	g := s.gen

	for h := 0; h < s.cfg.Hospitals; h++ {
		hospitalID, adminID := g.nextID("hosp"), g.nextID("admin")
		if h == 0 {
			hospitalID, adminID = DemoHospitalID, DemoAdminID
		}
		f.Relationships.SetHospitalAdmin(adminID, hospitalID)
		f.Users = append(f.Users, User{SubjectID: adminID, Role: access.RoleHospital, Display: "Administrator " + hospitalID})
		res.Hospitals++

		for d := 0; d < s.cfg.DoctorsPerHospital; d++ {
			doctorID := g.nextID("doc")
			if h == 0 && d == 0 {
				doctorID = DemoDoctorID
			}
			f.Users = append(f.Users, User{SubjectID: doctorID, Role: access.RoleDoctor, Display: "Dr. " + g.pick(lastNames)})
			res.Doctors++

			for p := 0; p < s.cfg.PatientsPerDoctor; p++ {
				id := ""
				demo := h == 0 && d == 0 && p == 0
				if demo {
					id = DemoPatientID
				}
				pat := g.GeneratePatient(id, hospitalID)
				f.Records.AddPatient(pat)
				f.Users = append(f.Users, User{SubjectID: pat.ID, Role: access.RolePatient, Display: pat.DisplayName()})
				res.Patients++

				f.Relationships.Add(scope.Relationship{DoctorID: doctorID, PatientID: pat.ID, At: g.now.AddDate(0, 0, -g.rng.Intn(180)), Open: g.rng.Intn(4) == 0})
				res.Relationships++

				res.Records += s.seedRows(f, pat)
				res.Consents += s.seedConsent(f, pat.ID, demo)
			}
		}
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (s *Seeder) seedRows(f *Fixtures, p records.Patient) int {
	g := s.gen
	var rows []access.Record
	for i := 0; i < s.cfg.LabsPerPatient; i++ {
		rows = append(rows, g.GenerateLab(p.ID))
	}
	for i := 0; i < s.cfg.MedicationsPerPatient; i++ {
		rows = append(rows, g.GenerateMedication(p.ID))
	}
	for i := 0; i < s.cfg.VitalsPerPatient; i++ {
		rows = append(rows, g.GenerateVitals(p.ID))
	}
	for i := 0; i < s.cfg.EncountersPerPatient; i++ {
		rows = append(rows, g.GenerateEncounter(p.ID))
	}
	for i := 0; i < s.cfg.AppointmentsPerPatient; i++ {
		rows = append(rows, g.GenerateAppointment(p.ID))
	}
	rows = append(rows, g.GenerateDiagnosis(p.ID))
	rows = append(rows, g.GenerateNotes(p)...)
	for _, r := range rows {
		f.Records.AddRecord(r)
	}
	return len(rows)
}

func (s *Seeder) seedConsent(f *Fixtures, patientID string, demo bool) int {
	g := s.gen
	from := g.now.AddDate(-1, 0, 0)
	if !demo && g.rng.Float64() >= s.cfg.ConsentRate {
		return 0
	}
	f.Consents.Put(consent.Record{SubjectID: patientID, Category: consent.AnyCategory, Granted: true, EffectiveFrom: from})
	if demo {
		f.Consents.Put(consent.Record{SubjectID: patientID, Category: access.CategoryMentalHealthNotes, Granted: true, EffectiveFrom: from})
		return 2
	}
	return 1
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// UsersHandler lists sandbox identities. Only mounted in development.
type UsersHandler struct {
	fixtures *Fixtures
}

func NewUsersHandler(f *Fixtures) *UsersHandler {
	return &UsersHandler{fixtures: f}
}

func (h *UsersHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/sandbox/users", h.handleListUsers)
}

func (h *UsersHandler) handleListUsers(c echo.Context) error {
	role := c.QueryParam("role")
	out := make([]User, 0, len(h.fixtures.Users))
	for _, u := range h.fixtures.Users {
		if role == "" || u.Role.String() == role {
			out = append(out, u)
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"users": out, "total": len(out)})
}
