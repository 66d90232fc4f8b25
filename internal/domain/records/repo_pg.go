package records

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/assistant/internal/domain/access"
	"github.com/ehr/assistant/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// categoryTables maps categories to records store tables. Column names equal
// the category's field names.
var categoryTables = map[access.Category]string{
	access.CategoryLabs:               "lab_result",
	access.CategoryMedications:        "medication",
	access.CategoryVitals:             "vital_sign",
	access.CategoryEncounters:         "encounter",
	access.CategoryDischargeSummaries: "discharge_summary",
	access.CategoryClinicalNotes:      "clinical_note",
	access.CategoryMentalHealthNotes:  "mental_health_note",
	access.CategoryAppointments:       "appointment",
	access.CategoryCarePlans:          "care_plan",
	access.CategoryDiagnoses:          "diagnosis",
}

type recordsRepoPG struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewRecordsRepo(pool *pgxpool.Pool) Store {
	return &recordsRepoPG{pool: pool, now: time.Now}
}

func (r *recordsRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *recordsRepoPG) Fetch(ctx context.Context, q Query) ([]access.Record, error) {
	if q.Category.Aggregate() {
		return r.aggregates(ctx, q.AggregationKey)
	}
	sql, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Category, err)
	}
	defer rows.Close()

	var out []access.Record
	for rows.Next() {
		var subject *string
		vals := make([]*string, len(q.Fields))
		dest := make([]interface{}, 0, len(q.Fields)+1)
		dest = append(dest, &subject)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.Category, err)
		}
		if subject == nil || *subject == "" {
			return nil, ErrAmbiguous
		}
		rec := access.Record{SubjectID: *subject, Category: q.Category, Fields: make(map[string]string, len(q.Fields))}
		for i, f := range q.Fields {
			if vals[i] != nil {
				rec.Fields[f] = *vals[i]
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// buildSelect renders the projection for q. Column names come only from the
// category's field list, never from caller text.
func buildSelect(q Query) (string, []interface{}, error) {
	table, ok := categoryTables[q.Category]
	if !ok {
		return "", nil, fmt.Errorf("no table for category %s", q.Category)
	}
	known := make(map[string]bool)
	for _, f := range q.Category.Fields() {
		known[f] = true
	}
	cols := make([]string, 0, len(q.Fields))
	for _, f := range q.Fields {
		if !known[f] {
			return "", nil, fmt.Errorf("unknown field %s.%s", q.Category, f)
		}
		cols = append(cols, f+"::text")
	}

	var b strings.Builder
	args := []interface{}{q.SubjectIDs}
	b.WriteString("SELECT patient_id")
	for _, c := range cols {
		b.WriteString(", ")
		b.WriteString(c)
	}
	fmt.Fprintf(&b, " FROM %s WHERE patient_id = ANY($1)", table)
	dateCol := DateField(q.Category)
	if q.Since != nil && dateCol != "" {
		args = append(args, *q.Since)
		fmt.Fprintf(&b, " AND %s >= $%d", dateCol, len(args))
	}
	if dateCol != "" {
		fmt.Fprintf(&b, " ORDER BY %s DESC", dateCol)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), args, nil
}

func (r *recordsRepoPG) aggregates(ctx context.Context, key string) ([]access.Record, error) {
	now := r.now()
	var in aggregateInput

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT birth_date, COALESCE(gender, '') FROM patient WHERE hospital_id = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("query patients: %w", err)
	}
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.BirthDate, &p.Gender); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		in.patients = append(in.patients, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lastStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, -1, 0)
	rows, err = r.conn(ctx).Query(ctx, `
		SELECT a.appointment_date
		FROM appointment a JOIN patient p ON p.id = a.patient_id
		WHERE p.hospital_id = $1 AND a.appointment_date >= $2`,
		key, lastStart)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		in.appointments = append(in.appointments, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = r.conn(ctx).QueryRow(ctx, `
		SELECT count(*)
		FROM encounter e JOIN patient p ON p.id = e.patient_id
		WHERE p.hospital_id = $1`, key,
	).Scan(&in.encounters)
	if err != nil {
		return nil, fmt.Errorf("count encounters: %w", err)
	}

	return computeAggregates(key, in, now), nil
}

func (r *recordsRepoPG) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, COALESCE(given_name, ''), COALESCE(family_name, '') FROM patient WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query patient names: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(ids))
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.ID, &p.GivenName, &p.FamilyName); err != nil {
			return nil, fmt.Errorf("scan patient name: %w", err)
		}
		out[p.ID] = p.DisplayName()
	}
	return out, rows.Err()
}
