package scope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/assistant/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type relationshipRepoPG struct {
	pool *pgxpool.Pool
}

// NewRelationshipRepo reads encounter relationships from the records store.
func NewRelationshipRepo(pool *pgxpool.Pool) RelationshipSource {
	return &relationshipRepoPG{pool: pool}
}

func (r *relationshipRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *relationshipRepoPG) ActivePatientsForDoctor(ctx context.Context, doctorID string, since time.Time) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT patient_id
		FROM encounter
		WHERE practitioner_id = $1
		  AND (encounter_date >= $2 OR status = 'in-progress')
		ORDER BY patient_id`,
		doctorID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query doctor relationships: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan patient id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *relationshipRepoPG) HospitalForAdmin(ctx context.Context, adminID string) (string, error) {
	var key string
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT hospital_id FROM hospital_admin WHERE user_id = $1 AND active`, adminID,
	).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query hospital admin: %w", err)
	}
	return key, nil
}
