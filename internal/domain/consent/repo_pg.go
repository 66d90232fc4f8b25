package consent

import (
	"context"
	"fmt"

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

type consentRepoPG struct {
	pool *pgxpool.Pool
}

func NewConsentRepo(pool *pgxpool.Pool) Store {
	return &consentRepoPG{pool: pool}
}

func (r *consentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *consentRepoPG) Lookup(ctx context.Context, subjectID string, category access.Category) ([]Record, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT patient_id, category, granted, effective_from, effective_to
		FROM patient_consent
		WHERE patient_id = $1 AND (category = $2 OR category = $3)`,
		subjectID, string(category), string(AnyCategory),
	)
	if err != nil {
		return nil, fmt.Errorf("query consent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var cat string
		if err := rows.Scan(&rec.SubjectID, &cat, &rec.Granted, &rec.EffectiveFrom, &rec.EffectiveTo); err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		rec.Category = access.Category(cat)
		out = append(out, rec)
	}
	return out, rows.Err()
}
