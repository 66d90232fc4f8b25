package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/assistant/internal/platform/db"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// chainLockKey serializes appends across instances for the transaction's
// lifetime.
const chainLockKey int64 = 0x6175646974

type queryable interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *PGSink) Append(ctx context.Context, e *Entry) error {
	tx, err := s.conn(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return fmt.Errorf("lock audit chain: %w", err)
	}
	prevSeq, prevHash := int64(0), GenesisHash
	err = tx.QueryRow(ctx, `SELECT sequence, hash FROM audit_entry ORDER BY sequence DESC LIMIT 1`).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("read audit chain head: %w", err)
	}
	if err := e.seal(prevSeq, prevHash); err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_entry (sequence, id, request_id, subject_id, role, outcome, error_kind, recorded, body, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.Sequence, e.ID, e.RequestID, e.SubjectID, e.Role, string(e.Outcome), string(e.ErrorKind),
		e.Recorded, string(body), e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return tx.Commit(ctx)
}

func listQuery(f Filter) (string, []interface{}) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if !f.Since.IsZero() {
		add("recorded >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("recorded < $%d", f.Until)
	}

	var sb strings.Builder
	sb.WriteString("SELECT body FROM audit_entry")
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	if f.Descending {
		sb.WriteString(" ORDER BY sequence DESC")
	} else {
		sb.WriteString(" ORDER BY sequence ASC")
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}
	return sb.String(), args
}

func (s *PGSink) List(ctx context.Context, f Filter) ([]Entry, error) {
	query, args := listQuery(f)
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
