package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/ehr/assistant/internal/domain/access"
)

type ctxKey int

const (
	connKey ctxKey = iota
	txKey
)

// TenantHeader lets a client restate its tenant. It can never select one the
// token does not carry.
const TenantHeader = "X-Tenant-ID"

var (
	tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

	ErrInvalidTenant  = errors.New("invalid tenant identifier")
	ErrTenantMismatch = errors.New("tenant header does not match token")
)

// ResolveTenant returns the tenant for the request: the verified claim's
// tenant, or defaultTenant when the claim has none.
func ResolveTenant(c echo.Context, defaultTenant string) (string, error) {
	tenant := defaultTenant
	if claim, ok := access.ClaimFromContext(c.Request().Context()); ok && claim.TenantID != "" {
		tenant = claim.TenantID
	}
	if h := c.Request().Header.Get(TenantHeader); h != "" && h != tenant {
		return "", ErrTenantMismatch
	}
	if !tenantIDPattern.MatchString(tenant) {
		return "", ErrInvalidTenant
	}
	return tenant, nil
}

// TenantMiddleware pins one pooled connection to the request with its
// search_path set to the caller's tenant schema. Repositories pick it up
// through ConnFromContext. Must run after the auth middleware.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenant, err := ResolveTenant(c, defaultTenant)
			switch {
			case errors.Is(err, ErrTenantMismatch):
				return echo.NewHTTPError(http.StatusForbidden, err.Error())
			case err != nil:
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			searchPath := pgx.Identifier{SchemaFor(tenant)}.Sanitize() + ", shared, public"
			if _, err := conn.Exec(ctx, "SET search_path TO "+searchPath); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}

			c.SetRequest(c.Request().WithContext(context.WithValue(ctx, connKey, conn)))
			c.Set("tenant_id", tenant)
			return next(c)
		}
	}
}

// ConnFromContext returns the tenant connection pinned by TenantMiddleware.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(connKey).(*pgxpool.Conn)
	return conn
}

// WithTx returns a context carrying tx. Repositories prefer it over the
// tenant connection.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// CreateTenantSchema creates the tenant's schema and applies migrations from
// source to it. A nil source skips migrations.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, source fs.FS) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%w: %s", ErrInvalidTenant, tenantID)
	}
	schema := SchemaFor(tenantID)

	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if source != nil {
		if _, err := NewMigrator(pool, source).Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}

// SchemaFor maps a tenant id to its schema name.
func SchemaFor(tenantID string) string {
	return "tenant_" + tenantID
}
