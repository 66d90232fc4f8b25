package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	return newPool(ctx, databaseURL, maxConns, minConns, "")
}

// NewTenantPool is NewPool with every connection's search_path set to the
// tenant's schema. Work that runs outside TenantMiddleware, such as
// websocket sessions and CLI commands, then lands in the default tenant.
func NewTenantPool(ctx context.Context, databaseURL string, maxConns, minConns int32, tenantID string) (*pgxpool.Pool, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTenant, tenantID)
	}
	return newPool(ctx, databaseURL, maxConns, minConns, SchemaFor(tenantID)+", shared, public")
}

func newPool(ctx context.Context, databaseURL string, maxConns, minConns int32, searchPath string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	if searchPath != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = searchPath
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
