package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Pinger is a backing store that can report liveness. *pgxpool.Pool and the
// Redis client adapter satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency is one named store checked by the health endpoint.
type Dependency struct {
	Name   string
	Pinger Pinger
}

type dependencyStatus struct {
	Status string     `json:"status"`
	Pool   *PoolStats `json:"pool,omitempty"`
}

// HealthHandler pings every dependency and answers 503 if any is down.
// Driver errors are not returned since they can carry connection strings.
func HealthHandler(deps ...Dependency) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		code := http.StatusOK
		out := make(map[string]dependencyStatus, len(deps))
		for _, d := range deps {
			st := dependencyStatus{Status: "healthy"}
			if err := d.Pinger.Ping(ctx); err != nil {
				st.Status = "unhealthy"
				code = http.StatusServiceUnavailable
			}
			if pool, ok := d.Pinger.(*pgxpool.Pool); ok {
				st.Pool = GetPoolStats(pool)
			}
			out[d.Name] = st
		}

		status := "healthy"
		if code != http.StatusOK {
			status = "unhealthy"
		}
		return c.JSON(code, map[string]interface{}{
			"status":       status,
			"dependencies": out,
		})
	}
}
