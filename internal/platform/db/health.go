package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the JSON view of pgxpool statistics.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
	AcquireCount  int64 `json:"acquire_count"`
}

func GetPoolStats(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		AcquireCount:  stat.AcquireCount(),
	}
}

// Checker is a named dependency check reported by HealthHandler.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthHandler pings the pool and every extra checker. Any failure turns
// the response into a 503 listing which dependency is down.
func HealthHandler(pool *pgxpool.Pool, checks ...Checker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		deps := map[string]string{}

		if err := pool.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			deps["postgres"] = err.Error()
		} else {
			deps["postgres"] = "ok"
		}
		for _, chk := range checks {
			if chk == nil {
				continue
			}
			if err := chk.Check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				deps[chk.Name()] = err.Error()
				continue
			}
			deps[chk.Name()] = "ok"
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}
		return c.JSON(status, map[string]interface{}{
			"status":       state,
			"dependencies": deps,
			"pool":         GetPoolStats(pool),
		})
	}
}
