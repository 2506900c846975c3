package handler

import (
	"context"
	"net/http"
	"time"

	"comandapos/internal/infra"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// DLQCounter reports dead-lettered jobs per queue.
type DLQCounter interface {
	Length(ctx context.Context, queue string) (int64, error)
}

// Health returns a JSON health check response.
// Checks DB and Redis connectivity and the tender gateway breaker; never
// exposes credentials or internals.
func Health(db *gorm.DB, rdb *redis.Client, gatewayCB *infra.CircuitBreaker, dlq DLQCounter, queues ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		dbStatus := "connected"
		sqlDB, err := db.DB()
		if err != nil || sqlDB.PingContext(ctx) != nil {
			dbStatus = "error"
		}

		redisStatus := "connected"
		if rdb.Ping(ctx).Err() != nil {
			redisStatus = "error"
		}

		deadLetters := make(map[string]int64, len(queues))
		if dlq != nil {
			for _, q := range queues {
				if n, err := dlq.Length(ctx, q); err == nil {
					deadLetters[q] = n
				}
			}
		}

		status := http.StatusOK
		if dbStatus != "connected" || redisStatus != "connected" {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"ok":             status == http.StatusOK,
			"db":             dbStatus,
			"redis":          redisStatus,
			"tender_gateway": gatewayCB.State().String(),
			"dead_letters":   deadLetters,
		})
	}
}
