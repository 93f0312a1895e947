package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Health reports process liveness plus Postgres and Redis connectivity.
// Redis degradation only loses manual triggers and job polling, so it is
// reported but does not fail the check.
func Health(db *gorm.DB, rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		dbOK := true
		sqlDB, err := db.DB()
		if err != nil || sqlDB.PingContext(ctx) != nil {
			dbOK = false
		}
		redisOK := rdb.Ping(ctx).Err() == nil

		status := http.StatusOK
		if !dbOK {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"ok":    dbOK,
			"db":    dbOK,
			"redis": redisOK,
		})
	}
}
