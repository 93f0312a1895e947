package router

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/AxelMcKenna/Trolley/internal/config"
	"github.com/AxelMcKenna/Trolley/internal/handler"
	"github.com/AxelMcKenna/Trolley/internal/middleware"
	"github.com/AxelMcKenna/Trolley/internal/repository"
	"github.com/AxelMcKenna/Trolley/internal/worker"
)

// New wires all dependencies and returns a configured Gin engine.
// Dependency graph: Handler ← Repository ← DB/Redis
func New(cfg *config.Config, db *gorm.DB, rdb *redis.Client) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Global middleware chain (order matters)
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.ErrorHandler())

	// ── Repositories ─────────────────────────────────────────────────────────
	runRepo := repository.NewRunRepository(db)

	// ── Worker plumbing ──────────────────────────────────────────────────────
	jobStore := worker.NewRedisJobStore(rdb)
	dispatcher := worker.NewDispatcher(rdb, jobStore)

	// ── Handlers ─────────────────────────────────────────────────────────────
	workerH := handler.NewWorkerHandler(runRepo, cfg.ChainList(), dispatcher, jobStore)

	// ── Routes ───────────────────────────────────────────────────────────────

	// Public
	r.GET("/health", handler.Health(db, rdb))

	w := r.Group("/v1/worker")
	{
		w.GET("/health", workerH.GetHealth)
		w.GET("/runs", workerH.ListRuns)
		w.GET("/runs/:id", workerH.GetRun)
		w.GET("/jobs/:id", workerH.GetJob)
	}

	// Admin-only mutations
	admin := r.Group("/v1", middleware.AdminAuth(cfg.AdminToken))
	{
		admin.POST("/ingest/run", workerH.TriggerIngest)
	}

	return r
}
