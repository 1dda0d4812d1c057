package router

import (
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/handler"
	"github.com/cuongbtq/lara-orchestrator/internal/health"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Options configures the gateway router
type Options struct {
	Health  health.Config
	Limiter *rate.Limiter
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// GET /health, GET /metrics
	health.Register(r, opts.Health)

	jobHandler := handler.NewJobHandler(deps)
	limit := RateLimitMiddleware(opts.Limiter)

	// POST /process_event - system-of-record webhook
	r.POST("/process_event", limit, jobHandler.ProcessEvent)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a job
			jobs.POST("", limit, jobHandler.SubmitJob)

			if deps.Jobs != nil {
				// GET /api/v1/jobs - List jobs with pagination
				jobs.GET("", jobHandler.ListJobs)

				// GET /api/v1/jobs/:job_id - Get job and stage states
				jobs.GET("/:job_id", jobHandler.GetJob)
			}
		}
	}

	return r
}
