package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"r2clone/internal/auth"
	"r2clone/internal/engine"
	"r2clone/internal/ledger"
	"r2clone/internal/logging"
	"r2clone/internal/metrics"
	"r2clone/internal/scheduler"
	"r2clone/internal/websocket"
)

// Options wires the server to the rest of the process.
type Options struct {
	Ledger    *ledger.Ledger
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Hub       *websocket.Hub
	Metrics   *metrics.Metrics
	Logger    *logging.Logger
	Token     string // empty disables auth
	WebDist   string
}

// Server wraps the REST API server
type Server struct {
	handler *Handler
	router  *gin.Engine
	hub     *websocket.Hub
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	log := opts.Logger.Named("api")
	handler := NewHandler(opts.Ledger, opts.Engine, opts.Scheduler, opts.Hub, log)

	router := gin.New()
	router.Use(requestLogger(log))
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	router.GET("/healthz", handler.Health)
	router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	// Observer endpoint
	router.GET("/ws", auth.Middleware(opts.Token), websocket.HandleWebSocket(opts.Hub))

	api := router.Group("/api/v1")
	api.Use(auth.Middleware(opts.Token))
	{
		// Jobs
		api.GET("/jobs", handler.ListJobs)
		api.POST("/jobs", handler.CreateJob)
		api.GET("/jobs/:id", handler.GetJob)
		api.PUT("/jobs/:id", handler.UpdateJob)
		api.DELETE("/jobs/:id", handler.DeleteJob)

		// Executions
		api.POST("/jobs/:id/start", handler.StartJob)
		api.POST("/jobs/:id/stop", handler.StopJob)
		api.POST("/stop", handler.StopAll)
		api.GET("/active", handler.ListActive)

		// History
		api.GET("/jobs/:id/runs", handler.ListRuns)
		api.GET("/runs/:id", handler.GetRun)
	}

	// Serve static files (web app) - must be last
	ServeStaticFiles(router, opts.WebDist)

	return &Server{
		handler: handler,
		router:  router,
		hub:     opts.Hub,
	}
}

// requestLogger logs one line per request, skipping health checks and scrapes.
func requestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		if path == "/healthz" || path == "/metrics" {
			return
		}
		log.Info("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
