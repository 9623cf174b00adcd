// Package server exposes the run and ledger interfaces over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"vibe/internal/generation"
	"vibe/internal/ledger"
	"vibe/internal/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Generator is the run interface the API serves.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (generation.Outcome, error)
	Project(ctx context.Context, identity, projectID string) (storage.Project, error)
	Projects(ctx context.Context, identity string) ([]storage.Project, error)
	Messages(ctx context.Context, identity, projectID string) ([]storage.Message, error)
	LatestFragment(ctx context.Context, identity, projectID string) (storage.Fragment, error)
	Preview(ctx context.Context, identity, projectID string) (generation.Preview, error)
}

// Credits is the ledger surface: status for callers, the rest for admins.
type Credits interface {
	Status(ctx context.Context, identity string, tier ledger.Tier) (ledger.Usage, error)
	Grant(ctx context.Context, identity string, points int) error
	Adjust(ctx context.Context, identity string, op ledger.AdjustOp, amount int) error
	List(ctx context.Context, identity string) ([]ledger.Record, error)
}

type Options struct {
	Generator Generator
	Credits   Credits
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// AdminToken enables the /admin routes. Empty disables them.
	AdminToken string
	Logger     *zap.Logger
}

type Server struct {
	opts   Options
	engine *gin.Engine
	logger *zap.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{opts: opts, logger: logger.Named("http")}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger))
	s.routes(router)
	s.engine = router
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// HTTPServer wraps the router with conservative timeouts. Generation
// requests are long, so there is no write timeout.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}

	v1 := router.Group("/v1", requireIdentity())
	{
		v1.GET("/credits", s.creditStatus)

		projects := v1.Group("/projects")
		{
			projects.POST("", s.createProject)
			projects.GET("", s.listProjects)
			projects.GET("/:projectId", s.getProject)
			projects.GET("/:projectId/messages", s.listMessages)
			projects.POST("/:projectId/messages", s.sendMessage)
			projects.GET("/:projectId/fragment", s.latestFragment)
			projects.POST("/:projectId/preview", s.preview)
		}
	}

	if s.opts.AdminToken != "" {
		admin := router.Group("/admin", requireAdmin(s.opts.AdminToken))
		{
			admin.GET("/credits", s.listCredits)
			admin.POST("/credits/:identity/grant", s.grantCredits)
			admin.POST("/credits/:identity/adjust", s.adjustCredits)
		}
	}
}
