package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/portal/internal/metrics"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

type Config struct {
	Addr  string
	Token string
	Role  string
}

// SetupRoutes builds the HTTP API for s. /healthz and /metrics are public,
// everything under /v1 requires the token when one is set.
func SetupRoutes(ctx context.Context, s Session, cfg *Config) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	rateLimiter := limiter.New(memory.NewStore(), limiter.Rate{
		Period: 1 * time.Second,
		Limit:  20,
	})

	h := &handler{session: s, role: cfg.Role, baseCtx: ctx}

	r.Use(gin.Recovery())
	r.Use(logMiddleware())
	r.Use(secureHeaders())
	r.Use(corsMiddleware())
	r.Use(gzipMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/v1")
	v1.Use(mgin.NewMiddleware(rateLimiter))
	v1.Use(tokenAuth(cfg.Token))
	{
		v1.GET("/status", h.Status)
		v1.GET("/tree", h.Tree)
		v1.GET("/errors", h.Errors)
		v1.GET("/process", h.Process)
		v1.POST("/sync", h.Sync)
		v1.POST("/download", h.Download)
	}

	return r
}

type Server struct {
	config *Config
	server *http.Server
}

func NewServer(ctx context.Context, s Session, cfg *Config) *Server {
	return &Server{
		config: cfg,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           SetupRoutes(ctx, s, cfg),
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      5 * time.Minute,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", s.config.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control plane: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}
