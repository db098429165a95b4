package opsserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/llmgate/llmgate/pkg/auth"
	"github.com/llmgate/llmgate/pkg/config"
	"github.com/llmgate/llmgate/pkg/monitor"
	"github.com/llmgate/llmgate/pkg/opsserver/middleware"
	"github.com/llmgate/llmgate/pkg/queue"
	"github.com/llmgate/llmgate/pkg/ratelimit"
	"github.com/llmgate/llmgate/pkg/resource"
	"github.com/llmgate/llmgate/pkg/store/postgres"
)

// Server exposes the gateway's operational surface: health, live status,
// detailed metrics, alerts, recommendations, and the prometheus endpoint.
type Server struct {
	router   *gin.Engine
	cfg      *config.Config
	logger   *zap.Logger
	tokens   *auth.OpsTokenManager
	queue    *queue.PriorityQueue
	limiter  *ratelimit.Limiter
	resource *resource.Manager
	monitor  *monitor.Monitor
	archive  *postgres.ArchiveRepository

	httpServer *http.Server
}

// NewServer builds the ops surface. archive may be nil when no database is
// configured; the archive endpoints then answer 503.
func NewServer(
	cfg *config.Config,
	logger *zap.Logger,
	q *queue.PriorityQueue,
	l *ratelimit.Limiter,
	rm *resource.Manager,
	m *monitor.Monitor,
	archive *postgres.ArchiveRepository,
) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		tokens:   auth.NewOpsTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL),
		queue:    q,
		limiter:  l,
		resource: rm,
		monitor:  m,
		archive:  archive,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS())
	if s.cfg.Server.ClientRateLimit > 0 {
		r.Use(middleware.RateLimit(s.cfg.Server.ClientRateLimit, s.cfg.Server.ClientRateBurst))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.Use(middleware.Auth(s.tokens))

		api.GET("/status", middleware.RequireScope("status"), s.handleStatus)
		api.GET("/metrics", middleware.RequireScope("metrics"), s.handleMetricsSummary)
		api.GET("/metrics/detailed", middleware.RequireScope("metrics"), s.handleMetricsDetailed)
		api.GET("/alerts", middleware.RequireScope("alerts"), s.handleAlerts)
		api.GET("/alerts/archive", middleware.RequireScope("alerts"), s.handleAlertArchive)
		api.GET("/recommendations", middleware.RequireScope("recommendations"), s.handleRecommendations)
		api.GET("/recommendations/archive", middleware.RequireScope("recommendations"), s.handleRecommendationArchive)
	}

	s.router = r
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"queue":      s.queue.Status(),
		"rate_limit": s.limiter.Status(),
		"resources":  s.resource.Status(),
	})
}

func (s *Server) handleMetricsSummary(c *gin.Context) {
	snap := s.monitor.GetSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"timestamp": snap.Timestamp,
		"requests":  snap.Requests,
		"cache":     snap.Cache,
		"queue":     snap.Queue,
		"resources": snap.Resources,
	})
}

func (s *Server) handleMetricsDetailed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"snapshot": s.monitor.GetSnapshot(),
		"history":  s.monitor.History(),
	})
}

func (s *Server) handleAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.monitor.Alerts()})
}

func (s *Server) handleRecommendations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"recommendations": s.monitor.Recommendations()})
}

func (s *Server) handleAlertArchive(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive not configured"})
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	alerts, err := s.archive.RecentAlerts(c.Request.Context(), since, 100)
	if err != nil {
		s.logger.Error("failed to load archived alerts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load archive"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "since": since})
}

func (s *Server) handleRecommendationArchive(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive not configured"})
		return
	}
	recs, err := s.archive.RecentRecommendations(c.Request.Context(), 100)
	if err != nil {
		s.logger.Error("failed to load archived recommendations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load archive"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recommendations": recs})
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		Handler:     s.router,
		ReadTimeout: s.cfg.Server.ReadTimeout,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
