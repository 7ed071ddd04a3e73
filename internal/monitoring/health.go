package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parsely-labs/docalert-fanout/internal/database"
	"github.com/parsely-labs/docalert-fanout/internal/status"
	"github.com/parsely-labs/docalert-fanout/internal/telemetry"
)

// Server serves the worker's health and diagnostics routes. It is an
// external collaborator to the pipeline: nothing here participates in
// message processing.
type Server struct {
	tracker    *status.Tracker
	poolStats  func() database.Stats
	processors func() []string
	metrics    *PipelineMetrics
	startTime  time.Time
	httpServer *http.Server
}

// NewServer wires the health surface over the status tracker, the
// database pool snapshot, and the processor registry's type list.
func NewServer(tracker *status.Tracker, poolStats func() database.Stats, processors func() []string, metrics *PipelineMetrics) *Server {
	return &Server{
		tracker:    tracker,
		poolStats:  poolStats,
		processors: processors,
		metrics:    metrics,
		startTime:  time.Now(),
	}
}

// Routes builds the gin engine with the four health routes.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/status", s.handleStatus)
	router.GET("/diagnostics", s.handleDiagnostics)

	return router
}

// handleHealth is process liveness: the worker responds, so it is alive.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReady reports readiness to do useful work: FULL or LIMITED.
func (s *Server) handleReady(c *gin.Context) {
	snap := s.tracker.Snapshot()
	if snap.Healthy() {
		c.JSON(http.StatusOK, gin.H{"status": "ready", "mode": snap.Mode})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "mode": snap.Mode})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	snap := s.tracker.Snapshot()
	pool := s.poolStats()

	c.JSON(http.StatusOK, gin.H{
		"mode":   snap.Mode,
		"uptime": time.Since(s.startTime).String(),
		"pool": gin.H{
			"open_connections": pool.OpenConnections,
			"in_use":           pool.InUse,
			"idle":             pool.Idle,
			"wait_count":       pool.WaitCount,
			"last_success":     pool.LastSuccess,
			"last_error":       pool.LastError,
			"last_error_text":  pool.LastErrorText,
		},
		"processors": s.processors(),
		"counters":   s.metrics.Snapshot(),
	})
}

// Start listens on addr in a goroutine.
func (s *Server) Start(addr string) {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger := telemetry.GetContextualLogger(context.Background())
		logger.Infof("health server listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
