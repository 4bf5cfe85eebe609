// Command ragserver exposes the RAG engine over HTTP, mirroring
// go-enhanced-rag-service/main.go's gin-based route layout and
// config-from-environment startup style.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"go.uber.org/zap/zapcore"

	"github.com/Xerpend/Melanie/internal/config"
	"github.com/Xerpend/Melanie/internal/engine"
	"github.com/Xerpend/Melanie/internal/loki"
	"github.com/Xerpend/Melanie/internal/metrics"
	"github.com/Xerpend/Melanie/internal/observability/tracing"
	"github.com/Xerpend/Melanie/internal/ragerr"
	"github.com/Xerpend/Melanie/internal/ragtypes"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type server struct {
	engine  *engine.Engine
	monitor *metrics.Monitor
	log     *zap.Logger
}

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	if lokiEndpoint := os.Getenv("RAG_LOKI_ENDPOINT"); lokiEndpoint != "" {
		log = log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return loki.NewCore(core, lokiEndpoint, map[string]string{"service": "ragserver"})
		}))
	}
	defer log.Sync()

	cfg := config.FromEnv()
	if configPath := os.Getenv("RAG_CONFIG_FILE"); configPath != "" {
		cfg, err = config.FromFile(configPath)
		if err != nil {
			log.Fatal("failed to load config file", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, "ragserver")
	if err != nil {
		log.Warn("tracing disabled: failed to initialize exporter", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				log.Warn("error shutting down tracing", zap.Error(err))
			}
		}()
	}

	e, err := engine.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize RAG engine", zap.Error(err))
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Warn("error closing engine resources", zap.Error(err))
		}
	}()

	monitor := metrics.NewMonitor(metrics.DefaultThresholds(), "ragserver")
	s := &server{engine: e, monitor: monitor, log: log}

	router := setupRoutes(s)

	port := getEnv("RAG_SERVER_PORT", "8080")
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go runMaintenanceLoop(ctx, e, log)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutdown requested")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Info("starting ragserver", zap.String("port", port))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
}

func runMaintenanceLoop(ctx context.Context, e *engine.Engine, log *zap.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Maintenance()
			log.Debug("ran scheduled maintenance")
		}
	}
}

func setupRoutes(s *server) *gin.Engine {
	router := gin.Default()

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/documents", s.handleIngestDocument)
		v1.GET("/documents", s.handleListDocuments)
		v1.GET("/documents/:id", s.handleGetDocument)
		v1.DELETE("/documents/:id", s.handleDeleteDocument)

		v1.POST("/retrieve", s.handleRetrieve)

		v1.GET("/stats", s.handleStats)
		v1.POST("/clear", s.handleClear)
	}

	return router
}

func (s *server) handleHealth(c *gin.Context) {
	if err := s.engine.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}

	issues := s.monitor.HealthCheck()
	status := "healthy"
	if len(issues) > 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"issues":    issues,
		"timestamp": time.Now().UTC(),
		"uptime_ms": s.monitor.Uptime().Milliseconds(),
	})
}

type ingestRequest struct {
	SessionID string            `json:"session_id,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *server) handleIngestDocument(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	docID, err := s.engine.IngestDocument(c.Request.Context(), sessionOrDefault(req.SessionID), req.Content, req.Metadata)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"document_id": docID})
}

func (s *server) handleListDocuments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"documents": s.engine.ListDocuments()})
}

func (s *server) handleGetDocument(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	doc := s.engine.GetDocument(id)
	if doc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *server) handleDeleteDocument(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	if err := s.engine.DeleteDocument(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

type retrieveRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query"`
	Mode      string `json:"mode,omitempty"`
}

func (s *server) handleRetrieve(c *gin.Context) {
	var req retrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	mode := ragtypes.General
	if req.Mode == "research" {
		mode = ragtypes.Research
	}

	start := time.Now()
	results, err := s.engine.RetrieveContext(c.Request.Context(), sessionOrDefault(req.SessionID), req.Query, mode)
	s.monitor.RecordRetrieval(time.Since(start), err == nil)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"results": results, "mode": mode.String()})
}

// sessionOrDefault falls back to a shared session bucket when a caller
// omits session_id, so the budget still applies to unattributed requests
// instead of silently bypassing it.
func sessionOrDefault(sessionID string) string {
	if sessionID == "" {
		return "default"
	}
	return sessionID
}

func (s *server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.GetStats())
}

func (s *server) handleClear(c *gin.Context) {
	if err := s.engine.Clear(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func parseID(raw string) (ragtypes.DocumentID, error) {
	return uuid.Parse(raw)
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if ragErr, ok := err.(*ragerr.Error); ok {
		switch ragErr.Kind {
		case ragerr.KindInvalidInput:
			status = http.StatusBadRequest
		case ragerr.KindDocumentNotFound, ragerr.KindChunkNotFound:
			status = http.StatusNotFound
		case ragerr.KindTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
