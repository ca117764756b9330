// Command responder runs the optional active-response process (component
// G): it drains the queue of flagged-user actions the detection engine
// emits, holds each one pending until an operator reviews it through a
// small gin admin API, and records every queue/decide event to a
// dedicated audit log distinct from the process's operational logging.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	envcfg "github.com/dbsentry/ueba-pipeline/infrastructure/config"
	"github.com/dbsentry/ueba-pipeline/infrastructure/logging"
	"github.com/dbsentry/ueba-pipeline/infrastructure/metrics"
	"github.com/dbsentry/ueba-pipeline/infrastructure/middleware"
	"github.com/dbsentry/ueba-pipeline/internal/response"
	"github.com/dbsentry/ueba-pipeline/internal/stream"
	"github.com/dbsentry/ueba-pipeline/pkg/version"
)

func main() {
	log := logging.NewFromEnv("responder")
	ctx := context.Background()

	redisURL := envcfg.GetEnv("ACTIVE_RESPONSE_REDIS_URL", envcfg.GetEnv("REDIS_URL", "redis://localhost:6379/0"))
	redisClient, err := stream.Dial(ctx, redisURL)
	if err != nil {
		log.Fatal(ctx, "dial active response redis", err)
	}
	backend := stream.NewRedisBackend(redisClient)

	auditPath := envcfg.GetEnv("RESPONSE_AUDIT_LOG_PATH", "./data/response_audit.log")
	if err := os.MkdirAll(filepath.Dir(auditPath), 0o755); err != nil {
		log.Fatal(ctx, "create audit log directory", err)
	}
	auditFile, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatal(ctx, "open audit log file", err)
	}
	audit := response.NewAuditLog(auditFile)

	consumerName := envcfg.GetEnv("RESPONDER_CONSUMER_NAME", fmt.Sprintf("responder-%d", os.Getpid()))
	consumer := response.NewConsumer(backend, response.DefaultQueueKey, "responders", consumerName)
	svc := response.NewService(consumer, audit, response.NoopExecutor{})

	svcCtx, cancelSvc := context.WithCancel(ctx)
	go func() {
		if err := svc.Run(svcCtx); err != nil {
			log.Error(ctx, "active response service stopped", err, nil)
		}
	}()

	m := metrics.New("responder")

	ready := true
	health := middleware.NewHealthChecker(version.Version)
	health.RegisterCheck("redis_queue", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return redisClient.Ping(pingCtx).Err()
	})

	gin.SetMode(envcfg.GetEnv("GIN_MODE", gin.ReleaseMode))
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.RecordHTTPRequest("responder", c.Request.Method, c.FullPath(), fmt.Sprint(c.Writer.Status()), time.Since(start))
	})

	statusWriter := middleware.NewStatusWriter(health, envcfg.GetEnv("UBA_LOGS_DIR", "./data"), "responder")
	statusWriter.Start(30 * time.Second)

	router.GET("/healthz", gin.WrapF(health.Handler()))
	router.GET("/livez", gin.WrapF(middleware.LivenessHandler()))
	router.GET("/readyz", gin.WrapF(middleware.ReadinessHandler(&ready)))
	router.GET("/status", gin.WrapF(statusWriter.Handler()))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/response/actions", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.Pending())
	})
	router.POST("/response/actions/:id/approve", func(c *gin.Context) {
		decide(c, svc, c.Param("id"), true)
	})
	router.POST("/response/actions/:id/deny", func(c *gin.Context) {
		decide(c, svc, c.Param("id"), false)
	})

	addr := ":" + envcfg.GetEnv("PORT", "8083")
	server := &http.Server{Addr: addr, Handler: router}

	shutdown := middleware.NewGracefulShutdown(server, 15*time.Second)
	shutdown.OnShutdown(func() {
		statusWriter.Stop()
		cancelSvc()
		if err := redisClient.Close(); err != nil {
			log.Error(ctx, "close redis client", err, nil)
		}
		if err := auditFile.Close(); err != nil {
			log.Error(ctx, "close audit log file", err, nil)
		}
	})
	shutdown.ListenForSignals()

	go func() {
		log.WithFields(map[string]interface{}{"addr": addr}).Info("responder admin server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "admin server failed", err)
		}
	}()

	shutdown.Wait()
}

func decide(c *gin.Context, svc *response.Service, id string, approve bool) {
	if err := svc.Decide(c.Request.Context(), id, approve); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "approved": approve})
}
