// Command detector runs the detection engine (component F): it drains
// the event stream, evaluates every rule family plus the outlier model,
// writes results to the Postgres sink, optionally escalates severe
// findings to the active-response queue, and exposes a gorilla/mux admin
// server for health checks and metrics.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	envcfg "github.com/dbsentry/ueba-pipeline/infrastructure/config"
	"github.com/dbsentry/ueba-pipeline/infrastructure/logging"
	"github.com/dbsentry/ueba-pipeline/infrastructure/metrics"
	"github.com/dbsentry/ueba-pipeline/infrastructure/middleware"
	"github.com/dbsentry/ueba-pipeline/internal/config"
	"github.com/dbsentry/ueba-pipeline/internal/detection"
	"github.com/dbsentry/ueba-pipeline/internal/response"
	"github.com/dbsentry/ueba-pipeline/internal/sink"
	"github.com/dbsentry/ueba-pipeline/internal/stream"
	"github.com/dbsentry/ueba-pipeline/pkg/version"
)

func main() {
	log := logging.NewFromEnv("detector")
	ctx := context.Background()

	appCfg, err := config.Load()
	if err != nil {
		log.Fatal(ctx, "load config", err)
	}

	databaseName := envcfg.GetEnv("MYSQL_LOG_DATABASE_NAME", "primary")
	streamKey := envcfg.GetEnv("STREAM_KEY", "uba:logs:"+databaseName)

	writer, err := sink.Open(ctx, appCfg.DatabaseURL)
	if err != nil {
		log.Fatal(ctx, "open sink database", err)
	}

	redisClient, err := stream.Dial(ctx, appCfg.RedisURL)
	if err != nil {
		log.Fatal(ctx, "dial redis", err)
	}
	backend := stream.NewRedisBackend(redisClient)

	var responsePublisher detection.ResponsePublisher
	var responseBackendClosed func()
	if envcfg.GetEnvBool("ACTIVE_RESPONSE_ENABLED", false) {
		responseRedisClient, err := stream.Dial(ctx, envcfg.GetEnv("ACTIVE_RESPONSE_REDIS_URL", appCfg.RedisURL))
		if err != nil {
			log.Fatal(ctx, "dial active response redis", err)
		}
		responseBackend := stream.NewRedisBackend(responseRedisClient)
		responsePublisher = response.NewPublisher(responseBackend, response.DefaultQueueKey)
		responseBackendClosed = func() {
			if err := responseRedisClient.Close(); err != nil {
				log.Error(ctx, "close active response redis client", err, nil)
			}
		}
	}

	m := metrics.New("detector")
	engineCfg := detection.DefaultConfig(streamKey, databaseName)
	engine := detection.New(engineCfg, *appCfg, backend, writer, writer, writer, responsePublisher, log, m)

	engineCtx, cancelEngine := context.WithCancel(ctx)
	go func() {
		if err := engine.Run(engineCtx); err != nil {
			log.Error(ctx, "detection engine stopped", err, nil)
		}
	}()

	ready := true
	health := middleware.NewHealthChecker(version.Version)
	health.RegisterCheck("redis_stream", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return redisClient.Ping(pingCtx).Err()
	})

	statusWriter := middleware.NewStatusWriter(health, appCfg.LogsDir, "detector")
	statusWriter.Start(30 * time.Second)

	router := mux.NewRouter()
	router.Use(middleware.NewRecoveryMiddleware(log).Handler)
	router.Use(middleware.LoggingMiddleware(log))
	router.Use(middleware.MetricsMiddleware("detector", m))
	router.HandleFunc("/healthz", health.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/livez", middleware.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/readyz", middleware.ReadinessHandler(&ready)).Methods(http.MethodGet)
	router.HandleFunc("/status", statusWriter.Handler()).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	addr := ":" + envcfg.GetEnv("PORT", "8082")
	server := &http.Server{Addr: addr, Handler: router}

	shutdown := middleware.NewGracefulShutdown(server, 15*time.Second)
	shutdown.OnShutdown(func() {
		statusWriter.Stop()
		cancelEngine()
		if responseBackendClosed != nil {
			responseBackendClosed()
		}
		if err := redisClient.Close(); err != nil {
			log.Error(ctx, "close redis client", err, nil)
		}
		if err := writer.Close(); err != nil {
			log.Error(ctx, "close sink database", err, nil)
		}
	})
	shutdown.ListenForSignals()

	go func() {
		log.WithFields(map[string]interface{}{"addr": addr}).Info("detector admin server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "admin server failed", err)
		}
	}()

	shutdown.Wait()
}
