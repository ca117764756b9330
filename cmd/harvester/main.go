// Command harvester runs the hybrid log harvester (component E, plus the
// cursor store A and the Parquet archive C): it polls a MySQL source's
// hot performance_schema ring and cold persistent mirror, publishes each
// batch to the event stream and the day's archive file, and exposes a
// small chi admin server for health checks and metrics.
package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	envcfg "github.com/dbsentry/ueba-pipeline/infrastructure/config"
	"github.com/dbsentry/ueba-pipeline/infrastructure/logging"
	"github.com/dbsentry/ueba-pipeline/infrastructure/metrics"
	"github.com/dbsentry/ueba-pipeline/infrastructure/middleware"
	"github.com/dbsentry/ueba-pipeline/internal/archive"
	"github.com/dbsentry/ueba-pipeline/internal/config"
	"github.com/dbsentry/ueba-pipeline/internal/harvester"
	"github.com/dbsentry/ueba-pipeline/internal/stream"
	"github.com/dbsentry/ueba-pipeline/pkg/version"
)

func main() {
	log := logging.NewFromEnv("harvester")
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(ctx, "load config", err)
	}

	sourceName := envcfg.GetEnv("SOURCE_NAME", "primary")
	selfUser := envcfg.GetEnv("HARVESTER_SELF_USER", "uba_harvester")
	magicToken := envcfg.GetEnv("HARVESTER_MAGIC_TOKEN", "__uba_harvester__")
	streamKey := envcfg.GetEnv("STREAM_KEY", "uba:logs:"+sourceName)
	archiveCron := envcfg.GetEnv("ARCHIVE_CRON", "0 * * * *")

	sourceDB, err := harvester.Open(ctx, cfg.MySQLLogDatabaseURL)
	if err != nil {
		log.Fatal(ctx, "open mysql source", err)
	}
	source := harvester.NewSource(sourceDB, selfUser, magicToken)
	cursor := harvester.NewStore(cfg.LogsDir, sourceName)

	redisClient, err := stream.Dial(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal(ctx, "dial redis", err)
	}
	backend := stream.NewRedisBackend(redisClient)

	archiver := archive.NewWriter(cfg.LogsDir, sourceName)
	scheduler, err := archive.NewScheduler(archiver, archiveCron, log.WithContext(ctx))
	if err != nil {
		log.Fatal(ctx, "build archive scheduler", err)
	}

	publisher := harvester.NewPublisher(backend, streamKey, archiver, log)
	m := metrics.New("harvester")
	harvesterCfg := harvester.DefaultConfig()
	harvesterCfg.ConsumerGroup = envcfg.GetEnv("DETECTOR_CONSUMER_GROUP", harvesterCfg.ConsumerGroup)
	svc := harvester.NewService(harvesterCfg, source, cursor, publisher, backend, streamKey, m, log)

	if err := svc.Start(ctx); err != nil {
		log.Fatal(ctx, "start harvester service", err)
	}
	scheduler.Start()

	ready := true
	health := middleware.NewHealthChecker(version.Version)
	health.RegisterCheck("mysql_source", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return sourceDB.PingContext(pingCtx)
	})
	health.RegisterCheck("redis_stream", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return redisClient.Ping(pingCtx).Err()
	})

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.NewRecoveryMiddleware(log).Handler)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			m.RecordHTTPRequest("harvester", r.Method, r.URL.Path, strconv.Itoa(ww.Status()), time.Since(start))
		})
	})
	statusWriter := middleware.NewStatusWriter(health, cfg.LogsDir, "harvester")
	statusWriter.Start(30 * time.Second)

	router.Get("/healthz", health.Handler())
	router.Get("/livez", middleware.LivenessHandler())
	router.Get("/readyz", middleware.ReadinessHandler(&ready))
	router.Get("/status", statusWriter.Handler())
	router.Handle("/metrics", promhttp.Handler())

	addr := ":" + envcfg.GetEnv("PORT", "8081")
	server := &http.Server{Addr: addr, Handler: router}

	shutdown := middleware.NewGracefulShutdown(server, 15*time.Second)
	shutdown.OnShutdown(func() {
		statusWriter.Stop()
		svc.Stop()
		scheduler.Stop()
		if err := archiver.Close(); err != nil {
			log.Error(ctx, "close archive writer", err, nil)
		}
		if err := redisClient.Close(); err != nil {
			log.Error(ctx, "close redis client", err, nil)
		}
		if err := sourceDB.Close(); err != nil {
			log.Error(ctx, "close mysql source", err, nil)
		}
	})
	shutdown.ListenForSignals()

	go func() {
		log.WithFields(map[string]interface{}{"addr": addr}).Info("harvester admin server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "admin server failed", err)
		}
	}()

	shutdown.Wait()
}
