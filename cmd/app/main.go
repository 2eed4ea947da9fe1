// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"score-conversion-service/internal/config"
	"score-conversion-service/internal/domain/ports/adapter"
	"score-conversion-service/internal/domain/ports/repository"
	"score-conversion-service/internal/infra/adapters/artifact"
	"score-conversion-service/internal/infra/adapters/convert"
	"score-conversion-service/internal/infra/api"
	"score-conversion-service/internal/infra/api/apiv1"
	pg "score-conversion-service/internal/infra/db/postgres"
	"score-conversion-service/internal/infra/logging"
	"score-conversion-service/internal/infra/memstore"
	"score-conversion-service/internal/infra/metrics"
	red "score-conversion-service/internal/infra/redis"
	"score-conversion-service/internal/queue"
	"score-conversion-service/internal/usecase"
	"score-conversion-service/internal/worker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "run on in-memory stores and the noop converter")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()

	// ---- Stores and collaborators ----
	var (
		jobRepo   repository.JobRepository
		notifRepo repository.NotificationRepository
		converter adapter.ScoreConverter
		artifacts adapter.ArtifactStore
		locker    worker.Locker
	)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("dev mode: in-memory stores, noop converter")
		jobRepo = memstore.NewJobRepo()
		notifRepo = memstore.NewNotificationRepo()
		converter = convert.NewNoopConverter(time.Second)
		artifacts = artifact.NewMemStore()
		locker = worker.NewLocalLocker()
	} else {
		pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 10)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connect failed")
		}
		defer pool.Close()
		if err := pg.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("schema setup failed")
		}

		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connect failed")
		}
		defer redisClient.Close()

		store, err := artifact.NewS3Store(ctx, cfg.Storage)
		if err != nil {
			logger.Fatal().Err(err).Msg("artifact store setup failed")
		}

		jobRepo = pg.NewJobRepo(pool)
		notifRepo = pg.NewNotificationRepo(pool)
		converter = convert.NewEngineConverter(cfg.Engine)
		artifacts = store
		locker = red.NewLocker(redisClient)
	}

	// ---- Job engine ----
	q := queue.New(jobRepo, cfg.Queue.Depth, cfg.Queue.MaxConcurrentJobsPerUser, logger)
	proc := worker.NewProcessor(q, jobRepo, notifRepo, converter, artifacts, worker.Options{
		LeaseTTL:              cfg.Queue.LeaseTTL,
		ProgressWriteInterval: cfg.Queue.ProgressWriteInterval,
		HardTimeout:           cfg.Queue.HardTimeout,
	}, logger)
	pool := worker.NewPool(cfg.Queue.Workers, q, proc, logger)
	pool.Start(ctx)

	reaper := worker.NewReaper(cfg.Queue.ReaperInterval, cfg.Queue.MaxAttempts, jobRepo, notifRepo, q, locker, logger)
	go func() { _ = reaper.Run(ctx) }()

	// ---- Use cases ----
	convUC := usecase.NewConversionUseCase(q, jobRepo, cfg.Queue.WatchPollInterval, logger)
	notifUC := usecase.NewNotificationUseCase(notifRepo, logger)

	// ---- HTTP server ----
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	srv := apiv1.NewServer(convUC, notifUC, logger)
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return api.Chain(next,
				api.Recover(logger),
				api.TraceID(),
				api.RequestLog(logger),
				api.UserIdentity(),
				api.Timeout(cfg.Server.RequestTimeout, apiv1.IsStreamRequest),
			)
		})
		srv.Register(r)
	})

	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: r}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	q.Shutdown()
	cancel()
	pool.Stop()
}
