package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/database"
	"github.com/stemsi/proctord/internal/evaluation"
	"github.com/stemsi/proctord/internal/handler"
	"github.com/stemsi/proctord/internal/logger"
	"github.com/stemsi/proctord/internal/metrics"
	"github.com/stemsi/proctord/internal/proctor"
	"github.com/stemsi/proctord/internal/repository"
	"github.com/stemsi/proctord/internal/router"
	"github.com/stemsi/proctord/internal/service"
	"github.com/stemsi/proctord/internal/submission"
	"github.com/stemsi/proctord/internal/validator"
	"github.com/stemsi/proctord/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("evaluation_url", cfg.EvaluationURL).
		Msg("Starting proctord")

	// ─── Initialize Validator & Metrics ────────────────────────────────
	validator.Setup()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	assignmentRepo := repository.NewAssignmentRepository(pool)
	submissionRepo := repository.NewSubmissionRepository(pool)
	monitorRepo := repository.NewMonitorRepository(pool)

	// ─── Initialize Stores ─────────────────────────────────────────────
	counters := proctor.NewRedisCounterStore(rdb, cfg.CounterTTL)
	answers := submission.NewAnswerBuffer(rdb, cfg.CounterTTL)
	sink := proctor.NewRedisEventSink(rdb, log)

	// ─── Initialize Submission Pipeline ────────────────────────────────
	evaluator := evaluation.NewClient(cfg.EvaluationURL, cfg.EvaluationTimeout, cfg.EvalRatePerSec, log)
	pipeline := submission.NewPipeline(evaluator, submissionRepo, answers, counters, submission.Options{
		Concurrency: cfg.EvalConcurrency,
		Timeout:     cfg.SubmitTimeout,
	}, log)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	proctorService := service.NewProctorService(assignmentRepo, submissionRepo, counters, pipeline, sink, cfg, log)
	monitorService := service.NewMonitorService(monitorRepo)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Assignment: handler.NewAssignmentHandler(proctorService, log),
		Proctor:    handler.NewProctorHandler(proctorService, answers, log, cfg.AllowedOrigins),
		Monitor:    handler.NewMonitorHandler(rdb, monitorService, log),
		System:     handler.NewSystemHandler(pool, rdb, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	violationWorker := worker.NewViolationWorker(pool, rdb, log)
	draftWorker := worker.NewDraftWorker(pool, rdb, log)

	workers.Go(func() { violationWorker.Start(workerCtx) })
	workers.Go(func() { draftWorker.Start(workerCtx) })

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests. Hijacked proctoring streams are
	// not tracked by Shutdown; their in-flight submissions run detached.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for queues to drain.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
