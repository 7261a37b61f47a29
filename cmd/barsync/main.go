package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantfeed/barsync/internal/config"
	"github.com/quantfeed/barsync/internal/coverage"
	"github.com/quantfeed/barsync/internal/fetch"
	"github.com/quantfeed/barsync/internal/job"
	"github.com/quantfeed/barsync/internal/platform/sqlite"
	"github.com/quantfeed/barsync/internal/progress"
	"github.com/quantfeed/barsync/internal/provider"
	"github.com/quantfeed/barsync/internal/provider/stooq"
	"github.com/quantfeed/barsync/internal/provider/yahoo"
	"github.com/quantfeed/barsync/internal/ratelimit"
	barrepo "github.com/quantfeed/barsync/internal/repository/bar"
	covrepo "github.com/quantfeed/barsync/internal/repository/coverage"
	healthrepo "github.com/quantfeed/barsync/internal/repository/health"
	jobrepo "github.com/quantfeed/barsync/internal/repository/job"
	"github.com/quantfeed/barsync/internal/router"
	"github.com/quantfeed/barsync/internal/scheduler"
	"github.com/quantfeed/barsync/internal/server"
)

func main() {
	cfg := config.Load()

	// Root context: cancelled on SIGINT/SIGTERM so the scheduler and any
	// in-flight fetches begin winding down immediately.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Open database
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	// Repositories
	barRepo := barrepo.NewRepository(db.DB)
	jobRepo := jobrepo.NewRepository(db.DB)
	covRepo := covrepo.NewRepository(db.DB)
	healthRepo := healthrepo.NewRepository(db.DB)

	// Providers and per-provider rate budgets
	registry := provider.NewRegistry()
	registry.Register(yahoo.New())
	registry.Register(stooq.New())

	limiter := ratelimit.New()
	limiter.Configure("yahoo", 2, 5)
	limiter.Configure("stooq", 1, 3)

	rtr := router.New(registry, healthRepo, limiter, cfg.Providers)

	// Services
	tracker := coverage.NewTracker(covRepo, jobRepo)
	publisher := progress.NewPublisher()
	observer := progress.NewObserver(jobRepo, tracker)
	jobSvc := job.NewService(jobRepo)

	worker := fetch.NewWorker(rtr, jobRepo, barRepo, tracker, publisher, cfg.MaxAttempts)
	sched := scheduler.New(jobRepo, tracker, worker, cfg.TickInterval, cfg.MaxConcurrent)

	// Re-queue runs interrupted by a previous crash before claiming starts.
	if err := jobSvc.RecoverStaleRuns(rootCtx); err != nil {
		slog.Error("failed to recover stale runs", "error", err)
	}
	if err := jobSvc.PruneRunHistory(rootCtx, time.Duration(cfg.RetentionDays)*24*time.Hour); err != nil {
		slog.Error("failed to prune run history", "error", err)
	}

	schedDone := make(chan struct{})
	go func() {
		sched.Run(rootCtx)
		close(schedDone)
	}()
	sched.Notify()

	// rootCtx is used as BaseContext so every request context inherits
	// from it and is cancelled on shutdown.
	srv := server.New(rootCtx, cfg.Port, &server.Services{
		Scheduler: sched,
		Tracker:   tracker,
		Jobs:      jobSvc,
		Observer:  observer,
		Events:    publisher,
		Providers: rtr,
	})

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("server started", "port", cfg.Port, "providers", cfg.Providers)
	<-done

	// Cancel root context first so the scheduler stops ticking and waits out
	// its in-flight workers.
	rootCancel()
	<-schedDone

	// Then drain connections with a deadline.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}
