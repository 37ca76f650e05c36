package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pulsecrm/automation-engine/internal/api/ops"
	"github.com/pulsecrm/automation-engine/internal/engine"
	"github.com/pulsecrm/automation-engine/internal/repository/postgres"
	"github.com/pulsecrm/automation-engine/internal/services"
	"github.com/pulsecrm/automation-engine/internal/workers"
	"github.com/pulsecrm/automation-engine/pkg/config"
	"github.com/pulsecrm/automation-engine/pkg/database"
	"github.com/pulsecrm/automation-engine/pkg/logger"
	"github.com/pulsecrm/automation-engine/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting automation engine",
		logger.String("version", cfg.App.Version),
		logger.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL
	db, err := database.NewPostgresDB(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	if cfg.App.AutoMigrate {
		if err := db.Migrate(cfg.App.MigrationsPath); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	// Initialize Redis
	redis, err := database.NewRedisClient(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	defer redis.Close()

	m := metrics.New()

	// Initialize repositories
	ruleRepo := postgres.NewRuleRepository(db)
	executionRepo := postgres.NewExecutionRepository(db)
	scheduleRepo := postgres.NewScheduleRepository(db)
	jobRepo := postgres.NewJobRepository(db)
	workflowRepo := postgres.NewWorkflowRepository(db)
	auditRepo := postgres.NewAuditRepository(db)

	// Initialize engine components
	calculator := engine.NewRecurrenceCalculator()
	gate := engine.NewRuleGate()
	evaluator := engine.NewEvaluator()
	dispatcher := engine.NewDispatcher(log, cfg.Dispatch.ActionTimeout, cfg.Dispatch.RatePerSecond, cfg.Dispatch.RateBurst)

	// Initialize services
	auditService := services.NewAuditService(auditRepo, log)
	ruleExecutor := engine.NewRuleExecutor(gate, evaluator, dispatcher, executionRepo, auditService, log, m)
	workflowEngine := engine.NewWorkflowEngine(evaluator, dispatcher, workflowRepo, auditService, log, m)

	scheduleService := services.NewScheduleService(scheduleRepo, jobRepo, calculator, auditService, log)
	workflowService := services.NewWorkflowService(workflowRepo, workflowRepo, workflowEngine, log)
	executionService := services.NewExecutionService(executionRepo, ruleRepo, log)

	// Initialize and start scheduler worker
	worker := workers.NewSchedulerWorker(
		scheduleRepo,
		jobRepo,
		ruleRepo,
		ruleExecutor,
		workflowService,
		scheduleService,
		redis,
		calculator,
		log,
		m,
		cfg.Scheduler.TickInterval,
		100,
		cfg.Scheduler.ClaimTTL,
	)
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	worker.Start(workerCtx)

	// Initialize ops server
	server := ops.NewServer(cfg, log, m, db, redis, worker, executionService)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case sig := <-quit:
		log.Info("Shutdown signal received", logger.String("signal", sig.String()))
	}

	// Stop accepting new work, then drain
	worker.Stop()
	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown failed: %w", err)
	}

	log.Info("Automation engine stopped")
	return nil
}
