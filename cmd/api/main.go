package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davidmoltin/record-automation/internal/api/rest"
	"github.com/davidmoltin/record-automation/internal/api/rest/handlers"
	"github.com/davidmoltin/record-automation/internal/api/rest/middleware"
	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/repository/postgres"
	"github.com/davidmoltin/record-automation/internal/services"
	"github.com/davidmoltin/record-automation/internal/websocket"
	"github.com/davidmoltin/record-automation/internal/workers"
	"github.com/davidmoltin/record-automation/pkg/auth"
	"github.com/davidmoltin/record-automation/pkg/config"
	"github.com/davidmoltin/record-automation/pkg/database"
	"github.com/davidmoltin/record-automation/pkg/llm"
	"github.com/davidmoltin/record-automation/pkg/llm/providers"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// stopper is a background worker that can be stopped on shutdown
type stopper interface {
	Stop()
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

	log.Info("Starting record automation API",
		logger.String("version", cfg.App.Version),
		logger.String("environment", cfg.App.Environment),
		logger.String("timezone", cfg.Engine.Timezone),
	)

	// Initialize PostgreSQL
	db, err := database.NewPostgresDB(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		version, err := database.RunMigrations(db.DB, cfg.Database.MigrationsPath)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("Database migrations applied", logger.Int("version", int(version)))
	}

	// Initialize Redis
	redis, err := database.NewRedisClient(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	defer redis.Close()

	// Initialize repositories
	ruleRepo := postgres.NewRuleRepository(db)
	scheduleRepo := postgres.NewScheduleRepository(db)
	executionRepo := postgres.NewExecutionRepository(db)
	eventRepo := postgres.NewEventRepository(db)
	recordRepo := postgres.NewRecordRepository(db)

	clock := engine.RealClock()
	loc := cfg.Location()

	// Initialize services
	recordService := services.NewRecordService(recordRepo, redis, cfg.Redis.CacheTTL, log)
	placeholderService := services.NewPlaceholderService(recordService, loc)
	notificationService, err := services.NewNotificationService(&cfg.Notification, recordRepo, log)
	if err != nil {
		return fmt.Errorf("failed to initialize notification service: %w", err)
	}
	scheduleService := services.NewScheduleService(scheduleRepo, clock, log)

	var drafter engine.LetterDrafter
	var letters handlers.LetterDrafter
	if cfg.LLM.Provider != "" {
		client, err := providers.New(&llm.Config{
			Provider:     llm.Provider(cfg.LLM.Provider),
			APIKey:       cfg.LLM.APIKey,
			DefaultModel: cfg.LLM.Model,
			Timeout:      cfg.LLM.Timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize LLM client: %w", err)
		}
		letterService, err := services.NewLetterService(client, cfg.App.Name, log)
		if err != nil {
			return fmt.Errorf("failed to initialize letter service: %w", err)
		}
		drafter, letters = letterService, letterService
		log.Info("Letter drafting enabled", logger.String("provider", cfg.LLM.Provider))
	} else {
		log.Warn("LLM_PROVIDER not set, generate_letter actions will fail")
	}

	// Initialize rule engine components
	evaluator := engine.NewEvaluator(loc, engine.WithExpressionCostLimit(cfg.Engine.ExpressionCostLimit))
	registry := engine.NewBuiltinRegistry(evaluator, engine.Collaborators{
		Records:        recordService,
		Notifier:       notificationService,
		Mailer:         notificationService,
		SMS:            notificationService,
		Drafter:        drafter,
		Placeholders:   placeholderService,
		HTTPClient:     &http.Client{},
		WebhookTimeout: cfg.Engine.WebhookTimeout,
	}, clock, log)
	actions := engine.NewActionExecutor(registry, log)
	validator := engine.NewRuleValidator(evaluator, actions)
	contexts := engine.NewContextBuilder(recordService, clock, log)

	ruleService := services.NewRuleService(ruleRepo, validator, scheduleService, redis, cfg.Redis.CacheTTL, log)
	planner := engine.NewPlanner(ruleService, contexts, evaluator, actions, log)

	coordinator := engine.NewCoordinator(engine.CoordinatorOptions{
		Executions: executionRepo,
		Evaluator:  evaluator,
		Contexts:   contexts,
		Actions:    actions,
		Validator:  validator,
		Failures:   notificationService,
		Clock:      clock,
		Backoff: engine.BackoffPolicy{
			Strategy:  engine.BackoffStrategy(cfg.Engine.RetryBackoff),
			BaseDelay: cfg.Engine.RetryBaseDelay,
			MaxDelay:  cfg.Engine.RetryMaxDelay,
		},
		MaxRetries: cfg.Engine.MaxRetries,
		Logger:     log,
	})
	dispatcher := engine.NewDispatcher(ruleService, coordinator, clock, engine.DispatcherOptions{
		Workers:   cfg.Engine.DispatchWorkers,
		QueueSize: cfg.Engine.DispatchQueueSize,
	}, log)

	// Initialize WebSocket hub
	hub := websocket.NewHub(redis.Client, log)
	if err := hub.Start(); err != nil {
		return fmt.Errorf("failed to start websocket hub: %w", err)
	}
	coordinator.AddObserver(hub)
	wsHandler := websocket.NewHandler(hub, cfg.Server.AllowedOrigins, log)

	var tokens middleware.TokenValidator
	if cfg.Auth.Enabled {
		tokens = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	} else {
		log.Warn("AUTH_ENABLED is false, the API is open to anyone who can reach it")
	}

	// Start background workers
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	resumeWorker := workers.NewResumeWorker(executionRepo, dispatcher, clock, log, cfg.Engine.ResumeInterval)
	retryWorker := workers.NewRetryWorker(executionRepo, dispatcher, clock, log, cfg.Engine.RetryInterval)
	staleReaper := workers.NewStaleReaper(executionRepo, coordinator, clock, log, cfg.Engine.ResumeInterval, cfg.Engine.StaleExecutionTimeout)
	schedulerWorker := workers.NewSchedulerWorker(scheduleService, ruleService, dispatcher, clock, log, cfg.Engine.ScheduleInterval)
	resumeWorker.Start(workerCtx)
	retryWorker.Start(workerCtx)
	staleReaper.Start(workerCtx)
	schedulerWorker.Start(workerCtx)
	background := []stopper{resumeWorker, retryWorker, staleReaper, schedulerWorker}

	inactivityScanner := workers.NewInactivityScanner(
		ruleService, recordRepo, dispatcher, clock, log,
		cfg.Engine.InactivityCron, cfg.Engine.Timezone, cfg.Engine.DefaultInactivityDays,
	)
	if err := inactivityScanner.Start(workerCtx); err != nil {
		return fmt.Errorf("failed to start inactivity scanner: %w", err)
	}
	background = append(background, inactivityScanner)

	if dir := cfg.Engine.RuleTemplatesDir; dir != "" {
		watcher := workers.NewTemplateWatcher(dir, ruleService, log)
		if err := watcher.Start(workerCtx); err != nil {
			log.Error("Template watcher disabled", logger.String("dir", dir), logger.Err(err))
		} else {
			background = append(background, watcher)
		}
	}

	// Initialize handlers
	h := handlers.NewHandlers(log, handlers.Dependencies{
		Rules:      ruleService,
		Planner:    planner,
		Dispatcher: dispatcher,
		Executions: executionRepo,
		Events:     eventRepo,
		Schedules:  scheduleService,
		Letters:    letters,
		DB:         db,
		Redis:      redis,
		Version:    cfg.App.Version,
	})

	// Initialize router
	router := rest.NewRouter(log, h, tokens, wsHandler, cfg.Server)
	router.SetupRoutes()
	go router.RateLimiter().Cleanup(workerCtx, 5*time.Minute)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("API server listening", logger.String("address", addr))
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or an error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", logger.String("signal", sig.String()))

		// Stop background workers first so nothing new is queued
		for _, w := range background {
			w.Stop()
		}
		cancelWorkers()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			server.Close()
			log.Error("Graceful shutdown failed", logger.Err(err))
		}

		// Let in-flight executions finish
		if err := dispatcher.Shutdown(ctx); err != nil {
			log.Error("Dispatcher did not drain before the deadline", logger.Err(err))
		}
		hub.Stop()

		log.Info("Server stopped gracefully")
	}

	return nil
}
