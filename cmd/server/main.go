package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-wf-approvals/internal/client"
	"github.com/pesio-ai/be-wf-approvals/internal/config"
	"github.com/pesio-ai/be-wf-approvals/internal/database"
	"github.com/pesio-ai/be-wf-approvals/internal/events"
	"github.com/pesio-ai/be-wf-approvals/internal/handler"
	"github.com/pesio-ai/be-wf-approvals/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting approval workflow engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.DB.Host,
		Port:        cfg.DB.Port,
		User:        cfg.DB.User,
		Password:    cfg.DB.Password,
		Database:    cfg.DB.Name,
		SSLMode:     cfg.DB.SSLMode,
		MaxConns:    cfg.DB.MaxConns,
		MinConns:    cfg.DB.MinConns,
		MaxConnTime: cfg.DB.MaxConnTime,
		MaxIdleTime: cfg.DB.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Event delivery is best-effort; the engine runs without NATS.
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, events disabled")
			natsConn = nil
		} else {
			defer natsConn.Drain()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	sink := events.NewPublisher(natsConn, log)

	// Outbound platform clients
	identityClient := client.NewIdentityClient(getEnv("IDENTITY_URL", "http://localhost:9080"))
	recordsClient := client.NewRecordsClient(getEnv("RECORDS_URL", "http://localhost:9081"))

	// Services
	pgdb := service.NewPgDB(db)
	evaluator := service.NewConditionEvaluator(log)
	weights := service.NewWeightageCalculator()
	resolver := service.NewApproverResolver(identityClient, log)
	delegation := service.NewDelegationManager(pgdb, cfg.Engine.DelegationDepth, log)
	parallel := service.NewParallelCoordinator(log)
	dynamic := service.NewDynamicWorkflowManager(pgdb, evaluator, sink, log)
	workflows := service.NewWorkflowService(pgdb, weights, sink, log)

	engine := service.NewApprovalEngine(
		pgdb,
		recordsClient,
		resolver,
		delegation,
		evaluator,
		weights,
		parallel,
		dynamic,
		sink,
		log,
		cfg.Engine.MaxRetries,
	)

	escalation := service.NewEscalationService(
		pgdb,
		identityClient,
		resolver,
		delegation,
		dynamic,
		sink,
		log,
		cfg.Sweeps.ReminderPercent,
	)

	// Scheduled sweeps
	sched := cron.New()
	mustSchedule(log, sched, cfg.Sweeps.EscalationSchedule, "escalation", func() {
		n, err := escalation.CheckOverdueApprovals(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Escalation sweep failed")
			return
		}
		if n > 0 {
			log.Info().Int("escalated", n).Msg("Escalation sweep complete")
		}
	})
	mustSchedule(log, sched, cfg.Sweeps.ReminderSchedule, "reminder", func() {
		n, err := escalation.SendReminders(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Reminder sweep failed")
			return
		}
		if n > 0 {
			log.Info().Int("reminded", n).Msg("Reminder sweep complete")
		}
	})
	mustSchedule(log, sched, cfg.Sweeps.DelegationSchedule, "delegation", func() {
		n, err := delegation.CheckAndAutoEnd(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Delegation auto-end sweep failed")
			return
		}
		if n > 0 {
			log.Info().Int("ended", n).Msg("Delegation auto-end sweep complete")
		}
	})
	sched.Start()
	log.Info().
		Str("escalation", cfg.Sweeps.EscalationSchedule).
		Str("reminder", cfg.Sweeps.ReminderSchedule).
		Str("delegation", cfg.Sweeps.DelegationSchedule).
		Msg("Sweeps scheduled")

	// HTTP routes
	httpHandler := handler.NewHTTPHandler(engine, workflows, dynamic, delegation, log)
	mux := http.NewServeMux()
	httpHandler.Routes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.HealthPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Int("port", cfg.Service.HealthPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	<-sched.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Stopped")
}

// newLogger builds the service logger: console output in development, JSON
// elsewhere.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}

	base := zerolog.New(os.Stdout)
	if cfg.Service.Environment == "development" {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	return base.Level(level).With().
		Timestamp().
		Str("service", cfg.Service.Name).
		Logger()
}

func mustSchedule(log zerolog.Logger, sched *cron.Cron, spec, name string, fn func()) {
	if _, err := sched.AddFunc(spec, fn); err != nil {
		log.Fatal().Err(err).Str("sweep", name).Str("schedule", spec).Msg("Invalid sweep schedule")
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
