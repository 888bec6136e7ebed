package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/procurata/be-approval-workflows/internal/client"
	"github.com/procurata/be-approval-workflows/internal/config"
	"github.com/procurata/be-approval-workflows/internal/database"
	"github.com/procurata/be-approval-workflows/internal/handler"
	"github.com/procurata/be-approval-workflows/internal/logger"
	"github.com/procurata/be-approval-workflows/internal/middleware"
	natsclient "github.com/procurata/be-approval-workflows/internal/nats"
	"github.com/procurata/be-approval-workflows/internal/repository"
	"github.com/procurata/be-approval-workflows/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approval Workflows Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	workflowRepo := repository.NewWorkflowRepository(db)
	instanceRepo := repository.NewInstanceRepository(db)
	actionRepo := repository.NewActionRepository(db)

	// Initialize service clients
	identityClient := client.NewIdentityClient(cfg.Clients.IdentityURL)
	documentsClient := client.NewDocumentsClient(cfg.Clients.DocumentsURL)
	log.Info().
		Str("identity_url", cfg.Clients.IdentityURL).
		Str("documents_url", cfg.Clients.DocumentsURL).
		Msg("Service clients initialized")

	// Initialize NATS; an empty URL disables event publishing
	var notifier service.Notifier = service.NopNotifier{}
	if cfg.NATS.URL != "" {
		nc, err := natsclient.Connect(natsclient.Config{URL: cfg.NATS.URL, Name: cfg.NATS.Name})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		notifier = client.NewNotificationPublisher(nc, log)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set; notifications disabled")
	}

	// Initialize services
	adminService := service.NewAdminService(workflowRepo, identityClient, log)
	approvalService := service.NewApprovalService(
		workflowRepo, instanceRepo, actionRepo, identityClient, documentsClient, notifier, log)

	// Start the SLA monitor
	slaMonitor := service.NewSLAMonitor(approvalService, notifier, log, cfg.SLA.CheckInterval)
	go slaMonitor.Run(ctx)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(adminService, approvalService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Workflow definition routes
	mux.HandleFunc("/api/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListWorkflows(w, r)
		case http.MethodPost:
			httpHandler.CreateWorkflow(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/workflows/get", httpHandler.GetWorkflow)
	mux.HandleFunc("/api/v1/workflows/update", httpHandler.UpdateWorkflow)
	mux.HandleFunc("/api/v1/workflows/activate", httpHandler.ActivateWorkflow)
	mux.HandleFunc("/api/v1/workflows/deactivate", httpHandler.DeactivateWorkflow)
	mux.HandleFunc("/api/v1/workflows/select", httpHandler.SelectWorkflow)

	// Approval instance routes
	mux.HandleFunc("/api/v1/approvals/submit", httpHandler.SubmitDocument)
	mux.HandleFunc("/api/v1/approvals/action", httpHandler.RecordAction)
	mux.HandleFunc("/api/v1/approvals/cancel", httpHandler.CancelInstance)
	mux.HandleFunc("/api/v1/approvals/get", httpHandler.GetInstance)
	mux.HandleFunc("/api/v1/approvals/pending", httpHandler.ListPending)
	mux.HandleFunc("/api/v1/approvals/history", httpHandler.GetHistory)
	mux.HandleFunc("/api/v1/approvals/breaches", httpHandler.ListBreaches)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
