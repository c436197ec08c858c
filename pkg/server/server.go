// Package server provides the public entry point for initializing the
// automation engine.
//
// This package exists in pkg/ (not internal/) so an operator embedding
// the engine in a larger process can compose the handler directly
// instead of shelling out to the standalone binary.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"time"

	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pushcraft/automation-engine/internal/alert"
	"github.com/pushcraft/automation-engine/internal/api"
	"github.com/pushcraft/automation-engine/internal/api/handlers"
	"github.com/pushcraft/automation-engine/internal/audience"
	"github.com/pushcraft/automation-engine/internal/auth"
	"github.com/pushcraft/automation-engine/internal/cadence"
	"github.com/pushcraft/automation-engine/internal/config"
	"github.com/pushcraft/automation-engine/internal/eventlog"
	"github.com/pushcraft/automation-engine/internal/executor"
	"github.com/pushcraft/automation-engine/internal/ledger"
	"github.com/pushcraft/automation-engine/internal/reconciler"
	"github.com/pushcraft/automation-engine/internal/scheduler"
	"github.com/pushcraft/automation-engine/internal/scriptrunner"
	"github.com/pushcraft/automation-engine/internal/store"
	"github.com/pushcraft/automation-engine/internal/telemetry"
	"github.com/pushcraft/automation-engine/internal/tokensvc"
	"github.com/pushcraft/automation-engine/internal/transport"
	"github.com/pushcraft/automation-engine/pkg/contracts"
)

// reconcilerInterval is how often the background reconciliation pass
// runs between the at-boot pass and an operator-triggered restore.
const reconcilerInterval = 5 * time.Minute

// Server holds the initialized automation engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the recipe store.
	Store store.Store

	// Scheduler owns the scheduled-job map.
	Scheduler *scheduler.Scheduler

	// Reconciler reconstructs the scheduler's job map from the store.
	Reconciler *reconciler.Reconciler

	// Executor drives firings to completion.
	Executor *executor.Executor

	// Ledger is the durable execution ledger.
	Ledger *ledger.Ledger

	// Events holds the per-firing log buffers the Control Surface
	// streams from.
	Events *eventlog.Registry

	// Handlers is the HTTP handler collection.
	Handlers *handlers.Handlers

	// AuthChain is the pluggable authentication provider chain.
	AuthChain *auth.ProviderChain

	// Config is the resolved engine configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	shutdownTelemetry func(context.Context) error
	reconcilerCancel  context.CancelFunc
}

// New initializes every engine component from environment configuration
// and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	cfg := config.Load()
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	instanceID := uuid.NewString()

	recipeStore, err := store.NewFileStore(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("init recipe store: %w", err)
	}
	log.Info().Str("dataDir", cfg.Store.DataDir).Msg("recipe store initialized")

	execLedger, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("open execution ledger: %w", err)
	}
	log.Info().Str("path", cfg.Ledger.Path).Msg("execution ledger opened")

	scriptRunner := scriptrunner.New(cfg.Audience.ScriptDir)
	// No analytics-backed audience reader is wired in; recipes with
	// inline audience criteria (rather than a script) fail loudly at
	// materialization time, which is the documented behavior when none
	// is configured.
	var audienceReader contracts.AudienceReader
	materializer := audience.New(scriptRunner, audienceReader, cfg.Audience.ArtifactDir, cfg.Audience.ScriptTimeout, nil)

	cadenceClient := cadence.New(cfg.Cadence.BaseURL, cfg.Cadence.AuthToken, cfg.Cadence.Timeout)
	tokenClient := tokensvc.New(cfg.TokenSvc.BaseURL, cfg.TokenSvc.AuthToken, cfg.TokenSvc.Timeout)
	transportClient := transport.New(cfg.Transport.BaseURL, cfg.Transport.AuthToken, cfg.Transport.Timeout)

	var alertDriver contracts.AlertDriver
	if cfg.Alert.WebhookURL != "" {
		alertDriver = alert.NewWebhookDriver(cfg.Alert.WebhookURL, cfg.Alert.HMACSecret)
		log.Info().Msg("alert webhook driver registered")
	}

	events := eventlog.NewRegistry()

	ex := executor.New(materializer, cadenceClient, tokenClient, transportClient, alertDriver, events, cfg.Scheduler.DefaultCancellationWindow)

	sched := scheduler.New(ex, execLedger, cfg.Scheduler.WorkerPoolSize, cfg.Scheduler.DefaultCancellationWindow, instanceID)

	rec := reconciler.New(recipeStore, sched, reconcilerInterval)

	authChain := auth.NewProviderChain()
	apiKeyProvider := auth.NewAPIKeyProvider()
	if apiKeyProvider.Enabled() {
		authChain.RegisterProvider(apiKeyProvider)
	}

	h := handlers.New(recipeStore, sched, rec, ex, events, instanceID)

	var authForRouter contracts.AuthProviderChain
	if apiKeyProvider.Enabled() {
		authForRouter = authChain
	}
	router := api.NewRouter(cfg, h, authForRouter)

	sched.Start()

	reconcilerCtx, reconcilerCancel := context.WithCancel(context.Background())
	go rec.Start(reconcilerCtx)

	return &Server{
		Handler:           router,
		Store:             recipeStore,
		Scheduler:         sched,
		Reconciler:        rec,
		Executor:          ex,
		Ledger:            execLedger,
		Events:            events,
		Handlers:          h,
		AuthChain:         authChain,
		Config:            cfg,
		Port:              cfg.Port,
		shutdownTelemetry: shutdownTelemetry,
		reconcilerCancel:  reconcilerCancel,
	}, nil
}

// Shutdown stops the scheduler and reconciler, closes the ledger and
// store, and flushes telemetry. Callers should still close Store and
// Ledger themselves if they need ordering guarantees beyond this; this
// method is provided for the common case of a single deferred call.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.reconcilerCancel != nil {
		s.reconcilerCancel()
	}
	if err := s.Scheduler.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("stopping scheduler")
	}
	if err := s.Ledger.Close(); err != nil {
		log.Warn().Err(err).Msg("closing execution ledger")
	}
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("closing recipe store")
	}
	if s.shutdownTelemetry != nil {
		return s.shutdownTelemetry(ctx)
	}
	return nil
}
