// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package viewer provides the Mirrorscope viewer-state synchronization
// service.
//
// This package contains the service root that coordinates all components:
// HTTP routing, the session registry, the run loop, the credentials manager,
// state file mirroring, and observability infrastructure.
//
// # Usage
//
//	cfg := viewer.Config{Port: 12300}
//	svc, err := viewer.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// Embedders that drive state programmatically use the default session:
//
//	sess := svc.DefaultSession()
//	sess.Shared.SetState(map[string]any{"title": "demo"})
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/mirrorscope/services/viewer/credentials"
	"github.com/AleutianAI/mirrorscope/services/viewer/observability"
	"github.com/AleutianAI/mirrorscope/services/viewer/runloop"
	"github.com/AleutianAI/mirrorscope/services/viewer/server"
	"github.com/AleutianAI/mirrorscope/services/viewer/session"
	"github.com/AleutianAI/mirrorscope/services/viewer/statefile"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the viewer service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and should
// only be called once per instance.
type Service interface {
	// Run starts the service and blocks until a fatal error or a shutdown
	// signal (SIGINT/SIGTERM).
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine

	// Sessions returns the session registry.
	Sessions() *Registry

	// DefaultSession returns the session created at startup.
	DefaultSession() *session.Session

	// Shutdown stops the HTTP server, bounded by ctx.
	Shutdown(ctx context.Context) error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds viewer service configuration options.
//
// All fields are optional with defaults applied by New().
type Config struct {
	// Port is the HTTP server port. Default: 12300
	Port int

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: uses GIN_MODE env var or "debug"
	GinMode string

	// KeepAliveInterval is the SSE comment cadence.
	// Default: server.DefaultKeepAliveInterval
	KeepAliveInterval time.Duration

	// StateFile, when set, is a JSON file mirrored into the default
	// session's shared state.
	StateFile string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Empty disables tracing.
	OTelEndpoint string

	// DefaultSessionToken fixes the default session's token instead of
	// minting one. Useful for scripted deployments; disables the session's
	// credentials endpoint unless AllowCredentials is set.
	DefaultSessionToken string

	// AllowCredentials overrides the default session's credential gate.
	AllowCredentials *bool
}

// Options carries injection points for embedders. May be nil.
type Options struct {
	// Logger replaces slog.Default() throughout the service.
	Logger *slog.Logger

	// CredentialFactories are registered on the credentials manager in
	// addition to the built-ins.
	CredentialFactories map[string]credentials.Factory

	// Actions are bound on the default session at startup.
	Actions map[string]session.ActionHandler
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12300
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = server.DefaultKeepAliveInterval
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
type service struct {
	config Config
	logger *slog.Logger

	router         *gin.Engine
	loop           *runloop.Loop
	creds          *credentials.Manager
	registry       *Registry
	defaultSession *session.Session
	mirror         *statefile.Mirror
	httpServer     *http.Server
	tracerCleanup  func(context.Context)
}

// New creates a viewer Service with the given configuration.
//
// # Description
//
// New initializes all components:
//  1. Applies default configuration for missing values
//  2. Initializes Prometheus metrics and, when configured, OTLP tracing
//  3. Creates the run loop, credentials manager, and session registry
//  4. Creates the default session and binds embedder actions
//  5. Sets up HTTP routes
//
// If opts is nil, no extra factories or actions are installed.
func New(cfg Config, opts *Options) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	s.logger = slog.Default()
	if opts != nil && opts.Logger != nil {
		s.logger = opts.Logger
	}

	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	metrics := observability.InitMetrics()

	if s.config.OTelEndpoint != "" {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	s.loop = runloop.New()

	s.creds = credentials.NewManager()
	credentials.RegisterBuiltinFactories(s.creds)
	if opts != nil {
		for key, factory := range opts.CredentialFactories {
			s.creds.RegisterFactory(key, factory)
		}
	}

	s.registry = NewRegistry(s.loop, s.logger, metrics)

	defaultSession, err := s.registry.NewSession(SessionOptions{
		Token:            s.config.DefaultSessionToken,
		AllowCredentials: s.config.AllowCredentials,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create default session: %w", err)
	}
	s.defaultSession = defaultSession
	if opts != nil {
		for name, handler := range opts.Actions {
			s.defaultSession.BindAction(name, handler)
		}
	}

	if s.config.StateFile != "" {
		s.mirror, err = statefile.New(s.config.StateFile, s.defaultSession.Shared, &statefile.Options{
			Metrics: metrics,
			Logger:  s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create state file mirror: %w", err)
		}
	}

	s.initRouter(metrics)

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the run loop, state file mirror, and HTTP server, blocking
// until a fatal error or a shutdown signal.
func (s *service) Run() error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.loop.Start(ctx); err != nil {
		return fmt.Errorf("start run loop: %w", err)
	}
	if s.mirror != nil {
		if err := s.mirror.Start(ctx); err != nil {
			return fmt.Errorf("start state file mirror: %w", err)
		}
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.router,
	}

	s.logger.Info("starting viewer server",
		"port", s.config.Port,
		"session", s.defaultSession.Token,
		"events_url", fmt.Sprintf("http://localhost:%d/v1/events/%s", s.config.Port, s.defaultSession.Token))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Sessions returns the session registry.
func (s *service) Sessions() *Registry {
	return s.registry
}

// DefaultSession returns the session created at startup.
func (s *service) DefaultSession() *session.Session {
	return s.defaultSession
}

// Shutdown stops the HTTP server, bounded by ctx.
func (s *service) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initTracer initializes OpenTelemetry distributed tracing.
//
// Uses an insecure gRPC connection, appropriate for internal networks.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("mirrorscope-viewer")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter(metrics *observability.SyncMetrics) {
	s.router = gin.Default()
	if s.tracerCleanup != nil {
		s.router.Use(otelgin.Middleware("mirrorscope-viewer"))
	}

	srv := server.New(server.Config{
		Sessions:          s.registry,
		Credentials:       s.creds,
		Metrics:           metrics,
		Logger:            s.logger,
		KeepAliveInterval: s.config.KeepAliveInterval,
	})
	srv.SetupRoutes(s.router)
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	if s.mirror != nil {
		s.mirror.Stop()
	}
	s.loop.Stop()
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
