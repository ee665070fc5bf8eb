// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package broker wires the QuantomOS upstream session broker into a
// runnable HTTP service.
//
// # Description
//
// The service owns one session store, one authenticator and one executor
// for the whole process. Dashboard widgets reach upstream integrations
// (Pi-hole, Deluge, Transmission, SABnzbd, qBittorrent, Sonarr, Radarr)
// only through it, so at most one login per destination and credential is
// ever in flight and sessions are reused until close to expiry.
//
// # Lifecycle
//
//	New ──► Serve/Run ──► (signal or ctx cancel) ──► HTTP shutdown ──► drain ──► cleanup
//
// On shutdown every cached session is logged out upstream within the drain
// budget so session slots (Pi-hole seats in particular) are released.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/config"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/credentials"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/engine"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/lifecycle"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/middleware"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/observability"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/providers"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/routes"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

const (
	serviceName = "quantom-broker"

	// httpShutdownTimeout bounds how long in-flight requests may finish
	// before the drain starts.
	httpShutdownTimeout = 5 * time.Second
)

// Service is a constructed broker ready to serve.
type Service interface {
	// Run listens on the configured port and serves until ctx is cancelled
	// or SIGINT/SIGTERM arrives, then shuts down and drains sessions.
	Run(ctx context.Context) error

	// Serve is Run on a caller-supplied listener.
	Serve(ctx context.Context, ln net.Listener) error

	// Router returns the gin engine for tests.
	Router() *gin.Engine

	// Broker returns the dashboard-facing facade.
	Broker() *engine.Broker
}

// Options overrides collaborators. All fields are optional.
//
// # Fields
//
//   - Registerer, Gatherer: Prometheus registry. Default: the process
//     default registry. A nil Gatherer falls back to Registerer when it
//     can gather (a *prometheus.Registry does), so /metrics serves what
//     the broker registers.
//   - Providers: Adapter registry. Default: every built-in adapter.
//   - Resolver: Item resolver. Default: a FileResolver on cfg.ItemsFile.
//   - HTTPClient: Upstream client. Default: providers.NewHTTPClient.
type Options struct {
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Providers  *engine.Registry
	Resolver   engine.Resolver
	HTTPClient *http.Client
}

type service struct {
	config config.Config

	router        *gin.Engine
	broker        *engine.Broker
	store         *session.Store
	manager       *lifecycle.Manager
	fileResolver  *credentials.FileResolver
	metrics       *observability.BrokerMetrics
	tracerCleanup func(context.Context)
}

// New builds the service.
//
// # Inputs
//
//   - cfg: Validated configuration.
//   - opts: Collaborator overrides. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Items file, secret key or tracer setup failed.
func New(cfg config.Config, opts *Options) (Service, error) {
	if opts == nil {
		opts = &Options{}
	}
	s := &service{config: cfg}

	cleanup, err := observability.InitTracer(context.Background(), cfg.OTelEndpoint, serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	gatherer := opts.Gatherer
	if opts.Registerer != nil {
		s.metrics = observability.NewBrokerMetrics(opts.Registerer)
		if g, ok := opts.Registerer.(prometheus.Gatherer); ok && gatherer == nil {
			gatherer = g
		}
	} else {
		s.metrics = observability.InitMetrics()
		gatherer = prometheus.DefaultGatherer
	}

	codec, err := s.initCodec()
	if err != nil {
		s.cleanup()
		return nil, err
	}

	registry := opts.Providers
	if registry == nil {
		client := opts.HTTPClient
		if client == nil {
			client = providers.NewHTTPClient(providers.ClientOptions{
				Timeout:     cfg.Broker.UpstreamTimeout,
				InsecureTLS: cfg.InsecureTLS,
			})
		}
		registry = providers.NewRegistry(client)
	}

	resolver := opts.Resolver
	if resolver == nil {
		s.fileResolver, err = credentials.NewFileResolver(cfg.ItemsFile, registry.Names())
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to load items file: %w", err)
		}
		resolver = s.fileResolver
		slog.Info("Loaded items file", "path", cfg.ItemsFile, "items", s.fileResolver.Len())
	}

	keyer, err := session.NewRandomKeyer()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to create session keyer: %w", err)
	}

	s.store = session.NewStore()
	pacer := engine.NewPacer()
	registry.SetPacer(pacer)
	auth := engine.NewAuthenticator(s.store, registry, codec, engine.AuthenticatorConfig{
		PassiveLoginTimeout:     cfg.Broker.PassiveLoginTimeout,
		InteractiveLoginTimeout: cfg.Broker.InteractiveLoginTimeout,
		SafetyMargin:            cfg.Broker.SafetyMargin,
	}, s.metrics)

	execCfg := engine.DefaultExecutorConfig()
	execCfg.MaxAttempts = cfg.Broker.MaxAttempts
	execCfg.NearExpiryBuffer = cfg.Broker.NearExpiryBuffer
	execCfg.CallTimeout = cfg.Broker.CallTimeout
	executor := engine.NewExecutor(s.store, auth, registry, execCfg, s.metrics)

	s.broker = engine.NewBroker(engine.BrokerDeps{
		Resolver:      resolver,
		Providers:     registry,
		Store:         s.store,
		Keyer:         keyer,
		Authenticator: auth,
		Executor:      executor,
		LogoutTimeout: cfg.Lifecycle.LogoutTimeout,
	})

	s.initLifecycle(registry, pacer)
	s.initRouter(gatherer)
	return s, nil
}

// initCodec builds the secret codec. Without a key a nil codec is
// returned, which rejects encoded secrets as undecodable.
func (s *service) initCodec() (*credentials.Codec, error) {
	if s.config.SecretKey == "" {
		slog.Info("No secret key configured, encoded secrets will be rejected")
		return nil, nil
	}
	codec, err := credentials.NewCodec([]byte(s.config.SecretKey))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret codec: %w", err)
	}
	return codec, nil
}

func (s *service) initLifecycle(registry *engine.Registry, pacer *engine.Pacer) {
	lc := s.config.Lifecycle
	reaper := lifecycle.NewReaper(s.store, registry.Logout, lifecycle.ReaperConfig{
		Interval:          lc.ReapInterval,
		LogoutTimeout:     lc.LogoutTimeout,
		LogoutConcurrency: lc.LogoutConcurrency,
	}, s.metrics)
	if lc.PacerIdle > 0 {
		reaper.AddHook("pacer-prune", func(context.Context) {
			if n := pacer.Prune(lc.PacerIdle); n > 0 {
				slog.Debug("Pruned idle pacers", "count", n)
			}
		})
	}
	drainer := lifecycle.NewDrainer(s.store, registry.Logout, lc.DrainBudget, s.metrics)
	s.manager = lifecycle.NewManager(reaper, drainer)
}

func (s *service) initRouter(gatherer prometheus.Gatherer) {
	s.router = gin.New()
	s.router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		otelgin.Middleware(serviceName),
		middleware.AccessLog(),
	)
	routes.SetupRoutes(s.router, s.broker, routes.Options{
		APIToken: s.config.APIToken,
		Gatherer: gatherer,
	})
}

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cleanup()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve implements Service.
func (s *service) Serve(ctx context.Context, ln net.Listener) error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.manager.Start(ctx)
	if s.fileResolver != nil && s.config.WatchItems {
		if err := s.fileResolver.Watch(ctx); err != nil {
			slog.Warn("Items file watch unavailable, changes need a restart", "error", err)
		}
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting broker server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown requested")
	case runErr = <-errCh:
		slog.Error("Broker server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}

	res := s.manager.Shutdown(context.WithoutCancel(ctx))
	slog.Info("Sessions drained",
		"total", res.Total,
		"completed", res.Completed,
		"failed", res.Failed,
		"timed_out", res.TimedOut,
		"duration_ms", res.Duration().Milliseconds(),
	)
	return runErr
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Broker implements Service.
func (s *service) Broker() *engine.Broker {
	return s.broker
}

// cleanup releases resources held by the service.
func (s *service) cleanup() {
	if s.manager != nil {
		s.manager.Shutdown(context.Background())
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	memguard.Purge()
}

var _ Service = (*service)(nil)
