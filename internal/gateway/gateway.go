// ABOUTME: Gateway orchestrator that wires the webhook pipeline and runs the HTTP and gRPC servers
// ABOUTME: Owns the store, context store, generation and delivery services, and their shutdown order

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/concierge-gateway/internal/auth"
	"github.com/2389/concierge-gateway/internal/config"
	"github.com/2389/concierge-gateway/internal/conversation"
	"github.com/2389/concierge-gateway/internal/delivery"
	"github.com/2389/concierge-gateway/internal/dispatch"
	"github.com/2389/concierge-gateway/internal/generation"
	"github.com/2389/concierge-gateway/internal/llm"
	"github.com/2389/concierge-gateway/internal/pipeline"
	"github.com/2389/concierge-gateway/internal/signature"
	"github.com/2389/concierge-gateway/internal/store"
	"github.com/2389/concierge-gateway/internal/webhook"
)

// Gateway orchestrates the concierge-gateway server components.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store       store.Store
	contexts    *conversation.Store
	events      *conversation.Broadcaster
	generator   *generation.Service
	sender      *delivery.Service
	dispatcher  *dispatch.Dispatcher
	processor   *pipeline.Processor
	webhooks    *webhook.Handler
	verifier    *auth.JWTVerifier // nil when the admin API is disabled
	grpcServer  *grpc.Server      // nil when no gRPC listener is configured
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	startedAt    time.Time
	shuttingDown atomic.Bool
}

// Option overrides a dependency that New would otherwise build from config.
type Option func(*options)

type options struct {
	store     store.Store
	backend   llm.Backend
	transport delivery.Transport
}

// WithStore uses s instead of opening database.path.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithBackend uses b instead of the configured generation provider.
func WithBackend(b llm.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithTransport uses t instead of the HTTP messaging transport.
func WithTransport(t delivery.Transport) Option {
	return func(o *options) { o.transport = t }
}

// initStore opens the SQLite store at the configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func generationConfig(cfg config.GenerationConfig) generation.Config {
	prices := make(map[string]generation.Price, len(cfg.Prices))
	for model, p := range cfg.Prices {
		prices[model] = generation.Price{InputPerMTok: p.InputPerMTok, OutputPerMTok: p.OutputPerMTok}
	}
	temperature := config.DefaultGenerationTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	return generation.Config{
		Model:            cfg.Model,
		SystemPrompt:     cfg.SystemPrompt,
		MaxTokens:        cfg.MaxTokens,
		MaxTokensCeiling: cfg.MaxTokensCeiling,
		Temperature:      temperature,
		Timeout:          cfg.Timeout,
		CacheTTL:         cfg.CacheTTL,
		CacheSize:        cfg.CacheSize,
		MaxPromptChars:   cfg.MaxPromptChars,
		Apology:          cfg.Apology,
		Prices:           prices,
	}
}

func deliveryConfig(cfg config.DeliveryConfig) delivery.Config {
	return delivery.Config{
		RateLimit:           cfg.RateLimit,
		RateWindow:          cfg.RateWindow,
		MaxAttempts:         cfg.MaxAttempts,
		BaseDelay:           cfg.BaseDelay,
		MaxJitter:           cfg.MaxJitter,
		SendTimeout:         cfg.SendTimeout,
		SweepInterval:       cfg.SweepInterval,
		GlobalRatePerSecond: cfg.GlobalRatePerSecond,
		GlobalBurst:         cfg.GlobalBurst,
		CostPerMessage:      cfg.CostPerMessage,
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = llm.New(cfg.Generation.Provider, cfg.Generation.APIKey, cfg.Generation.BaseURL)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating generation backend: %w", err)
		}
	}

	transport := o.transport
	if transport == nil {
		d := cfg.Delivery
		transport = delivery.NewHTTPTransport(d.BaseURL, d.AccountSID, d.AuthToken, d.From)
	}

	gw := &Gateway{
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		store:     s,
		startedAt: time.Now(),
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
	}

	gw.contexts = conversation.NewStore(conversation.Config{
		MaxMessages:   cfg.Context.MaxMessages,
		HistoryLimit:  cfg.Context.HistoryLimit,
		TTL:           cfg.Context.TTL,
		SweepInterval: cfg.Context.SweepInterval,
	}, s, logger)
	gw.events = conversation.NewBroadcaster(logger)
	gw.generator = generation.NewService(backend, generationConfig(cfg.Generation), logger)
	gw.sender = delivery.NewService(transport, deliveryConfig(cfg.Delivery), logger)
	gw.dispatcher = dispatch.New(cfg.Dispatch.MaxConcurrent, logger)

	processor, err := pipeline.New(pipeline.Config{
		PromptMessages:  cfg.Context.PromptMessages,
		KeepMarkdown:    cfg.Delivery.KeepMarkdown,
		BookingCreated:  cfg.Templates.BookingCreated,
		BookingCanceled: cfg.Templates.BookingCanceled,
	}, pipeline.Deps{
		Contexts:  gw.contexts,
		Generator: gw.generator,
		Sender:    gw.sender,
		Recorder:  s,
		Events:    gw.events,
	}, logger)
	if err != nil {
		gw.closeComponents()
		_ = s.Close()
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}
	gw.processor = processor

	wh := cfg.Webhooks
	gw.webhooks = webhook.NewHandler(webhook.Config{
		PublicURL:     cfg.Server.PublicURL,
		MaxBodyBytes:  wh.MaxBodyBytes,
		AllowedEvents: wh.Scheduling.AllowedEvents,
		DedupeTTL:     wh.DedupeTTL,
	},
		signature.NewMessagingValidator(wh.Messaging.AuthToken, wh.Messaging.DisableValidation, logger),
		signature.NewSchedulingValidator(wh.Scheduling.SigningKey, wh.Scheduling.DisableValidation, logger),
		processor, gw.dispatcher, s, logger,
	)
	if wh.Messaging.DisableValidation || wh.Scheduling.DisableValidation {
		gw.logger.Warn("webhook signature validation disabled",
			"messaging", wh.Messaging.DisableValidation,
			"scheduling", wh.Scheduling.DisableValidation,
		)
	}

	gw.health = health.NewServer()
	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer = newGRPCServer(gw.health)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP handler: webhooks, health, and the admin API.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+g.config.Webhooks.Messaging.Path, g.webhooks.ServeMessaging)
	mux.HandleFunc("POST "+g.config.Webhooks.Scheduling.Path, g.webhooks.ServeScheduling)

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.verifier == nil {
		g.logger.Warn("admin API disabled - no jwt_secret configured")
		return mux
	}

	admin := auth.RequireAdmin(g.verifier, g.logger)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, admin(h))
	}
	handle("GET /api/contexts", g.handleListContexts)
	handle("GET /api/contexts/{actor}", g.handleGetContext)
	handle("DELETE /api/contexts/{actor}", g.handleClearContext)
	handle("GET /api/stats", g.handleStats)
	handle("POST /api/send", g.handleSend)
	handle("GET /api/exchanges/{actor}", g.handleListExchanges)
	handle("GET /api/audit", g.handleListAudit)
	handle("GET /api/events", g.handleEvents)
	g.logger.Info("admin API enabled")

	return mux
}

// Handler returns the HTTP handler serving webhooks, health, and the admin API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.health.Resume()
	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown on a fresh context: the Run context is already canceled.
// The budget covers the dispatch grace period plus time to close the servers.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Dispatch.ShutdownGrace+5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "concierge-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns its listeners.
// With funnel enabled the HTTP listener is public HTTPS on :443 so webhook
// providers can reach the gateway.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		httpLn, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
		if err != nil {
			_ = httpLn.Close()
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
	if g.config.Server.PublicURL == "" && g.config.Tailscale.Funnel {
		g.logger.Warn("server.public_url not set - messaging signatures are checked against the request Host header")
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents stops the background sweepers and subscriptions.
func (g *Gateway) closeComponents() {
	if g.webhooks != nil {
		g.webhooks.Close()
	}
	if g.generator != nil {
		g.generator.Close()
	}
	if g.sender != nil {
		g.sender.Close()
	}
	if g.contexts != nil {
		g.contexts.Close()
	}
	if g.events != nil {
		g.events.Close()
	}
}

// Shutdown stops accepting webhooks, waits for in-flight pipeline tasks,
// then stops the servers and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	g.logger.Info("shutting down gateway", "in_flight", g.dispatcher.InFlight())

	g.health.Shutdown()
	// Ends open /api/events streams so the HTTP server can drain.
	g.events.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "dispatch drain", g.dispatcher.Shutdown(ctx))

	if g.grpcServer != nil {
		g.shutdownGRPCServer(ctx)
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.closeComponents()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store is reachable and the gateway is not shutting down.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d contexts)", g.contexts.Len())
}
