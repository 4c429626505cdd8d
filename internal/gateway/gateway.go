// ABOUTME: Gateway wires the relay components together from configuration
// ABOUTME: Owns the store, registry, transport, router and conversation manager lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/capability"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/router"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/transform"
	"github.com/2389/coven-relay/internal/transport"
)

const dedupeSweepInterval = time.Minute

// Gateway owns one relay node: the capability registry, persistence, the
// delivery transport and the conversation manager built on top of them.
type Gateway struct {
	config      *config.Config
	registry    *capability.Registry
	store       store.Store
	hub         *transport.Hub
	deliverer   router.Deliverer
	router      *router.Router
	manager     *conversation.Manager
	dedupe      *dedupe.Window
	authorizer  *auth.GrantAuthorizer
	grpcServer  *grpc.Server
	health      *health.Server
	logger      *slog.Logger
	closeRemote func() error
}

// New builds a gateway from cfg. Nothing listens until Run is called.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry := capability.NewRegistry(logger)
	if cfg.Capabilities.Catalog != "" {
		if err := registry.LoadCatalog(cfg.Capabilities.Catalog); err != nil {
			return nil, fmt.Errorf("loading capability catalog: %w", err)
		}
	}

	kinds, err := cfg.Transform.Kinds()
	if err != nil {
		return nil, fmt.Errorf("enrichment kinds: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:   cfg,
		registry: registry,
		store:    s,
		logger:   logger.With("component", "gateway"),
	}

	var hubOpts []transport.HubOption
	if cfg.Transport.RateLimit > 0 {
		hubOpts = append(hubOpts, transport.WithRateLimit(cfg.Transport.RateLimit, cfg.Transport.RateBurst))
	}
	gw.hub = transport.NewHub(logger, hubOpts...)

	if err := gw.initDeliverer(logger); err != nil {
		s.Close()
		return nil, err
	}

	tr := transform.New(cfg.Transform.Transformer())
	recorder := conversation.NewRecorder(s, logger)
	gw.router = router.New(registry, tr, gw.deliverer, cfg.Relay.Router(),
		router.WithRecorder(recorder),
		router.WithLogger(logger),
	)

	gw.dedupe = dedupe.New(cfg.Conversations.DedupeTTL, cfg.Conversations.DedupeSize, dedupeSweepInterval)

	opts := []conversation.Option{
		conversation.WithLogger(logger),
		conversation.WithRecorder(recorder),
		conversation.WithDedupe(gw.dedupe),
		conversation.WithCapabilities(registry),
		conversation.WithHistoryLimit(cfg.Conversations.HistoryLimit),
	}
	if len(kinds) > 0 {
		opts = append(opts, conversation.WithEnrichment(tr, kinds...))
	}
	if cfg.Auth.Enabled {
		gw.authorizer = auth.NewGrantAuthorizer([]byte(cfg.Auth.JWTSecret), logger)
		opts = append(opts, conversation.WithAuthorizer(gw.authorizer))
	}
	gw.manager = conversation.NewManager(gw.router, opts...)

	if cfg.Transport.Listen != "" {
		gw.grpcServer = grpc.NewServer()
		transport.RegisterInbox(gw.grpcServer, gw.hub, logger)
		gw.health = health.NewServer()
		healthpb.RegisterHealthServer(gw.grpcServer, gw.health)
	}

	return gw, nil
}

// initStore creates the SQLite store named by the database section.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initDeliverer picks the outbound transport. Local delivery goes straight
// to agents attached to the hub.
func (g *Gateway) initDeliverer(logger *slog.Logger) error {
	t := g.config.Transport
	switch t.Kind {
	case config.TransportLocal, "":
		g.deliverer = g.hub
	case config.TransportGRPC:
		d := transport.NewGRPCDeliverer(t.GRPC.Endpoints, t.GRPC.Default, logger)
		g.deliverer = d
		g.closeRemote = d.Close
	case config.TransportKafka:
		d := transport.NewKafkaDeliverer(t.Kafka.Brokers, t.Kafka.TopicPrefix, logger)
		g.deliverer = d
		g.closeRemote = d.Close
	default:
		return fmt.Errorf("unknown transport kind %q", t.Kind)
	}
	return nil
}

// Manager returns the conversation manager.
func (g *Gateway) Manager() *conversation.Manager { return g.manager }

// Registry returns the capability registry.
func (g *Gateway) Registry() *capability.Registry { return g.registry }

// Hub returns the hub local agents attach to.
func (g *Gateway) Hub() *transport.Hub { return g.hub }

// Store returns the persistence layer.
func (g *Gateway) Store() store.Store { return g.store }

// Authorizer returns the grant authorizer, or nil when auth is disabled.
func (g *Gateway) Authorizer() *auth.GrantAuthorizer { return g.authorizer }

// Run serves the inbox until ctx is canceled, then shuts down. Without a
// listen address it just waits for ctx.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	if g.grpcServer != nil {
		ln, err := net.Listen("tcp", g.config.Transport.Listen)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", g.config.Transport.Listen, err)
		}
		g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			g.logger.Info("inbox listening", "addr", ln.Addr().String())
			if err := g.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	g.logger.Info("relay running",
		"transport", g.config.Transport.Kind,
		"auth", g.config.Auth.Enabled,
		"capabilities", len(g.registry.Capabilities()),
	)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops the inbox, cancels pending deliveries and releases
// resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay")

	if g.grpcServer != nil {
		g.health.Shutdown()
		g.shutdownGRPCServer(ctx)
	}

	g.manager.Close()
	g.dedupe.Close()

	var errs []error
	if g.closeRemote != nil {
		errs = appendCloseError(errs, "transport close", g.closeRemote())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	return errors.Join(errs...)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
