package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/p2p-energy-trading/engine/pkg/api"
	"github.com/p2p-energy-trading/engine/pkg/auth"
	"github.com/p2p-energy-trading/engine/pkg/catalog"
	"github.com/p2p-energy-trading/engine/pkg/client"
	"github.com/p2p-energy-trading/engine/pkg/config"
	"github.com/p2p-energy-trading/engine/pkg/flow"
	"github.com/p2p-energy-trading/engine/pkg/matcher"
	"github.com/p2p-energy-trading/engine/pkg/observability"
	"github.com/p2p-energy-trading/engine/pkg/orderbook"
	"github.com/p2p-energy-trading/engine/pkg/registry"
	"github.com/p2p-energy-trading/engine/pkg/server"
	"github.com/p2p-energy-trading/engine/pkg/signing"
	"github.com/p2p-energy-trading/engine/pkg/trust"
	"github.com/p2p-energy-trading/engine/pkg/wire"
)

// node is one fully wired trading node.
type node struct {
	handler   http.Handler
	flow      *flow.Service
	keys      *registry.KeyRegistry
	bap       *signing.KeyPair
	bpp       *signing.KeyPair
	publisher *catalog.Publisher
	obs       *observability.Provider
	backend   *backend
}

func (n *node) close(ctx context.Context) {
	if n.obs != nil {
		_ = n.obs.Shutdown(ctx)
	}
	if n.backend != nil {
		n.backend.close()
	}
}

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var configFile, port string
	cmd.StringVar(&configFile, "config", os.Getenv("CONFIG_FILE"), "YAML config file")
	cmd.StringVar(&port, "port", "", "Listen port (overrides PORT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if port != "" {
		cfg.Port = port
	}
	warnings, err := cfg.Validate()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)
	for _, w := range warnings {
		logger.Warn("config", "warning", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := buildNode(ctx, cfg, logger)
	if err != nil {
		logger.Error("node setup failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.close(shutdownCtx)
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           n.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	_, _ = fmt.Fprintf(stdout, "%sEnergy Node %s%s listening on :%s\n", ColorBold+ColorBlue, version, ColorReset, cfg.Port)
	_, _ = fmt.Fprintf(stdout, "  subscriber %s%s%s  store %s  protocol %s\n", ColorGreen, cfg.SubscriberID, ColorReset, cfg.StoreBackend, cfg.ProtocolVersion)
	_, _ = fmt.Fprintf(stdout, "  bap key %s\n  bpp key %s\n", n.bap.KeyID, n.bpp.KeyID)

	if cfg.CDSURL != "" {
		go func() {
			if err := n.publisher.Publish(ctx); err != nil {
				logger.Warn("initial catalog publish failed", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			return 1
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return 1
	}
	return 0
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// buildNode wires every component from cfg. The caller owns the returned
// node and must close it.
//
//nolint:gocognit
func buildNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*node, error) {
	n := &node{}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	if cfg.Production {
		obsCfg.Environment = "production"
		obsCfg.Insecure = false
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	n.obs = obs

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		n.close(ctx)
		return nil, err
	}
	n.backend = b

	if n.bap, err = loadKeyPair(cfg, "bap", logger); err != nil {
		n.close(ctx)
		return nil, err
	}
	if n.bpp, err = loadKeyPair(cfg, "bpp", logger); err != nil {
		n.close(ctx)
		return nil, err
	}

	n.keys = registry.New()
	if err := n.keys.RegisterKeyPair(n.bap); err != nil {
		n.close(ctx)
		return nil, err
	}
	if err := n.keys.RegisterKeyPair(n.bpp); err != nil {
		n.close(ctx)
		return nil, err
	}
	var keyStore server.KeyStore
	if b.pg != nil {
		ks := registry.NewPostgresKeyStore(b.pg)
		if err := ks.Init(ctx); err != nil {
			n.close(ctx)
			return nil, fmt.Errorf("init key store: %w", err)
		}
		loaded, failed, err := ks.LoadInto(ctx, n.keys)
		if err != nil {
			n.close(ctx)
			return nil, fmt.Errorf("load subscriber keys: %w", err)
		}
		logger.Info("subscriber keys loaded", "loaded", loaded, "failed", failed)
		keyStore = ks
	}

	book := orderbook.New(b.store, orderbook.WithLogger(logger))
	te := trust.NewEngine(cfg.Trust)
	cat := catalog.New(book, logger,
		catalog.WithStore(b.docs),
		catalog.WithTrustLimits(te),
		catalog.WithSelfURI(cfg.BPPURL),
	)
	if err := cat.Load(ctx); err != nil {
		n.close(ctx)
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	participants := wire.Participants{
		Version: cfg.ProtocolVersion,
		BapID:   cfg.SubscriberID,
		BppID:   cfg.SubscriberID,
		BppURI:  cfg.BPPURL,
	}
	secure := client.New(
		client.WithKeyPair(client.RoleBAP, n.bap),
		client.WithKeyPair(client.RoleBPP, n.bpp),
		client.WithSigningEnabled(cfg.SigningEnabled),
		client.WithStrict(cfg.Strict()),
		client.WithTTL(cfg.SignatureTTL),
		client.WithLogger(logger),
	)
	n.publisher = catalog.NewPublisher(cat, secure, cfg.CDSURL, participants, logger)

	n.flow = flow.New(cat, book, matcher.New(cfg.MatcherConfig()), te,
		flow.WithLogger(logger),
		flow.WithObservability(obs),
		flow.WithStore(b.docs),
		flow.WithRemoteSeller(flow.NewRemoteSeller(secure, participants, logger)),
	)
	if err := n.flow.Load(ctx); err != nil {
		n.close(ctx)
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	filters, err := catalog.NewFilterEngine()
	if err != nil {
		n.close(ctx)
		return nil, err
	}
	gate, err := wire.NewVersionGate(cfg.ProtocolVersion, cfg.ProtocolAccept)
	if err != nil {
		n.close(ctx)
		return nil, err
	}
	verifier := auth.NewSignatureVerifier(n.keys, auth.VerifyConfig{
		MaxClockSkew:  cfg.MaxClockSkew,
		AllowUnsigned: cfg.AllowUnsigned,
		TrustAll:      cfg.TrustAllKeys,
	}, logger).WithObservability(obs)

	opts := []server.Option{
		server.WithFilterEngine(filters),
		server.WithKeyRegistry(n.keys, keyStore),
		server.WithVerifier(verifier),
		server.WithVersionGate(gate),
		server.WithParticipants(participants),
		server.WithPublisher(n.publisher),
		server.WithLogger(logger),
		server.WithAdminAuth(auth.NewJWTValidator([]byte(cfg.AdminJWTSecret))),
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimitRPS)*2)
		}
		opts = append(opts, server.WithRateLimiter(api.NewRateLimiter(ctx, cfg.RateLimitRPS, burst)))
	}
	if len(cfg.CORSOrigins) > 0 {
		opts = append(opts, server.WithCORS(cfg.CORSOrigins))
	}
	if cfg.IdempotencyTTL > 0 {
		var store api.IdempotencyStore
		if b.pg != nil {
			pgStore := api.NewPostgresIdempotencyStore(b.pg, cfg.IdempotencyTTL)
			if err := pgStore.Init(ctx); err != nil {
				n.close(ctx)
				return nil, fmt.Errorf("init idempotency store: %w", err)
			}
			store = pgStore
		} else {
			store = api.NewMemoryIdempotencyStore(ctx, cfg.IdempotencyTTL)
		}
		opts = append(opts, server.WithIdempotency(store))
	}
	n.handler = server.New(n.flow, opts...).Handler()
	return n, nil
}
