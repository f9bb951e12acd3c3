package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/cristianortiz/liveauction/internal/auction/application"
	"github.com/cristianortiz/liveauction/internal/auction/broadcast"
	auctionhttp "github.com/cristianortiz/liveauction/internal/auction/infra/http"
	auctionws "github.com/cristianortiz/liveauction/internal/auction/infra/websocket"
	"github.com/cristianortiz/liveauction/internal/shared/clock"
	"github.com/cristianortiz/liveauction/internal/shared/httpserver"
	"github.com/cristianortiz/liveauction/internal/shared/metrics"
	"github.com/cristianortiz/liveauction/internal/shared/mq"
	"github.com/cristianortiz/liveauction/internal/shared/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ServeOptions struct {
	*RootOptions
	Addr string
	Seed bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server with the closure sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address, overrides HTTP_ADDR")
	cmd.Flags().BoolVar(&opts.Seed, "seed", false, "load the demo auctions on start, same as SEED_DEMO=true")
	return cmd
}

func runServe(parent context.Context, opts *ServeOptions) error {
	cfg := opts.Config()
	if opts.Addr != "" {
		cfg.HTTPAddr = opts.Addr
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting liveauction server...", zap.String("env", cfg.Env))

	b, err := openBackends(ctx, cfg, cfg.RateLimit.Enabled)
	if err != nil {
		return err
	}
	defer b.Close()

	publisher, err := mq.NewPublisher(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		return err
	}

	clk := clock.System{}
	events := broadcast.NewHub(cfg.Engine.HubQueueSize, m, broadcast.WithClock(clk))
	defer events.Close()

	engine := application.NewEngine(b.store, events, clk, publisher, m, application.EngineConfig{
		MaxBidAttempts:  cfg.Engine.MaxBidAttempts,
		PricePrecision:  cfg.Engine.PricePrecision,
		AntiSnipeWindow: cfg.Engine.AntiSnipeWindow,
		SweepWorkers:    cfg.Engine.SweepWorkers,
	})
	service := application.NewAuctionService(engine, application.NewBidGateway(engine), publisher)

	if cfg.SeedDemo || opts.Seed {
		n, err := application.SeedDemo(ctx, b.store, clk.Now())
		if err != nil {
			return err
		}
		log.Info("Demo auctions loaded", zap.Int("created", n))
	}

	server := httpserver.NewServer(m, reg)
	auctionhttp.NewAuctionHandler(service, clk).RegisterRoutes(server.App(), auctionhttp.Middlewares{
		Auth:      httpserver.RequireBearer(cfg.JWTSecret),
		RateLimit: httpserver.RateLimit(cfg.RateLimit, rateLimitClient(b), m),
	})

	g, gctx := errgroup.WithContext(ctx)

	conns := websocket.NewHub()
	wsHandler := auctionws.NewAuctionWSHandler(service, conns, clk, application.Unit(cfg.Engine.PricePrecision))
	wsHandler.RegisterRoutes(gctx, server.App())

	g.Go(func() error {
		conns.Run(gctx)
		return nil
	})
	g.Go(func() error {
		wsHandler.ListenForMessages(gctx)
		return nil
	})
	g.Go(func() error {
		application.NewSweeper(engine, cfg.Engine.SweepInterval).Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx, cfg.HTTPAddr)
	})

	err = g.Wait()
	log.Info("liveauction server stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// rateLimitClient keeps a nil *redis.Client from becoming a non-nil interface.
func rateLimitClient(b *backends) redis.Scripter {
	if b.redis == nil {
		return nil
	}
	return b.redis
}
