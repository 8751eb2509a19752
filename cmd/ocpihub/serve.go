package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ocpihub.org/internal/audit"
	"ocpihub.org/internal/auth"
	"ocpihub.org/internal/config"
	"ocpihub.org/internal/credentials"
	"ocpihub.org/internal/events"
	"ocpihub.org/internal/httpapi"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/party"
	"ocpihub.org/internal/router"
	"ocpihub.org/internal/stats"
	"ocpihub.org/internal/store/pg"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub HTTP and gRPC health servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
}

// hub is the wired set of components behind the API.
type hub struct {
	api   *httpapi.API
	bus   *events.Bus
	stats *stats.Aggregator
	// feed is subscribed before the counters are seeded so no event published
	// after the seed is missed.
	feed    <-chan events.Event
	ready   httpapi.ReadyProbe
	orphans orphanSweeper
	closer  []func() error
}

type orphanSweeper interface {
	DeleteOrphans(ctx context.Context, cutoff time.Time) ([]string, error)
}

// orphanAge is how old a credential-less PENDING reservation must be before
// it is swept. Younger rows may belong to a registration still running on
// another replica.
const orphanAge = 5 * time.Minute

// sweepOrphans releases tuples reserved by registrations that never got a
// credential.
func sweepOrphans(ctx context.Context, s orphanSweeper, now time.Time, log *zap.Logger) error {
	swept, err := s.DeleteOrphans(ctx, now.Add(-orphanAge))
	if err != nil {
		return fmt.Errorf("sweep orphaned registrations: %w", err)
	}
	for _, id := range swept {
		log.Warn("removed orphaned registration", zap.String("organization_id", id))
	}
	return nil
}

// sweepLoop repeats the orphan sweep until ctx ends. Failures are logged.
func (h *hub) sweepLoop(ctx context.Context, every time.Duration, log *zap.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			if err := sweepOrphans(ctx, h.orphans, now, log); err != nil {
				log.Warn("orphan sweep failed", zap.Error(err))
			}
		}
	}
}

func (h *hub) Close() error {
	var errs []error
	for i := len(h.closer) - 1; i >= 0; i-- {
		errs = append(errs, h.closer[i]())
	}
	return errors.Join(errs...)
}

// buildHub wires stores, engine, registry, router and stats. Postgres and
// Redis are used when configured; otherwise everything stays in memory.
func buildHub(ctx context.Context, cfg config.Config, log *zap.Logger) (*hub, error) {
	h := &hub{bus: events.New(), stats: stats.New()}

	var (
		orgStore  party.Store       = party.NewMemStore()
		credStore credentials.Store = credentials.NewMemStore()
		trail     audit.Sink        = audit.LogSink{Logger: log}
		reader    audit.Reader
		db        *sql.DB
	)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = pg.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		h.closer = append(h.closer, db.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		orgs := pg.NewOrganizationStore(db)
		if err := sweepOrphans(ctx, orgs, time.Now(), log); err != nil {
			_ = h.Close()
			return nil, err
		}
		h.orphans = orgs
		orgStore = orgs
		credStore = pg.NewCredentialStore(db)
		persisted := pg.NewAuditStore(db)
		trail = audit.Tee{persisted, trail}
		reader = persisted
	} else {
		mem := audit.NewMemory()
		trail = audit.Tee{mem, trail}
		reader = mem
	}
	h.ready = httpapi.ReadyProbe{DB: db}

	var dedupe router.Deduper = router.NewMemoryDedupe(cfg.DedupeWindow)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		h.closer = append(h.closer, client.Close)
		dedupe = router.NewRedisDedupe(client, cfg.DedupeWindow)
	}

	engine := credentials.NewEngine(credStore,
		credentials.WithLogger(log),
		credentials.WithAudit(trail),
		credentials.WithAlerter(credentials.LogAlerter{Logger: log}),
		credentials.WithEvents(h.bus),
		credentials.WithHub(cfg.Hub()),
		credentials.WithGraceWindow(cfg.GraceWindow),
		credentials.WithHandshakeWindow(cfg.HandshakeWindow))
	registry := party.NewRegistry(orgStore, engine,
		party.WithLogger(log),
		party.WithEvents(h.bus))
	engine.OnActivate(registry.Promote)

	rt := router.New(engine, registry,
		router.WithLogger(log),
		router.WithEvents(h.bus),
		router.WithDedupe(dedupe),
		router.WithObjects(router.NewObjects()),
		router.WithForwarder(&router.Forwarder{
			Client:   &http.Client{Transport: http.DefaultTransport},
			Timeout:  cfg.ForwardTimeout,
			Attempts: cfg.ForwardAttempts,
		}))

	feedCtx, stopFeed := context.WithCancel(context.WithoutCancel(ctx))
	h.feed = h.bus.Subscribe(feedCtx)
	h.closer = append(h.closer, func() error { stopFeed(); return nil })

	counts, err := registry.Counts(ctx)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("seed stats: %w", err)
	}
	h.stats.Seed(counts)

	var issuer *auth.Issuer
	if cfg.AdminJWTSecret != "" {
		issuer, err = auth.NewIssuer(cfg.AdminJWTSecret)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
	} else {
		log.Warn("admin endpoints disabled: no admin JWT secret configured")
	}

	h.api = httpapi.New(cfg, httpapi.Deps{
		Registry: registry,
		Engine:   engine,
		Router:   rt,
		Stats:    h.stats,
		Events:   h.bus,
		Audit:    reader,
		Issuer:   issuer,
		Ready:    h.ready,
	}, version)
	return h, nil
}

func serve(parent context.Context, cfg config.Config) error {
	log, err := obs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	restore := obs.SetLogger(log)
	defer restore()

	if _, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof)); err != nil {
		log.Warn("set GOMAXPROCS", zap.Error(err))
	}

	obs.Init()
	obs.InitBuildInfo(version)
	shutdownTracing, err := obs.InitTracing(cfg.TraceExporter)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := buildHub(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			log.Warn("close hub resources", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// no WriteTimeout: /dashboard/events streams indefinitely
		IdleTimeout: 60 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	health := httpapi.NewHealthServer(h.ready)
	grpcSrv := httpapi.NewGRPCServer(health)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := h.stats.Run(gctx, h.feed)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return health.Run(gctx, httpapi.DefaultHealthInterval)
	})
	if h.orphans != nil {
		g.Go(func() error {
			return h.sweepLoop(gctx, orphanAge, log)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}
