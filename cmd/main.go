package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"cgraph/internal/app/bridge"
	"cgraph/internal/app/broadcast"
	"cgraph/internal/app/gateway"
	"cgraph/internal/app/registry"
	"cgraph/internal/app/server"
	"cgraph/internal/app/server/handlers"
	"cgraph/internal/app/server/ws"
	"cgraph/internal/app/worker"
	"cgraph/internal/config"
	"cgraph/internal/core/contracts"
	"cgraph/internal/core/domain"
	"cgraph/internal/core/services"
	"cgraph/internal/platform/logger"
	"cgraph/internal/platform/telemetry"
	"cgraph/internal/plugins/memory"
	natsPlugin "cgraph/internal/plugins/nats"
	"cgraph/internal/plugins/postgres"
	redisPlugin "cgraph/internal/plugins/redis"
	"cgraph/internal/plugins/sqlite"
)

type store interface {
	domain.MessageStore
	domain.MembershipRepository
}

type pgStore struct {
	*postgres.MessageRepo
	*postgres.MembershipRepo
	db *sql.DB
}

func (s *pgStore) Close() error { return s.db.Close() }

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	instance := domain.NewInstanceID()

	// Logger
	log, logCloser := logger.NewLogger(cfg, instance)
	defer logCloser.Close()
	log.Info("starting application", "bus", cfg.Bus.Driver, "store", cfg.Store.Driver)

	otelShutdown, err := telemetry.InitTelemetry(ctx, cfg, instance)
	if err != nil {
		log.Error("failed to initialize telemetry", "err", err)
		otelShutdown = func(context.Context) error { return nil }
	}
	defer func() {
		log.Info("flushing telemetry...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Error("telemetry shutdown failed", "err", err)
		}
	}()

	// Infra
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	rdb, err := redisPlugin.NewRedisClient(ctx, cfg.Redis, cfg.Service.Name+"-"+instance)
	switch {
	case err == nil:
		closers = append(closers, rdb)
		log.Info("redis connected")
	case cfg.Bus.Driver == "redis":
		return fmt.Errorf("redis connection failed: %w", err)
	default:
		log.Warn("redis unavailable, presence and notifications disabled", "url", cfg.Redis.URL, "err", err)
		rdb = nil
	}

	bus, err := openBus(log, cfg, rdb, instance)
	if err != nil {
		return err
	}
	if c, ok := bus.(io.Closer); ok {
		closers = append(closers, c)
	}

	st, err := openStore(ctx, log, cfg)
	if err != nil {
		return err
	}
	if c, ok := st.(io.Closer); ok {
		closers = append(closers, c)
	}

	var presence contracts.PresenceStore
	if rdb != nil {
		presence = redisPlugin.NewRedisPresenceStore(rdb, cfg.Gateway.PresenceTTL)
	}

	// Core
	book := registry.NewRegistry()
	br := bridge.New(log, bus, instance, bridge.Config{
		PublishTimeout: cfg.Bus.PublishTimeout,
		BackoffBase:    cfg.Bus.BackoffBase,
		BackoffMax:     cfg.Bus.BackoffMax,
	})
	bc := broadcast.NewBroadcaster(log, book, br, instance)
	br.OnEvent(bc.DeliverRemote)

	tokenSvc := services.NewTokenService(cfg.Auth.Secret, cfg.Auth.Issuer)
	gw := gateway.New(log, tokenSvc, st, book, br, bc, presence, gateway.Config{
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		PresenceInterval: cfg.Gateway.PresenceInterval,
		PresenceTTL:      cfg.Gateway.PresenceTTL,
		Client: ws.Config{
			QueueSize:       cfg.Gateway.OutboundQueueSize,
			EnqueueTimeout:  cfg.Gateway.EnqueueTimeout,
			WriteTimeout:    cfg.Gateway.WriteTimeout,
			PingInterval:    cfg.Gateway.PingInterval,
			MaxSendFailures: cfg.Gateway.MaxSendFailures,
			FramesPerSecond: cfg.Gateway.FramesPerSecond,
			Burst:           cfg.Gateway.FrameBurst,
		},
	})
	router := services.NewRouter(log, st, book, bc, gw, services.RouterConfig{
		MaxContentBytes: cfg.Gateway.MaxContentBytes,
	})

	// Server
	srv := server.NewServer(log, cfg.Service.Name, cfg.Service.Add, handlers.WSConfig{
		ReadLimit: cfg.Gateway.ReadLimit,
		PongWait:  cfg.Gateway.PongWait,
	}, server.Deps{
		Auth:     tokenSvc,
		Members:  st,
		Presence: presence,
		Gateway:  gw,
		Router:   router,
		Bus:      br,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error { return br.Run(gctx) })
	if rdb != nil {
		queue := redisPlugin.NewRedisMessageQueue(log, rdb)
		wrkr := worker.NewNotificationWorker(log, queue, bc, cfg.Worker.Stream, cfg.Worker.ConsumerGroup)
		g.Go(func() error { return wrkr.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "connections", gw.Count())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		if err := gw.Shutdown(shutdownCtx); err != nil {
			log.Warn("gateway drain incomplete", "err", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("application stopped with error", "err", err)
		return err
	}
	log.Info("application stopped")
	return nil
}

func openBus(log *slog.Logger, cfg *config.Config, rdb *goredis.Client, instance string) (contracts.Bus, error) {
	switch cfg.Bus.Driver {
	case "redis":
		return redisPlugin.NewPubSubBus(rdb), nil
	case "nats":
		b, err := natsPlugin.Connect(log, cfg.NATS.URL, cfg.Service.Name+"-"+instance)
		if err != nil {
			return nil, err
		}
		log.Info("nats connected", "url", cfg.NATS.URL)
		return b, nil
	default:
		log.Warn("memory bus selected, events stay on this instance")
		return memory.NewBus(), nil
	}
}

func openStore(ctx context.Context, log *slog.Logger, cfg *config.Config) (store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := sqlite.NewStore(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("sqlite migrate: %w", err)
		}
		log.Info("sqlite opened", "path", cfg.SQLite.Path)
		return s, nil
	default:
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres connection failed: %w", err)
		}
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		log.Info("postgres connected")
		return &pgStore{
			MessageRepo:    postgres.NewMessageRepo(db),
			MembershipRepo: postgres.NewMembershipRepo(db),
			db:             db,
		}, nil
	}
}
