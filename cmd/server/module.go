package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go-messenger/internal/chat"
	"go-messenger/internal/config"
	"go-messenger/internal/db"
	"go-messenger/internal/gateway"
	"go-messenger/internal/health"
	"go-messenger/internal/keys"
	"go-messenger/internal/logging"
	"go-messenger/internal/metrics"
	"go-messenger/internal/notify"
	"go-messenger/internal/presence"
	"go-messenger/internal/room"
	"go-messenger/internal/signaling"
	"go-messenger/internal/user"
	"go-messenger/internal/workerpool"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module composes every provider of the messaging server and its lifecycle hooks.
func Module(cfg config.Config) fx.Option {
	return fx.Module("server",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideMetrics,
			provideRedis,
			provideDatabase,
			provideWorkerPool,
			providePusher,
			room.NewRegistry,
			providePresence,
			provideRelay,
			provideNotifier,
			provideUserService,
			provideChatRepository,
			provideGateway,
			provideRouter,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.LogLevel)
}

func provideMetrics() (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg), reg
}

func provideRedis(cfg config.Config, logger *zap.Logger) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	return rdb, nil
}

func provideDatabase(cfg config.Config, logger *zap.Logger) (*db.Database, error) {
	ctx := context.Background()
	database, err := db.NewDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := database.AutoMigrate(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database schema ready")
	return database, nil
}

func provideWorkerPool(cfg config.Config, logger *zap.Logger) *workerpool.Pool {
	return workerpool.New(cfg.Workers.Count, cfg.Workers.QueueSize, logger)
}

// providePusher returns a nil Pusher when VAPID keys are missing; the
// notifier then sends in-app notifications only.
func providePusher(cfg config.Config, logger *zap.Logger) notify.Pusher {
	if !cfg.PushEnabled() {
		logger.Warn("web push disabled, vapid keys not configured")
		return nil
	}
	return notify.NewWebPusher(notify.VAPIDConfig{
		PublicKey:  cfg.Push.VAPIDPublicKey,
		PrivateKey: cfg.Push.VAPIDPrivateKey,
		Subscriber: cfg.Push.Subscriber,
		TTL:        cfg.Push.TTL,
	}, nil)
}

func providePresence(cfg config.Config, rdb redis.UniversalClient, logger *zap.Logger) *presence.Store {
	return presence.NewStore(rdb, cfg.Presence.TTL, logger)
}

func provideRelay(cfg config.Config, rdb redis.UniversalClient, reg *room.Registry, p *presence.Store, logger *zap.Logger, m *metrics.Metrics) *signaling.Relay {
	return signaling.NewRelay(rdb, reg, p, logger,
		signaling.WithTTLs(cfg.Calls.StateTTL, cfg.Calls.InviteTTL),
		signaling.WithMetrics(m),
	)
}

func provideNotifier(reg *room.Registry, database *db.Database, pusher notify.Pusher, pool *workerpool.Pool, logger *zap.Logger, m *metrics.Metrics) *notify.Service {
	return notify.NewService(reg, notify.NewPostgresStore(database.Conn), pusher, pool, logger, m)
}

func provideUserService(cfg config.Config, database *db.Database) *user.Service {
	return user.NewService(user.NewRepository(database.Conn), cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenExpire)
}

func provideChatRepository(database *db.Database) *chat.Repository {
	return chat.NewRepository(database.Conn)
}

type gatewayParams struct {
	fx.In

	Registry *room.Registry
	Storage  *chat.Repository
	Presence *presence.Store
	Relay    *signaling.Relay
	Notifier *notify.Service
	Users    *user.Service
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

func provideGateway(p gatewayParams) *gateway.Gateway {
	return gateway.New(gateway.Deps{
		Registry:  p.Registry,
		Storage:   p.Storage,
		Presence:  p.Presence,
		Relay:     p.Relay,
		Notifier:  p.Notifier,
		Validator: p.Users,
		Logger:    p.Logger,
		Metrics:   p.Metrics,
	}, gateway.DefaultOptions())
}

type routerParams struct {
	fx.In

	Config   config.Config
	Gateway  *gateway.Gateway
	Users    *user.Service
	Chat     *chat.Repository
	Database *db.Database
	Redis    redis.UniversalClient
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

func provideRouter(p routerParams) http.Handler {
	return NewRouter(Handlers{
		Users:    user.NewHandler(p.Users),
		Chat:     chat.NewHandler(p.Chat, p.Logger),
		Keys:     keys.NewHandler(keys.NewRepository(p.Database.Conn), p.Chat, p.Logger),
		Push:     notify.NewHandler(notify.NewPostgresStore(p.Database.Conn), p.Config.Push.VAPIDPublicKey),
		Health:   health.NewChecker(p.Redis, p.Database.Conn),
		Gateway:  p.Gateway,
		Auth:     p.Users,
		Logger:   p.Logger,
		Metrics:  p.Metrics,
		Gatherer: p.Registry,
	})
}

type lifecycleParams struct {
	fx.In

	Config   config.Config
	Router   http.Handler
	Gateway  *gateway.Gateway
	Pool     *workerpool.Pool
	Redis    redis.UniversalClient
	Database *db.Database
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	srv := &http.Server{
		Addr:              p.Config.Addr,
		Handler:           p.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Gateway.Start(ctx); err != nil {
				return err
			}
			ln, err := net.Listen("tcp", p.Config.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", p.Config.Addr, err)
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					p.Logger.Error("http server error", zap.Error(err))
				}
			}()
			p.Logger.Info("server listening", zap.String("addr", p.Config.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, p.Config.ShutdownGracePeriod)
			defer cancel()

			// hijacked websocket connections are not tracked by Shutdown
			if err := p.Gateway.Stop(ctx); err != nil {
				p.Logger.Warn("gateway stop", zap.Error(err))
			}
			if err := srv.Shutdown(ctx); err != nil {
				p.Logger.Warn("http shutdown", zap.Error(err))
			}
			p.Pool.Shutdown()
			if err := p.Redis.Close(); err != nil {
				p.Logger.Warn("closing redis", zap.Error(err))
			}
			if err := p.Database.Close(); err != nil {
				p.Logger.Warn("closing database", zap.Error(err))
			}
			p.Logger.Info("server stopped")
			_ = p.Logger.Sync()
			return nil
		},
	})
}
