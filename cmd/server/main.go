package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mealmatch/realtime/internal/auth"
	"github.com/mealmatch/realtime/internal/config"
	"github.com/mealmatch/realtime/internal/eventbus"
	"github.com/mealmatch/realtime/internal/httpapi"
	"github.com/mealmatch/realtime/internal/logger"
	"github.com/mealmatch/realtime/internal/match"
	"github.com/mealmatch/realtime/internal/messaging"
	"github.com/mealmatch/realtime/internal/notify"
	"github.com/mealmatch/realtime/internal/pairing"
	"github.com/mealmatch/realtime/internal/ratelimit"
	"github.com/mealmatch/realtime/internal/session"
	"github.com/mealmatch/realtime/internal/swipe"
	"github.com/mealmatch/realtime/internal/ws"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	if cfg.Postgres.MigrateOnStart {
		if err := match.Migrate(db); err != nil {
			return err
		}
	}

	log.Info("mealmatch realtime server starting",
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("server_name", cfg.Server.Name),
		zap.Int("worker_pool", cfg.Server.WorkerPoolSize),
		zap.Int("max_connections", cfg.Server.MaxConnections),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.String("nats_url", cfg.NATS.URL),
	)

	bus := eventbus.New(log)
	pairs := pairing.NewStore(rdb)
	matches := match.NewPostgresStore(db)
	processor := swipe.NewProcessor(pairs, matches, bus, log)
	presence := session.NewStore(rdb, cfg.Server.Name)
	limiter := ratelimit.NewLimiter(rdb, log)
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)

	// --- WebSocket server ---
	server := ws.NewServer(ws.ServerConfig{
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
	}, verifier, ws.Hooks{}, log)
	server.SetLimiter(limiter)

	notifyOpts := []notify.Option{notify.WithPresence(presence)}

	// --- NATS (optional) ---
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		if cfg.NATS.Name != "" {
			natsConfig.Name = cfg.NATS.Name
		}
		nc, err := messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		notifyOpts = append(notifyOpts, notify.WithPushHook(messaging.NewPusher(nc)))
		detachRelay := messaging.NewEventRelay(nc, log).Attach(bus)
		defer detachRelay()
	}

	dispatcher := notify.NewDispatcher(server, pairs, log, notifyOpts...)
	detach := dispatcher.Attach(bus)
	defer detach()

	inbound := ws.NewMessageDispatcher(log)
	dispatcher.Register(inbound)

	server.SetHooks(ws.Hooks{
		OnConnect: func(c *ws.Connection, first bool) {
			hookCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := pairs.EnsureUser(hookCtx, c.UserID); err != nil {
				log.Warn("ensure user", zap.String("user_id", c.UserID), zap.Error(err))
			}
			dispatcher.HandleConnect(c, first)
		},
		OnMessage:    inbound.Dispatch,
		OnDisconnect: dispatcher.HandleDisconnect,
	})

	if err := server.Start(ws.DefaultHeartbeatConfig()); err != nil {
		return err
	}

	go presence.KeepAlive(ctx, session.PresenceTTL/2, server.Connections().Users, func(err error) {
		log.Warn("presence refresh", zap.Error(err))
	})

	// --- HTTP ---
	router := httpapi.NewRouter(httpapi.Dependencies{
		Service:   processor,
		Matches:   matches,
		Users:     pairs,
		Auth:      verifier,
		Limiter:   limiter,
		SwipeRule: ratelimit.SwipeRule(cfg.Limits.SwipesPerMinute),
		WebSocket: server,
		Health:    func() any { return server.Health() },
		Logger:    log,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := server.Shutdown(); err != nil {
		log.Warn("ws shutdown", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}
