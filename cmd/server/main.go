package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-realtime/internal/auth"
	"github.com/Tyrowin/gochat-realtime/internal/chat/memchat"
	"github.com/Tyrowin/gochat-realtime/internal/config"
	"github.com/Tyrowin/gochat-realtime/internal/dispatch"
	"github.com/Tyrowin/gochat-realtime/internal/fanout"
	"github.com/Tyrowin/gochat-realtime/internal/logging"
	"github.com/Tyrowin/gochat-realtime/internal/membership"
	"github.com/Tyrowin/gochat-realtime/internal/notify"
	"github.com/Tyrowin/gochat-realtime/internal/notify/redisqueue"
	"github.com/Tyrowin/gochat-realtime/internal/notify/sqlitestore"
	"github.com/Tyrowin/gochat-realtime/internal/registry"
	"github.com/Tyrowin/gochat-realtime/internal/server"
)

const memoryQueueCapacity = 1024

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout).With().Str("service", "gochat-realtime").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server stopped with error")
	}
}

// notificationBackends is the store and queue pair selected by config, plus
// whatever must be released on exit.
type notificationBackends struct {
	store  notify.Store
	queue  notify.TaskQueue
	source notify.TaskSource
	close  []func() error
}

func (b *notificationBackends) Close(logger zerolog.Logger) {
	for i := len(b.close) - 1; i >= 0; i-- {
		if err := b.close[i](); err != nil {
			logger.Warn().Err(err).Msg("Error closing notification backend")
		}
	}
}

func openNotificationBackends(ctx context.Context, cfg config.NotificationConfig, logger zerolog.Logger) (*notificationBackends, error) {
	b := &notificationBackends{}

	switch cfg.Store {
	case config.BackendSQLite:
		store, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open notification store: %w", err)
		}
		b.store = store
		b.close = append(b.close, store.Close)
		logger.Info().Str("path", cfg.SQLitePath).Msg("Using SQLite notification store")
	default:
		b.store = notify.NewMemoryStore()
		logger.Info().Msg("Using in-memory notification store")
	}

	switch cfg.Queue {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			b.Close(logger)
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		queue, err := redisqueue.New(client, cfg.RedisQueueKey, logger)
		if err != nil {
			_ = client.Close()
			b.Close(logger)
			return nil, err
		}
		b.queue, b.source = queue, queue
		b.close = append(b.close, client.Close)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis task queue")
	default:
		queue := notify.NewMemoryQueue(memoryQueueCapacity)
		b.queue, b.source = queue, queue
		b.close = append(b.close, func() error {
			queue.Close()
			return nil
		})
		logger.Info().Msg("Using in-memory task queue")
	}

	return b, nil
}

func openChat(path string, logger zerolog.Logger) (*memchat.Store, error) {
	if path == "" {
		logger.Warn().Msg("SEED_FILE not set; starting with an empty chat store")
		return memchat.New(), nil
	}
	store, err := memchat.LoadSeedFile(path)
	if err != nil {
		return nil, fmt.Errorf("load seed file: %w", err)
	}
	logger.Info().Str("path", path).Msg("Chat store seeded")
	return store, nil
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	chatStore, err := openChat(cfg.SeedFile, logger)
	if err != nil {
		return err
	}

	backends, err := openNotificationBackends(ctx, cfg.Notifications, logger)
	if err != nil {
		return err
	}

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		backends.Close(logger)
		return err
	}

	hub := server.NewHub(logger)
	reg := registry.New()
	f := fanout.New(hub, hub, reg, cfg.FanoutConcurrency, logger)
	sync := membership.NewSync(chatStore, reg, hub, f, logger)
	relay := notify.NewRelay(backends.store, backends.queue, logger)
	dispatcher := dispatch.New(chatStore, chatStore, f, sync, relay, logger)

	srv := server.New(server.Options{
		Config:        cfg,
		Hub:           hub,
		Authenticator: authenticator,
		Dispatcher:    localMembership{Dispatcher: dispatcher, chat: chatStore},
		Sync:          sync,
		Registry:      reg,
		Logger:        logger,
	})

	workerCtx, stopWorker := context.WithCancel(context.Background())
	worker := notify.NewWorker(backends.source, backends.queue, backends.store, notify.LogDeliverer{Logger: logger}, cfg.Notifications.MaxAttempts, logger)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(workerCtx); err != nil {
			logger.Error().Err(err).Msg("Notification worker failed")
		}
	}()

	httpServer := server.CreateServer(cfg.Port, srv.Handler())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, logger)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case runErr = <-serveErr:
		if runErr != nil {
			runErr = fmt.Errorf("serve http: %w", runErr)
		}
	}

	timeout := cfg.ShutdownTimeout.Std()
	shutdownErr := shutdown(httpServer, srv, timeout, logger)

	stopWorker()
	select {
	case <-workerDone:
	case <-time.After(timeout):
		logger.Warn().Msg("Notification worker did not stop before the timeout")
	}
	backends.Close(logger)

	logger.Info().Msg("Server stopped")
	return errors.Join(runErr, shutdownErr)
}

// shutdown stops accepting requests, then closes the live connections and
// waits for their in-flight verbs.
func shutdown(httpServer *http.Server, srv *server.Server, timeout time.Duration, logger zerolog.Logger) error {
	var errs []error
	if err := server.ShutdownServer(httpServer, timeout, logger); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http: %w", err))
	}
	if err := srv.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("shutdown hub: %w", err))
	}
	return errors.Join(errs...)
}
