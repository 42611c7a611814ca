package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/Tyrowin/chathub/internal/auth"
	"github.com/Tyrowin/chathub/internal/chat"
	"github.com/Tyrowin/chathub/internal/config"
	"github.com/Tyrowin/chathub/internal/relay"
	"github.com/Tyrowin/chathub/internal/server"
	"github.com/Tyrowin/chathub/internal/status"
	"github.com/Tyrowin/chathub/internal/store"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Error loading .env file", "error", err)
	}

	cfg := config.FromEnv()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	logger.Info("Starting chat hub...", "port", cfg.Port, "store", cfg.StoreDriver)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.Store())
	if err != nil {
		logger.Error("Failed to open message store", "error", err)
		os.Exit(1)
	}

	opts := []chat.Option{chat.WithLogger(logger)}
	var serverOpts []server.Option

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("Invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(redisOpts)
		mirror := status.NewRedisMirror(rdb, status.DefaultPrefix)
		if err := mirror.Reset(ctx); err != nil {
			logger.Warn("Could not reset online status in Redis", "error", err)
		}
		opts = append(opts, chat.WithStatusSink(mirror))
		serverOpts = append(serverOpts, server.WithStatusReader(mirror))
		logger.Info("Mirroring online status to Redis", "addr", redisOpts.Addr)
	}

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = relay.Connect(cfg.NATSURL, "chathub", logger)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		opts = append(opts, chat.WithEventSink(relay.NewNATS(nc, relay.DefaultSubjectPrefix)))
		logger.Info("Relaying room events to NATS", "url", cfg.NATSURL)
	}

	tokens := auth.NewManager(cfg.JWTSecret, cfg.TokenTTL)

	hub := chat.NewHub(cfg.Hub(), st, tokens, opts...)
	go hub.Run()

	origins := server.NewOriginPolicy(cfg.AllowedOrigins, logger)
	httpServer := server.CreateServer(cfg.Port, server.New(hub, st, tokens, origins, logger, serverOpts...).Routes())

	go func() {
		if err := server.StartServer(httpServer); err != nil {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// The HTTP listener stops first so no new sessions arrive while the hub
	// drains; backing services close after the hub is done with them.
	wait := gfshutdown.GracefulShutdown(
		ctx,
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"chathub": func(ctx context.Context) error {
				return shutdown(ctx, cfg.ShutdownTimeout, httpServer, hub, st, rdb, nc)
			},
		},
	)

	exitCode := <-wait
	logger.Info("Chat hub exited", "code", exitCode)
	os.Exit(exitCode)
}

func shutdown(ctx context.Context, timeout time.Duration, httpServer *http.Server, hub *chat.Hub, st store.Store, rdb *redis.Client, nc *nats.Conn) error {
	var errs []error

	if err := server.ShutdownServer(ctx, httpServer, timeout); err != nil {
		errs = append(errs, err)
	}
	if err := hub.Shutdown(timeout); err != nil {
		errs = append(errs, err)
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := st.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
