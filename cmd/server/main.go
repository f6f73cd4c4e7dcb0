package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Hayvi/roomy/internal/api"
	"github.com/Hayvi/roomy/internal/config"
	"github.com/Hayvi/roomy/internal/database"
	"github.com/Hayvi/roomy/internal/limiter"
	"github.com/Hayvi/roomy/internal/logging"
	"github.com/Hayvi/roomy/internal/presence"
	"github.com/Hayvi/roomy/internal/server"
	"github.com/Hayvi/roomy/internal/stats"
	"github.com/Hayvi/roomy/internal/storage"
	"github.com/Hayvi/roomy/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	// memoryDSN runs the server without postgres; state is lost on exit
	memoryDSN = "memory"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	configPath     string
	addr           string
	dsn            string
	signingKey     string
	publicURL      string
	logLevel       string
	presenceKind   string
	redisAddr      string
	storageKind    string
	natsURL        string
	allowedOrigins stringSliceFlag
)

// loadOptions layers defaults, the YAML file, the environment and finally
// any flags given explicitly on the command line.
func loadOptions() (config.Options, error) {
	opts := config.DefaultOptions()
	opts.SigningKey = defaultSigningKey

	if configPath != "" {
		if err := config.LoadFile(configPath, &opts); err != nil {
			return opts, err
		}
	}
	config.LoadEnv(&opts)

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			opts.Addr = addr
		case "dsn":
			opts.DSN = dsn
		case "signing-key":
			opts.SigningKey = signingKey
		case "public-url":
			opts.PublicURL = publicURL
		case "log-level":
			opts.LogLevel = logLevel
		case "presence":
			opts.Presence = presenceKind
		case "redis-addr":
			opts.RedisAddr = redisAddr
		case "storage":
			opts.Storage = storageKind
		case "nats-url":
			opts.NatsURL = natsURL
		case "allowed-origins":
			opts.AllowedOrigins = allowedOrigins
		}
	})

	return opts, nil
}

type closer func()

func openRepository(cfg *config.Config, logger *logrus.Logger) (database.ChatRepository, closer) {
	if cfg.DatabaseDSN == memoryDSN {
		logger.Warn("using in-memory database, data will not survive a restart")
		return database.NewMemoryChatRepository(), func() {}
	}

	db, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatalf("db open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		logger.Fatalf("db migrate: %v", err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			logger.Errorf("db close: %v", err)
		}
	}
}

func openServices(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (api.Services, closer) {
	var (
		svc     api.Services
		closers []func()
	)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatalf("redis ping: %v", err)
		}
		closers = append(closers, func() { rdb.Close() })

		svc.Limiter = limiter.NewRedisLimiter(rdb, cfg.JoinAttempts, cfg.JoinWindow)
		if cfg.Presence == config.PresenceRedis {
			svc.Presence = presence.NewRedisTracker(rdb, types.OnlineWindow)
		}
	} else {
		logger.Warn("no redis configured, join attempts are not rate limited")
	}

	if cfg.Storage == config.StorageNats {
		store, err := storage.OpenJetStreamStore(ctx, cfg.NatsURL, types.AttachmentBucket)
		if err != nil {
			logger.Fatalf("attachment store: %v", err)
		}
		svc.Store = store
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				logger.Errorf("attachment store close: %v", err)
			}
		})
	}

	return svc, func() {
		for _, c := range closers {
			c()
		}
	}
}

func main() {
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "", `database connection string, or "memory"`)
	flag.StringVar(&signingKey, "signing-key", "", "base64 encoded signing key")
	flag.StringVar(&publicURL, "public-url", "", "externally visible base URL, used for attachment links")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.StringVar(&presenceKind, "presence", config.PresenceMemory, "presence backend: memory or redis")
	flag.StringVar(&redisAddr, "redis-addr", "", "redis address for presence and rate limiting")
	flag.StringVar(&storageKind, "storage", config.StorageMemory, "attachment storage: memory or nats")
	flag.StringVar(&natsURL, "nats-url", "", "nats server url")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	opts, err := loadOptions()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	cfg, err := config.NewConfig(opts)
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("logging: %v", err)
	}

	db, closeDb := openRepository(cfg, logger)
	defer closeDb()

	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 10*time.Second)
	svc, closeServices := openServices(setupCtx, cfg, logger)
	cancelSetup()
	defer closeServices()

	if svc.Presence == nil {
		svc.Presence = presence.NewMemoryTracker(types.OnlineWindow)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, db, svc.Presence, statsUpdater)
	if err != nil {
		logger.Fatalf("new chat server: %v", err)
	}

	srv := api.NewGoChatApp(mux, logger, chatServer, db, statsUpdater, svc, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Infof("received signal: %s", sig)
	case err := <-errCh:
		logger.Errorf("server: %v", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Errorf("HTTP server shutdown: %v", err)
	}

	logger.Info("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Errorf("chat server shutdown: %v", err)
	}

	logger.Info("shutdown complete")
}
