// Package main is the entrypoint for the Propelr API server.
package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/propelr/propelr/internal/auth"
	"github.com/propelr/propelr/internal/cache"
	"github.com/propelr/propelr/internal/config"
	"github.com/propelr/propelr/internal/handler"
	"github.com/propelr/propelr/internal/metrics"
	"github.com/propelr/propelr/internal/notify"
	"github.com/propelr/propelr/internal/query"
	"github.com/propelr/propelr/internal/repository"
	"github.com/propelr/propelr/internal/scheduler"
	"github.com/propelr/propelr/internal/server"
	"github.com/propelr/propelr/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	repo, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error(
			"failed to connect to database",
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		return err
	}
	defer repo.Close()
	logger.Info("connected to database")

	if cfg.AutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	cacheClient, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error(
			"failed to connect to Redis",
			slog.String("error", sanitizeError(err, cfg.RedisURL)),
			slog.String("redis_url", redactURL(cfg.RedisURL)),
		)
		return err
	}
	defer cacheClient.Close()
	logger.Info("connected to Redis")

	// Notifications go to the broker when one is configured, else to the log.
	var (
		dispatcher notify.Dispatcher = notify.NewLogDispatcher(logger)
		broker     handler.HealthChecker
		amqpClient *notify.AMQPDispatcher
	)
	if cfg.AMQPURL != "" {
		amqpClient = notify.NewAMQPDispatcher(cfg.AMQPURL, cfg.NotifySigningSecret, logger)
		if err := amqpClient.Connect(); err != nil {
			logger.Error("failed to connect to broker",
				slog.String("error", sanitizeError(err, cfg.AMQPURL)),
				slog.String("amqp_url", redactURL(cfg.AMQPURL)),
			)
			return err
		}
		dispatcher, broker = amqpClient, amqpClient
		logger.Info("connected to broker")
	}

	recorder := metrics.NewPrometheus()
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTTTL)
	resolver := auth.NewResolver(tokens, repo, cacheClient, logger)
	engine := query.NewBridge(cfg.QueryTimeout)
	sched := scheduler.New(time.Now, scheduler.NewTimer, loc, logger)
	if err := recorder.RegisterActiveJobs(sched.ActiveCount); err != nil {
		return err
	}

	flowService := service.NewFlowService(repo, sched, engine, recorder, logger)
	accountService := service.NewAccountService(repo, tokens, cfg.APIKeyEnv, logger)
	runner := service.NewRunner(repo, sched, engine, dispatcher, recorder, logger)

	if _, err := flowService.Restore(ctx); err != nil {
		return err
	}

	// The loops outlive the signal context; they stop through the
	// shutdown hooks below.
	loopCtx := context.WithoutCancel(ctx)
	go sched.Run(loopCtx)
	go func() {
		if err := runner.Run(loopCtx, sched.Events()); err != nil {
			logger.Error("runner exited", "error", err)
		}
	}()

	r := setupRouter(routes{
		index:    handler.New(version),
		health:   handler.NewHealthHandler(repo, cacheClient, broker),
		metrics:  handler.NewMetricsHandler(recorder.Registry()),
		flows:    handler.NewFlowHandler(flowService, logger),
		accounts: handler.NewAccountHandler(accountService, logger),
		resolver: resolver,
		cache:    cacheClient,
	}, cfg, logger)

	srv := server.New(
		r,
		cfg.AppPort,
		cfg.ReadTimeout,
		cfg.WriteTimeout,
		cfg.ShutdownTimeout,
		logger,
	)

	// Hooks run in reverse: the scheduler stops firing, then in-flight
	// runs drain, then the broker closes.
	if amqpClient != nil {
		srv.OnShutdown("broker", func(context.Context) error { return amqpClient.Close() })
	}
	srv.OnShutdown("runner", runner.Shutdown)
	srv.OnShutdown("scheduler", sched.Shutdown)

	logger.Info("starting server",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"version", version,
		"scheduler_location", loc.String(),
	)

	return srv.Run(ctx)
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}

	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
