package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/user/session-proxy/internal/api"
	"github.com/user/session-proxy/internal/api/handler"
	"github.com/user/session-proxy/internal/api/middleware"
	"github.com/user/session-proxy/internal/config"
	"github.com/user/session-proxy/internal/database"
	"github.com/user/session-proxy/internal/metrics"
	"github.com/user/session-proxy/internal/repository"
	"github.com/user/session-proxy/internal/secret"
	"github.com/user/session-proxy/internal/service"
	"github.com/user/session-proxy/internal/session"
	"github.com/user/session-proxy/internal/trace"
	"github.com/user/session-proxy/internal/upstream"
	"github.com/user/session-proxy/internal/version"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// sessionsFileDebounce coalesces the burst of events editors emit on save.
const sessionsFileDebounce = 250 * time.Millisecond

type cli struct {
	Serve   serveCmd   `cmd:"" default:"1" help:"Start the proxy server (default)."`
	Version versionCmd `cmd:"" help:"Show version information."`
	Init    initCmd    `cmd:"" help:"Generate a .env.example configuration template."`
}

type serveCmd struct{}

func (serveCmd) Run() error {
	return run()
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Println(version.Info())
	return nil
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("session-proxy"),
		kong.Description("OpenAI chat completions proxy that maps client session keys to upstream credentials.\n\n"+
			"Configuration comes from LLM_PROXY_* environment variables or a .env file (see 'session-proxy init')."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Proxy.LogLevel, cfg.LogRotation)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting session-proxy",
		zap.String("version", version.Short()),
		zap.String("addr", cfg.Proxy.Addr()),
		zap.String("upstream", cfg.Upstream.BaseURL),
	)
	logger.Debug("configuration loaded", zap.Stringer("config", cfg))
	if cfg.Security.SecretKey == config.DefaultSecretKey {
		logger.Warn("LLM_PROXY_SECRET_KEY is the shipped placeholder; stored credentials are sealed with a public key")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	sealer, err := secret.NewSealer(cfg.Security.SecretKey)
	if err != nil {
		return fmt.Errorf("init sealer: %w", err)
	}

	// Sessions.
	mapperOpts := []session.Option{session.WithStore(repository.NewSessionRepo(db, sealer, logger))}
	if pattern := cfg.Sessions.AutoEnrollRegexp(); pattern != nil {
		mapperOpts = append(mapperOpts, session.WithEnrollment(&session.Enrollment{
			Pattern:    pattern,
			Credential: cfg.Upstream.DefaultCredential,
			TTL:        cfg.Sessions.DefaultTTL,
		}))
		logger.Info("session auto-enrolment enabled", zap.String("pattern", pattern.String()))
	}
	mapper := session.NewMapper(logger, mapperOpts...)

	restored, err := mapper.Load(ctx)
	if err != nil {
		return err
	}
	logger.Info("sessions restored", zap.Int("count", restored))

	if cfg.Sessions.File != "" {
		if _, err := mapper.ReloadFile(ctx, cfg.Sessions.File); err != nil {
			return fmt.Errorf("apply sessions file: %w", err)
		}
		if cfg.Sessions.Watch {
			watcher := session.NewFileWatcher(mapper, cfg.Sessions.File, sessionsFileDebounce, logger)
			go func() {
				if err := watcher.Watch(ctx); err != nil {
					logger.Error("sessions file watcher stopped", zap.Error(err))
				}
			}()
		}
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(nil)
		collector.TrackSessions(mapper.Len)
	}

	dispatcherOpts := []service.DispatcherOption{
		service.WithMetrics(collector),
		service.WithAllowedModels(cfg.Upstream.AllowedModels),
		service.WithTracer(trace.New()),
	}

	// Request logs.
	var (
		requestLogs handler.RequestLookup
		pruner      service.LogPruner
	)
	if cfg.RequestLogs.Enabled {
		logService := service.NewLogService(repository.NewRequestLogRepositoryImpl(db, logger), logger)
		defer logService.Stop()
		dispatcherOpts = append(dispatcherOpts, service.WithRequestLog(logService))
		requestLogs = logService
		pruner = logService
	}

	client := upstream.NewClient(upstream.Config{
		BaseURL:          cfg.Upstream.BaseURL,
		RequestTimeout:   cfg.Upstream.RequestTimeout,
		FirstByteTimeout: cfg.Upstream.FirstByteTimeout,
		IdleTimeout:      cfg.Upstream.IdleTimeout,
	}, logger)
	dispatcher := service.NewDispatcher(mapper, client, logger, dispatcherOpts...)

	maintenance := service.NewMaintenance(service.MaintenanceConfig{
		SweepSchedule: cfg.Sessions.SweepSchedule,
		PruneSchedule: cfg.RequestLogs.PruneSchedule,
		LogRetention:  cfg.RequestLogs.Retention(),
	}, mapper, pruner, logger)
	if err := maintenance.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	defer maintenance.Stop()

	var adminTokenHash string
	if cfg.Security.AdminToken != "" {
		adminTokenHash, err = secret.HashToken(cfg.Security.AdminToken)
		if err != nil {
			return fmt.Errorf("hash admin token: %w", err)
		}
	} else {
		logger.Info("admin API disabled, set LLM_PROXY_ADMIN_TOKEN to enable it")
	}

	server := api.NewServer(ctx, api.ServerDeps{
		Dispatcher:  dispatcher,
		Sessions:    mapper,
		RequestLogs: requestLogs,
		Metrics:     collector,
		RateLimit: &middleware.RateLimitConfig{
			Enabled:       cfg.RateLimit.Enabled,
			MaxRequests:   cfg.RateLimit.MaxRequests,
			WindowSeconds: cfg.RateLimit.WindowSeconds,
			ExemptPaths:   middleware.DefaultRateLimitConfig().ExemptPaths,
		},
		CORSAllowOrigins: cfg.Proxy.CORSAllowOrigins,
		AdminTokenHash:   adminTokenHash,
		AccessLog:        cfg.Proxy.AccessLog,
		SessionTTL:       cfg.Sessions.DefaultTTL,
		Logger:           logger,
	})

	// No WriteTimeout: streams are bounded by the upstream idle timeout.
	httpServer := &http.Server{
		Addr:              cfg.Proxy.Addr(),
		Handler:           server,
		ReadHeaderTimeout: cfg.Proxy.ReadHeaderTimeout,
		ReadTimeout:       cfg.Proxy.ReadTimeout,
		IdleTimeout:       cfg.Proxy.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	logger.Info("server started", zap.String("addr", httpServer.Addr))

	select {
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	stop()

	logger.Info("shutting down...", zap.Int("active_streams", dispatcher.ActiveStreams()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownTimeout)
	defer cancel()

	if err := dispatcher.AbortStreams(shutdownCtx); err != nil {
		logger.Warn("streams still open at shutdown deadline", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func newLogger(level string, rotation config.LogRotationConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		zapLevel = zap.DebugLevel
	case "WARN", "WARNING":
		zapLevel = zap.WarnLevel
	case "ERROR":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	if err := os.MkdirAll(rotation.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", rotation.Dir, err)
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(rotation.Dir, "session-proxy.log"),
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	// File core: JSON for log shippers.
	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderCfg),
		zapcore.AddSync(lj),
		zapLevel,
	)

	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	// stdout for DEBUG/INFO, stderr for WARN and above.
	stdoutCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l < zapcore.WarnLevel
		}),
	)
	stderrCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l >= zapcore.WarnLevel
		}),
	)

	return zap.New(zapcore.NewTee(fileCore, stdoutCore, stderrCore),
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	), nil
}
