package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"host-smuggler/internal/client"
	"host-smuggler/internal/config"
	"host-smuggler/internal/handler"
	"host-smuggler/internal/metrics"
	"host-smuggler/internal/middleware"
	"host-smuggler/internal/pump"
	"host-smuggler/internal/server"
	"host-smuggler/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("host-smuggler"),
		kong.Description("Transparent TCP proxy that moves a smuggled request header into Host."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.StopTimeout(time.Duration(config.MaxShutdownGraceSeconds+15)*time.Second),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			client.NewConnector,
			pump.New,
			service.NewHandler,
			newListener,
			func(l *server.Listener) handler.ConnCounter { return l },
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startListener, startAdmin),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newListener(cfg *config.Config, h *service.Handler, logger *slog.Logger, m *metrics.Metrics) *server.Listener {
	return server.New(cfg, h, logger, m)
}

// newEcho builds the admin HTTP server. It is only started when
// admin.enabled is set.
func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 60 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	routes := handler.Routes(cfg)
	quiet := []string{handler.HealthzPath}
	if cfg.Admin.Metrics {
		quiet = append(quiet, cfg.Admin.MetricsPath)
	}

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger, quiet...))
	e.Use(middleware.MetricsMiddleware(m, routes...))
	e.Use(middleware.SecurityHeaders())

	if cfg.Admin.RateLimit > 0 {
		store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.Admin.RateLimit))
		e.Use(echomw.RateLimiter(store))
		logger.Info("admin rate limiter enabled", "rps", cfg.Admin.RateLimit)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startListener(lc fx.Lifecycle, l *server.Listener, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := l.Start(ctx); err != nil {
				return err
			}
			logger.Info("proxy started",
				"addr", l.Addr().String(),
				"upstream", cfg.Upstream.Addr(),
				"smuggle_header", cfg.Smuggle.Header,
				"version", version,
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down proxy listener", "active", l.Active())
			return l.Shutdown(ctx)
		},
	})
}

func startAdmin(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Admin.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Admin.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind admin %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr, "metrics", cfg.Admin.Metrics)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}
