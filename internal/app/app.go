// AngelaMos | 2026
// app.go

package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/thimblely/thimblely/internal/authclient"
	"github.com/thimblely/thimblely/internal/config"
	"github.com/thimblely/thimblely/internal/core"
	"github.com/thimblely/thimblely/internal/session"
)

// deviceSessionTTL bounds how long a device session survives in Redis
// without being rewritten by a refresh.
const deviceSessionTTL = 30 * 24 * time.Hour

// Version is stamped at build time with -ldflags "-X ...app.Version=...".
var Version = "dev"

// App is the application context handed to every consumer of the session.
// It owns the provider, its storage and the Session Manager.
type App struct {
	Config   *config.ClientConfig
	Provider *authclient.Provider
	Sessions *session.Manager
	Logger   *slog.Logger

	telemetry *core.Telemetry
	redis     *core.Redis
	cancel    context.CancelFunc
}

// New wires the identity client, device storage and Session Manager from
// cfg and runs the initial session check. Logs go to stderr.
func New(ctx context.Context, cfg *config.ClientConfig) (*App, error) {
	return NewWithLogger(ctx, cfg, core.NewLogger(cfg.Log, os.Stderr))
}

func NewWithLogger(
	ctx context.Context,
	cfg *config.ClientConfig,
	logger *slog.Logger,
) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}

	telemetry, err := core.NewTelemetry(ctx, cfg.Otel, core.Build{
		Version:     Version,
		Environment: "client",
	})
	if err != nil {
		return nil, err
	}
	a.telemetry = telemetry

	storage, err := a.openStorage(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	client := authclient.NewClient(cfg.API.BaseURL, cfg.API.Timeout, logger)
	client.DeviceID = cfg.Session.DeviceID

	opts := []authclient.ProviderOption{
		authclient.WithLogger(logger),
		authclient.WithRefreshMargin(cfg.Session.RefreshMargin),
	}
	if cfg.API.VerifyTokens {
		opts = append(opts, authclient.WithVerifier(authclient.NewVerifier(
			client,
			cfg.API.TokenIssuer,
			cfg.API.TokenAudience,
		)))
	}
	a.Provider = authclient.NewProvider(client, storage, opts...)

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	if cfg.Session.AutoRefresh {
		a.Provider.StartAutoRefresh(bgCtx)
	}

	a.Sessions = session.NewManager(
		a.Provider,
		session.WithLogger(logger),
		session.WithTracer(telemetry.Tracer("github.com/thimblely/thimblely/internal/session")),
	)
	if err := a.Sessions.Init(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("init session manager: %w", err)
	}

	return a, nil
}

func (a *App) openStorage(ctx context.Context) (authclient.Storage, error) {
	switch a.Config.Session.Storage {
	case config.StorageMemory:
		return authclient.NewMemoryStorage(), nil
	case config.StorageRedis:
		rdb, err := core.NewRedis(
			ctx,
			a.Config.Redis,
			a.telemetry.Tracer("github.com/thimblely/thimblely/internal/app"),
		)
		if err != nil {
			return nil, err
		}
		a.redis = rdb
		return authclient.NewRedisStorage(
			rdb.Client,
			a.Config.Session.RedisPrefix,
			a.Config.Session.DeviceID,
			deviceSessionTTL,
		), nil
	default:
		return authclient.NewFileStorage(a.Config.Session.Path), nil
	}
}

// Close disposes the Session Manager before stopping the provider so no
// late event reaches a half torn down context.
func (a *App) Close() {
	if a.Sessions != nil {
		a.Sessions.Dispose()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.Provider != nil {
		a.Provider.Close()
	}
	if err := a.redis.Close(); err != nil {
		a.Logger.Warn("redis close error", "error", err)
	}
	a.redis = nil
	if err := a.telemetry.Shutdown(context.Background()); err != nil {
		a.Logger.Warn("telemetry shutdown error", "error", err)
	}
	a.telemetry = nil
}
