// AngelaMos | 2026
// redis.go

package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/thimblely/thimblely/internal/config"
)

const redisPingTimeout = 5 * time.Second

// Redis backs OTP codes, the access token blacklist, rate limits and
// device-session storage.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects and pings. A non-nil tracer gets one client span per
// command or pipeline.
func NewRedis(
	ctx context.Context,
	cfg config.RedisConfig,
	tracer trace.Tracer,
) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	opts.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opts)
	if tracer != nil {
		client.AddHook(tracingHook{tracer: tracer, db: opts.DB})
	}

	r := &Redis{Client: client}
	if err := r.Ping(ctx); err != nil {
		//nolint:errcheck // connection never came up
		_ = client.Close()
		return nil, err
	}

	return r, nil
}

func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	if err := r.Client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (r *Redis) PoolStats() *redis.PoolStats {
	return r.Client.PoolStats()
}

type tracingHook struct {
	tracer trace.Tracer
	db     int
}

func (h tracingHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		ctx, span := h.start(ctx, "redis.dial")
		defer span.End()

		conn, err := next(ctx, network, addr)
		finishRedisSpan(span, err)
		return conn, err
	}
}

func (h tracingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		ctx, span := h.start(ctx, "redis "+cmd.Name())
		defer span.End()

		err := next(ctx, cmd)
		finishRedisSpan(span, err)
		return err
	}
}

func (h tracingHook) ProcessPipelineHook(
	next redis.ProcessPipelineHook,
) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		ctx, span := h.start(ctx, "redis pipeline",
			attribute.Int("db.redis.pipeline_length", len(cmds)),
		)
		defer span.End()

		err := next(ctx, cmds)
		finishRedisSpan(span, err)
		return err
	}
}

func (h tracingHook) start(
	ctx context.Context,
	name string,
	attrs ...attribute.KeyValue,
) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("db.system", "redis"),
		attribute.Int("db.redis.database_index", h.db),
	)
	return h.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// finishRedisSpan treats redis.Nil as a miss, not a failure.
func finishRedisSpan(span trace.Span, err error) {
	if err == nil || errors.Is(err, redis.Nil) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
