// AngelaMos | 2026
// ratelimit.go

package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis_rate "github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/thimblely/thimblely/internal/core"
)

const (
	maxPeekBody = 64 << 10

	localSweepInterval = 5 * time.Minute
	localEntryTTL      = 10 * time.Minute
)

// RateLimitConfig describes one limiter. Name namespaces its Redis keys so
// limiters with different limits never share a bucket.
type RateLimitConfig struct {
	Name       string
	Limit      redis_rate.Limit
	KeyFunc    func(*http.Request) string
	BypassFunc func(*http.Request) bool
	Logger     *slog.Logger
}

// RateLimiter enforces a GCRA limit in Redis. While Redis is unreachable
// it keeps limiting with per-process token buckets instead of failing open.
type RateLimiter struct {
	limiter  *redis_rate.Limiter
	fallback *localLimiter
	config   RateLimitConfig
	prefix   string
	degraded atomic.Bool
}

func NewRateLimiter(rdb *redis.Client, cfg RateLimitConfig) *RateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = KeyByIP
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}

	return &RateLimiter{
		limiter:  redis_rate.NewLimiter(rdb),
		fallback: newLocalLimiter(cfg.Limit),
		config:   cfg,
		prefix:   "ratelimit:" + name + ":",
	}
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.config.BypassFunc != nil && rl.config.BypassFunc(r) {
			next.ServeHTTP(w, r)
			return
		}

		res := rl.allow(r.Context(), rl.prefix+rl.config.KeyFunc(r))
		setRateLimitHeaders(w, res, rl.config.Limit)

		if res.Allowed == 0 {
			writeRateLimitExceeded(w, res)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ctx context.Context, key string) *redis_rate.Result {
	res, err := rl.limiter.Allow(ctx, key, rl.config.Limit)
	if err == nil {
		if rl.degraded.CompareAndSwap(true, false) {
			rl.config.Logger.InfoContext(ctx, "rate limiter back on redis",
				"limiter", rl.prefix)
		}
		return res
	}

	if rl.degraded.CompareAndSwap(false, true) {
		rl.config.Logger.WarnContext(ctx, "rate limiter falling back to local buckets",
			"limiter", rl.prefix,
			"error", err,
		)
	}
	return rl.fallback.allow(key)
}

// ClientIP is the address rate limits and device sessions are keyed on:
// the proxy-appended last X-Forwarded-For hop, then X-Real-IP, then the
// peer address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		return strings.TrimSpace(hops[len(hops)-1])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func KeyByIP(r *http.Request) string {
	return "ip:" + ClientIP(r)
}

// EmailFromBody peeks at a JSON body's "email" field and restores the body
// for the next handler. The result is a hash of the normalized address.
func EmailFromBody(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	orig := r.Body
	buf, err := io.ReadAll(io.LimitReader(orig, maxPeekBody))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), orig), orig}
	if err != nil {
		return ""
	}

	var body struct {
		Email string `json:"email"`
	}
	if json.Unmarshal(buf, &body) != nil {
		return ""
	}
	email := strings.ToLower(strings.TrimSpace(body.Email))
	if email == "" {
		return ""
	}
	return core.HashToken(email)
}

// KeyByEmail limits per submitted address for unauthenticated auth
// endpoints, falling back to the client IP when the body has no email.
func KeyByEmail(r *http.Request) string {
	if email := EmailFromBody(r); email != "" {
		return "email:" + email
	}
	return KeyByIP(r)
}

// SkipPaths bypasses limiting for exact path matches such as probes.
func SkipPaths(paths ...string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return slices.Contains(paths, r.URL.Path)
	}
}

func PerMinute(rate, burst int) redis_rate.Limit {
	return Per(time.Minute, rate, burst)
}

// Per allows rate requests every period with the given burst.
func Per(period time.Duration, rate, burst int) redis_rate.Limit {
	return redis_rate.Limit{Rate: rate, Burst: burst, Period: period}
}

func setRateLimitHeaders(
	w http.ResponseWriter,
	res *redis_rate.Result,
	limit redis_rate.Limit,
) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit.Rate))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(res.ResetAfter).Unix(), 10))
	h.Set("RateLimit-Policy", fmt.Sprintf("%d;w=%d", limit.Rate, int(limit.Period.Seconds())))
	h.Set("RateLimit", fmt.Sprintf("%d;t=%d", res.Remaining, int(res.ResetAfter.Seconds())))
}

func writeRateLimitExceeded(w http.ResponseWriter, res *redis_rate.Result) {
	retryAfter := max(int(res.RetryAfter.Seconds()), 1)

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	core.JSONError(w, core.RateLimitedError(fmt.Sprintf(
		"Rate limit exceeded. Retry after %d seconds.",
		retryAfter,
	)))
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// localLimiter mirrors one redis_rate.Limit with in-process token buckets.
// Idle buckets are swept inline, at most once per localSweepInterval.
type localLimiter struct {
	limit     redis_rate.Limit
	perSecond float64
	buckets   sync.Map
	nextSweep atomic.Int64
}

func newLocalLimiter(limit redis_rate.Limit) *localLimiter {
	l := &localLimiter{limit: limit}
	if limit.Period > 0 {
		l.perSecond = float64(limit.Rate) / limit.Period.Seconds()
	}
	l.nextSweep.Store(time.Now().Add(localSweepInterval).UnixNano())
	return l
}

func (l *localLimiter) allow(key string) *redis_rate.Result {
	now := time.Now()
	l.maybeSweep(now)

	v, ok := l.buckets.Load(key)
	if !ok {
		v, _ = l.buckets.LoadOrStore(key, &localBucket{
			limiter: rate.NewLimiter(rate.Limit(l.perSecond), l.limit.Burst),
		})
	}
	b := v.(*localBucket) //nolint:errcheck,forcetypeassert // only *localBucket is stored
	b.lastSeen.Store(now.UnixNano())

	res := &redis_rate.Result{
		Limit:      l.limit,
		Remaining:  max(int(b.limiter.TokensAt(now)), 0),
		RetryAfter: -1,
		ResetAfter: l.interval(),
	}
	if b.limiter.AllowN(now, 1) {
		res.Allowed = 1
		res.Remaining = max(res.Remaining-1, 0)
	} else {
		res.RetryAfter = l.interval()
	}
	return res
}

func (l *localLimiter) interval() time.Duration {
	if l.perSecond <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / l.perSecond)
}

func (l *localLimiter) maybeSweep(now time.Time) {
	next := l.nextSweep.Load()
	if now.UnixNano() < next ||
		!l.nextSweep.CompareAndSwap(next, now.Add(localSweepInterval).UnixNano()) {
		return
	}

	cutoff := now.Add(-localEntryTTL).UnixNano()
	l.buckets.Range(func(key, v any) bool {
		if b, ok := v.(*localBucket); ok && b.lastSeen.Load() < cutoff {
			l.buckets.Delete(key)
		}
		return true
	})
}
