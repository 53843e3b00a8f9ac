// AngelaMos | 2026
// redis.go

package testutil

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisURLEnv     = "TEST_REDIS_URL"
	requireRedisEnv = "TEST_REQUIRE_REDIS"
)

// SetupTestRedis connects to TEST_REDIS_URL and flushes the selected DB.
// The test is skipped when Redis is not reachable unless
// TEST_REQUIRE_REDIS is true.
func SetupTestRedis(t testing.TB) *redis.Client {
	t.Helper()

	raw := os.Getenv(redisURLEnv)
	if raw == "" {
		skipOrFail(t, requireRedisEnv, "Redis not available for testing: %s is not set", redisURLEnv)
	}

	opts, err := redis.ParseURL(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", redisURLEnv, err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if cerr := client.Close(); cerr != nil {
			t.Logf("warning: failed to close redis client after ping error: %v", cerr)
		}
		skipOrFail(t, requireRedisEnv, "Redis not available for testing at %s: %v", opts.Addr, err)
	}

	client.FlushDB(ctx)
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("warning: failed to close redis client: %v", cerr)
		}
	})

	return client
}

func skipOrFail(t testing.TB, requireEnv, format string, args ...any) {
	t.Helper()
	if required, _ := strconv.ParseBool(os.Getenv(requireEnv)); required {
		t.Fatalf(format, args...)
	}
	t.Skipf(format, args...)
}
