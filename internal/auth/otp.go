// AngelaMos | 2026
// otp.go

package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis_rate "github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/thimblely/thimblely/internal/config"
	"github.com/thimblely/thimblely/internal/core"
)

var (
	ErrOTPInvalid   = errors.New("otp invalid")
	ErrOTPExpired   = errors.New("otp expired")
	ErrOTPThrottled = errors.New("otp requested too soon")
)

type OTPPurpose string

const PurposeSignup OTPPurpose = "signup"

type OTPStore interface {
	// Issue replaces any outstanding code for the email and returns the
	// new plaintext code.
	Issue(ctx context.Context, purpose OTPPurpose, email string) (string, error)
	// Verify consumes the code on success.
	Verify(ctx context.Context, purpose OTPPurpose, email, code string) error
	// Throttle reports how long the caller must wait before another code
	// may be sent. Zero means a send is allowed now and has been counted.
	Throttle(ctx context.Context, purpose OTPPurpose, email string) (time.Duration, error)
}

const (
	otpFieldHash     = "hash"
	otpFieldAttempts = "attempts"
)

type RedisOTPStore struct {
	client  *redis.Client
	limiter *redis_rate.Limiter
	cfg     config.OTPConfig
}

func NewRedisOTPStore(client *redis.Client, cfg config.OTPConfig) *RedisOTPStore {
	return &RedisOTPStore{
		client:  client,
		limiter: redis_rate.NewLimiter(client),
		cfg:     cfg,
	}
}

func otpKey(purpose OTPPurpose, email string) string {
	return "otp:" + string(purpose) + ":" + core.HashToken(strings.ToLower(email))
}

func (s *RedisOTPStore) Issue(
	ctx context.Context,
	purpose OTPPurpose,
	email string,
) (string, error) {
	code, err := core.GenerateOTP(s.cfg.Length)
	if err != nil {
		return "", err
	}

	key := otpKey(purpose, email)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			otpFieldHash, core.HashToken(code),
			otpFieldAttempts, 0,
		)
		pipe.Expire(ctx, key, s.cfg.TTL)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store otp: %w", err)
	}

	return code, nil
}

// Verify counts the attempt before comparing, so concurrent guesses cannot
// exceed MaxAttempts. Once the budget is spent the code is dropped.
func (s *RedisOTPStore) Verify(
	ctx context.Context,
	purpose OTPPurpose,
	email, code string,
) error {
	key := otpKey(purpose, email)

	var (
		attemptsCmd *redis.IntCmd
		hashCmd     *redis.StringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		attemptsCmd = pipe.HIncrBy(ctx, key, otpFieldAttempts, 1)
		hashCmd = pipe.HGet(ctx, key, otpFieldHash)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("load otp: %w", err)
	}

	hash, err := hashCmd.Result()
	if errors.Is(err, redis.Nil) {
		// HINCRBY recreated an expired key without a TTL.
		//nolint:errcheck // best-effort cleanup
		_ = s.client.Del(ctx, key).Err()
		return ErrOTPExpired
	}
	if err != nil {
		return fmt.Errorf("load otp: %w", err)
	}

	if attemptsCmd.Val() > int64(s.cfg.MaxAttempts) {
		//nolint:errcheck // key expires on its own
		_ = s.client.Del(ctx, key).Err()
		return ErrOTPExpired
	}

	if !core.CompareTokenHash(code, hash) {
		return ErrOTPInvalid
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("consume otp: %w", err)
	}

	return nil
}

func (s *RedisOTPStore) Throttle(
	ctx context.Context,
	purpose OTPPurpose,
	email string,
) (time.Duration, error) {
	if s.cfg.ResendInterval <= 0 {
		return 0, nil
	}

	key := "otp:send:" + string(purpose) + ":" + core.HashToken(strings.ToLower(email))
	res, err := s.limiter.Allow(ctx, key, redis_rate.Limit{
		Rate:   1,
		Burst:  1,
		Period: s.cfg.ResendInterval,
	})
	if err != nil {
		return 0, fmt.Errorf("otp throttle: %w", err)
	}

	if res.Allowed == 0 {
		return res.RetryAfter, nil
	}

	return 0, nil
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
