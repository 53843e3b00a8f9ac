// AngelaMos | 2026
// client.go

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageRedis  = "redis"
)

type ClientConfig struct {
	API     APIConfig     `koanf:"api"`
	Session SessionConfig `koanf:"session"`
	Redis   RedisConfig   `koanf:"redis"`
	Log     LogConfig     `koanf:"log"`
	Otel    OtelConfig    `koanf:"otel"`
}

type APIConfig struct {
	BaseURL       string        `koanf:"base_url"       validate:"required,url"`
	Timeout       time.Duration `koanf:"timeout"        validate:"gt=0"`
	VerifyTokens  bool          `koanf:"verify_tokens"`
	TokenIssuer   string        `koanf:"token_issuer"`
	TokenAudience string        `koanf:"token_audience"`
}

type SessionConfig struct {
	Storage       string        `koanf:"storage"        validate:"oneof=memory file redis"`
	Path          string        `koanf:"path"`
	DeviceID      string        `koanf:"device_id"`
	RedisPrefix   string        `koanf:"redis_prefix"`
	RefreshMargin time.Duration `koanf:"refresh_margin" validate:"gte=0"`
	AutoRefresh   bool          `koanf:"auto_refresh"`
}

// LoadClient reads the CLI configuration. Unlike Load it never requires
// server-side settings.
func LoadClient(configPath string) (*ClientConfig, error) {
	defaults := make(map[string]any, len(clientDefaults)+1)
	for k, v := range clientDefaults {
		defaults[k] = v
	}
	defaults["session.path"] = defaultSessionPath()

	k, err := newKoanf(defaults, configPath, clientEnvKeyReplacer)
	if err != nil {
		return nil, err
	}

	cfg := &ClientConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validateClient(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

var clientDefaults = map[string]any{
	"api.base_url":       "http://localhost:8080",
	"api.timeout":        "15s",
	"api.verify_tokens":  true,
	"api.token_issuer":   "thimblely-identity",
	"api.token_audience": "thimblely-app",

	"session.storage":        StorageFile,
	"session.redis_prefix":   "thimblely:device-session:",
	"session.refresh_margin": "60s",
	"session.auto_refresh":   true,

	"redis.pool_size":      2,
	"redis.min_idle_conns": 0,

	"log.level":  "warn",
	"log.format": "text",

	"otel.enabled":      false,
	"otel.insecure":     true,
	"otel.sample_rate":  1.0,
	"otel.service_name": "thimblely-cli",
}

var clientEnvKeyMap = map[string]string{
	"THIMBLELY_API_URL":         "api.base_url",
	"THIMBLELY_API_TIMEOUT":     "api.timeout",
	"THIMBLELY_VERIFY_TOKENS":   "api.verify_tokens",
	"THIMBLELY_SESSION_STORAGE": "session.storage",
	"THIMBLELY_SESSION_PATH":    "session.path",
	"THIMBLELY_DEVICE_ID":       "session.device_id",
	"THIMBLELY_REFRESH_MARGIN":  "session.refresh_margin",
	"THIMBLELY_AUTO_REFRESH":    "session.auto_refresh",
	"THIMBLELY_REDIS_URL":       "redis.url",
	"THIMBLELY_LOG_LEVEL":       "log.level",
	"THIMBLELY_LOG_FORMAT":      "log.format",
	"THIMBLELY_OTEL_ENDPOINT":   "otel.endpoint",
	"THIMBLELY_OTEL_ENABLED":    "otel.enabled",
}

func clientEnvKeyReplacer(s string) string {
	if mapped, ok := clientEnvKeyMap[s]; ok {
		return mapped
	}
	return ""
}

func validateClient(c *ClientConfig) error {
	var problems []error
	if err := checkTags(c, clientEnvKeyMap); err != nil {
		problems = append(problems, err)
	}

	switch c.Session.Storage {
	case StorageFile:
		if c.Session.Path == "" {
			problems = append(problems,
				errors.New("session.path is required for file storage (THIMBLELY_SESSION_PATH)"))
		}
	case StorageRedis:
		if c.Redis.URL == "" {
			problems = append(problems,
				errors.New("redis.url is required for redis storage (THIMBLELY_REDIS_URL)"))
		}
		if c.Session.DeviceID == "" {
			problems = append(problems,
				errors.New("session.device_id is required for redis storage (THIMBLELY_DEVICE_ID)"))
		}
	}

	return errors.Join(problems...)
}

func defaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".thimblely", "session.json")
	}
	return filepath.Join(dir, "thimblely", "session.json")
}
