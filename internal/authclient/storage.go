// AngelaMos | 2026
// storage.go

package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thimblely/thimblely/internal/session"
)

// ErrCorruptSession marks a stored session that exists but cannot be
// decoded. Loading it again will not help.
var ErrCorruptSession = errors.New("stored session is corrupt")

// Storage persists the device session between runs. Load returns nil, nil
// when nothing is stored.
type Storage interface {
	Load(ctx context.Context) (*session.ProviderSession, error)
	Save(ctx context.Context, sess *session.ProviderSession) error
	Delete(ctx context.Context) error
}

type MemoryStorage struct {
	mu   sync.Mutex
	sess *session.ProviderSession
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Load(context.Context) (*session.ProviderSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.Clone(), nil
}

func (s *MemoryStorage) Save(_ context.Context, sess *session.ProviderSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = sess.Clone()
	return nil
}

func (s *MemoryStorage) Delete(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = nil
	return nil
}

// FileStorage keeps the session as a 0600 JSON file.
type FileStorage struct {
	path string
	mu   sync.Mutex
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

func (s *FileStorage) Load(context.Context) (*session.ProviderSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var sess session.ProviderSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session file: %w: %w", ErrCorruptSession, err)
	}
	return &sess, nil
}

func (s *FileStorage) Save(_ context.Context, sess *session.ProviderSession) error {
	if sess == nil {
		return errors.New("session cannot be nil")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return fmt.Errorf("chmod session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func (s *FileStorage) Delete(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// RedisStorage keeps one device's session under prefix+deviceID. The key
// lives for ttl after each save, matching the refresh token lifetime.
type RedisStorage struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisStorage(
	client redis.UniversalClient,
	prefix, deviceID string,
	ttl time.Duration,
) *RedisStorage {
	return &RedisStorage{
		client: client,
		key:    prefix + deviceID,
		ttl:    ttl,
	}
}

func (s *RedisStorage) Load(ctx context.Context) (*session.ProviderSession, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var sess session.ProviderSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w: %w", ErrCorruptSession, err)
	}
	return &sess, nil
}

func (s *RedisStorage) Save(ctx context.Context, sess *session.ProviderSession) error {
	if sess == nil {
		return errors.New("session cannot be nil")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.client.Set(ctx, s.key, data, s.ttl).Err()
}

func (s *RedisStorage) Delete(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

var (
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*FileStorage)(nil)
	_ Storage = (*RedisStorage)(nil)
)
