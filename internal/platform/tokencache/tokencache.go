// Package tokencache persists the provider session between runs. It backs
// baas.SessionStorage with Redis for the server and a file for the CLI.
package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ehr/portal/internal/platform/baas"
)

// DefaultKey names the cached session when no storage key is configured.
const DefaultKey = "default"

const redisPrefix = "portal:session:"

// DefaultTTL bounds how long an unrefreshed session stays cached.
const DefaultTTL = 30 * 24 * time.Hour

// Redis stores the session as JSON under portal:session:<key>.
type Redis struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) *Redis {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, key: redisPrefix + key, ttl: ttl}
}

func (r *Redis) Load(ctx context.Context) (*baas.Session, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s baas.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode cached session: %w", err)
	}
	return &s, nil
}

func (r *Redis) Save(ctx context.Context, s *baas.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// File stores the session in a single 0600 JSON file.
type File struct {
	mu   sync.Mutex
	path string
}

func NewFile(path string) *File {
	return &File{path: path}
}

// DefaultFilePath is <user config dir>/portal/session-<key>.json.
func DefaultFilePath(key string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	if key == "" {
		key = DefaultKey
	}
	return filepath.Join(dir, "portal", "session-"+key+".json"), nil
}

func (f *File) Load(context.Context) (*baas.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s baas.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode cached session: %w", err)
	}
	return &s, nil
}

func (f *File) Save(_ context.Context, s *baas.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return os.Rename(tmp, f.path)
}

func (f *File) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
