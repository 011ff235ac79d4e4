package crawlqueue

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Backend names accepted by Config.Backend.
const (
	BackendRedis  = "redis"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// BackendOpener opens a backend from configuration.
type BackendOpener func(cfg *Config, logger *slog.Logger) (Backend, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]BackendOpener{
		BackendRedis:  openRedis,
		BackendBadger: openBadger,
		BackendMemory: func(*Config, *slog.Logger) (Backend, error) { return NewInMemoryBackend(), nil },
	}
)

// registerBackend makes an opener available under name. Optional backends
// register themselves from init behind their build tags.
func registerBackend(name string, opener BackendOpener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[name] = opener
}

// OpenBackend opens the backend named by cfg.Backend. The caller owns the
// returned backend and must Close it.
func OpenBackend(cfg *Config, logger *slog.Logger) (Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	openersMu.RLock()
	opener, ok := openers[cfg.Backend]
	openersMu.RUnlock()
	if !ok {
		if cfg.Backend == BackendSQLite {
			return nil, fmt.Errorf("backend %q is not compiled in (build with -tags sqlite)", cfg.Backend)
		}
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	backend, err := opener(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}
	logger.Info("backend opened", "backend", cfg.Backend)
	return backend, nil
}

func openRedis(cfg *Config, logger *slog.Logger) (Backend, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisBackend(client, WithRedisLogger(logger), WithClientOwnership()), nil
}

func openBadger(cfg *Config, logger *slog.Logger) (Backend, error) {
	return NewBadgerBackend(cfg.BadgerPath, logger)
}
