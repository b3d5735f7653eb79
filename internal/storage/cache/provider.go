// Package cache provides short-lived keyed markers used for webhook
// idempotency and token revocation.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// Provider is a TTL key store.
type Provider interface {
	// Add stores key until ttl elapses unless it is already present and
	// reports whether it was stored.
	Add(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config selects and configures a Provider.
type Config struct {
	// Provider is "memory" or "redis".
	Provider string `default:"memory"`
	RedisURL string `default:"redis://localhost:6379/0"`
	// Size bounds the number of keys kept by the memory provider.
	Size int `default:"10000"`
}

// NewProvider creates the configured Provider.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "memory", "":
		return NewMemoryProvider(cfg.Size)
	case "redis":
		return NewRedisProvider(ctx, cfg.RedisURL)
	default:
		return nil, errors.Errorf("unsupported cache provider: %s", cfg.Provider)
	}
}

// WebhookKey is the key of a processed provider event.
func WebhookKey(eventKey string) string {
	return fmt.Sprintf("webhook:%s", eventKey)
}

// RevokedKey is the key of a revoked token.
func RevokedKey(tokenID string) string {
	return fmt.Sprintf("revoked:%s", tokenID)
}
