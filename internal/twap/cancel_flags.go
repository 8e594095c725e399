package twap

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CancelFlags records which TWAP parents were canceled.
// Flags are checked at fire time and again immediately before submission.
type CancelFlags interface {
	Set(ctx context.Context, parentID string) error
	IsSet(ctx context.Context, parentID string) (bool, error)
}

// MemoryCancelFlags is a single-process flag set
type MemoryCancelFlags struct {
	mu    sync.RWMutex
	flags map[string]struct{}
}

// NewMemoryCancelFlags creates an empty flag set
func NewMemoryCancelFlags() *MemoryCancelFlags {
	return &MemoryCancelFlags{flags: make(map[string]struct{})}
}

func (f *MemoryCancelFlags) Set(_ context.Context, parentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[parentID] = struct{}{}
	return nil
}

func (f *MemoryCancelFlags) IsSet(_ context.Context, parentID string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.flags[parentID]
	return ok, nil
}

// RedisCancelFlags shares flags across service instances
type RedisCancelFlags struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCancelFlags stores flags under {prefix}twap:cancel:{parent} for ttl
func NewRedisCancelFlags(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCancelFlags {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisCancelFlags{client: client, prefix: prefix, ttl: ttl}
}

func (f *RedisCancelFlags) key(parentID string) string {
	return f.prefix + "twap:cancel:" + parentID
}

func (f *RedisCancelFlags) Set(ctx context.Context, parentID string) error {
	return f.client.Set(ctx, f.key(parentID), time.Now().UTC().Format(time.RFC3339), f.ttl).Err()
}

func (f *RedisCancelFlags) IsSet(ctx context.Context, parentID string) (bool, error) {
	n, err := f.client.Exists(ctx, f.key(parentID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
