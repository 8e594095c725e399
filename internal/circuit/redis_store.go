package circuit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis keys, relative to the configured prefix
const (
	stateKeySuffix = "circuit_breaker:state"
	auditKeySuffix = "circuit_breaker:audit"

	maxAuditEntries = 1000
	maxUpdateTries  = 10
)

// RedisStore keeps breaker state in Redis so all instances share one record.
// Updates use WATCH/MULTI so concurrent writers never lose a transition.
type RedisStore struct {
	client   redis.UniversalClient
	stateKey string
	auditKey string
}

var _ StateStore = (*RedisStore)(nil)

// NewRedisStore creates a store using keys under prefix (e.g. "exec:")
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client:   client,
		stateKey: prefix + stateKeySuffix,
		auditKey: prefix + auditKeySuffix,
	}
}

func (s *RedisStore) Init(ctx context.Context, rec Record) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to marshal breaker state: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.stateKey, data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to init breaker state in Redis: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Load(ctx context.Context) (*Record, error) {
	return s.load(ctx, s.client)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter) (*Record, error) {
	raw, err := c.Get(ctx, s.stateKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read breaker state from Redis: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupt breaker state: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Update(ctx context.Context, fn func(*Record) error) (*Record, error) {
	var out *Record
	txf := func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.stateKey, data, 0)
			return nil
		})
		if err == nil {
			out = rec
		}
		return err
	}

	for i := 0; i < maxUpdateTries; i++ {
		err := s.client.Watch(ctx, txf, s.stateKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("breaker state update contended after %d attempts", maxUpdateTries)
}

func (s *RedisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.auditKey, data)
		pipe.LTrim(ctx, s.auditKey, 0, maxAuditEntries-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, limit int) ([]AuditEntry, error) {
	raw, err := s.client.LRange(ctx, s.auditKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	out := make([]AuditEntry, 0, len(raw))
	for _, r := range raw {
		var e AuditEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
