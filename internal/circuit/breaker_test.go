package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(t *testing.T, store StateStore) (*Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)}
	b := NewBreaker(store, Options{QuietPeriod: 5 * time.Minute}, zerolog.Nop())
	b.now = clock.Now
	_, err := b.Init(context.Background())
	require.NoError(t, err)
	return b, clock
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test:"), mr
}

// ============================================================================
// State machine
// ============================================================================

func runStateMachine(t *testing.T, store StateStore) {
	ctx := context.Background()
	b, clock := newTestBreaker(t, store)

	rec, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, rec.State)

	rec, err = b.Trip(ctx, "daily loss 5200 exceeds limit 5000", "")
	require.NoError(t, err)
	assert.Equal(t, StateTripped, rec.State)
	assert.Equal(t, 1, rec.TripCountToday)
	require.NotNil(t, rec.TripReason)

	tripped, err := b.IsTripped(ctx)
	require.NoError(t, err)
	assert.True(t, tripped)

	rec, err = b.Reset(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, StateQuietPeriod, rec.State)
	assert.True(t, rec.AllowsTrading())

	clock.Advance(4 * time.Minute)
	rec, err = b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateQuietPeriod, rec.State)

	clock.Advance(time.Minute)
	rec, err = b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, rec.State)

	history, err := b.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, ActionQuietEnded, history[0].Action)
	assert.Equal(t, ActionReset, history[1].Action)
	assert.Equal(t, "alice", history[1].Actor)
	assert.Equal(t, ActionTrip, history[2].Action)
	assert.Equal(t, ActionInit, history[3].Action)
}

func TestBreakerStateMachine(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		runStateMachine(t, NewMemoryStore())
	})
	t.Run("redis", func(t *testing.T) {
		store, _ := newRedisStore(t)
		runStateMachine(t, store)
	})
}

func TestTripIsIdempotentWhileTripped(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t, NewMemoryStore())

	_, err := b.Trip(ctx, "drawdown", "")
	require.NoError(t, err)
	rec, err := b.Trip(ctx, "stale prices", "")
	require.NoError(t, err)

	assert.Equal(t, 1, rec.TripCountToday)
	assert.Equal(t, "drawdown", *rec.TripReason)
}

func TestTripCountResetsOnNewDay(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(t, NewMemoryStore())

	_, err := b.Trip(ctx, "first", "")
	require.NoError(t, err)
	_, err = b.Reset(ctx, "ops")
	require.NoError(t, err)
	rec, err := b.Trip(ctx, "second", "")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.TripCountToday)

	_, err = b.Reset(ctx, "ops")
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	rec, err = b.Trip(ctx, "next day", "")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TripCountToday)
}

func TestTripDuringQuietPeriod(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t, NewMemoryStore())

	_, err := b.Trip(ctx, "loss", "")
	require.NoError(t, err)
	_, err = b.Reset(ctx, "ops")
	require.NoError(t, err)

	rec, err := b.Trip(ctx, "loss again", "")
	require.NoError(t, err)
	assert.Equal(t, StateTripped, rec.State)
	assert.Nil(t, rec.ResetAt)
}

// ============================================================================
// Reset guards
// ============================================================================

func TestResetGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("not tripped", func(t *testing.T) {
		b, _ := newTestBreaker(t, NewMemoryStore())
		_, err := b.Reset(ctx, "ops")
		assert.ErrorIs(t, err, ErrNotTripped)
	})

	t.Run("actor required", func(t *testing.T) {
		b, _ := newTestBreaker(t, NewMemoryStore())
		_, err := b.Trip(ctx, "loss", "")
		require.NoError(t, err)
		_, err = b.Reset(ctx, "  ")
		assert.ErrorIs(t, err, ErrActorRequired)
	})

	t.Run("conditions still breached", func(t *testing.T) {
		b, _ := newTestBreaker(t, NewMemoryStore())
		b.SetConditionChecker(ConditionCheckerFunc(func(ctx context.Context) ([]string, error) {
			return []string{"drawdown 12% exceeds 10%"}, nil
		}))
		_, err := b.Trip(ctx, "drawdown", "")
		require.NoError(t, err)

		_, err = b.Reset(ctx, "ops")
		assert.ErrorIs(t, err, ErrConditionsNotCleared)

		rec, err := b.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, StateTripped, rec.State)
	})

	t.Run("checker error blocks reset", func(t *testing.T) {
		b, _ := newTestBreaker(t, NewMemoryStore())
		b.SetConditionChecker(ConditionCheckerFunc(func(ctx context.Context) ([]string, error) {
			return nil, errors.New("account unavailable")
		}))
		_, err := b.Trip(ctx, "drawdown", "")
		require.NoError(t, err)
		_, err = b.Reset(ctx, "ops")
		assert.Error(t, err)
	})

	t.Run("empty reason rejected", func(t *testing.T) {
		b, _ := newTestBreaker(t, NewMemoryStore())
		_, err := b.Trip(ctx, "", "ops")
		assert.ErrorIs(t, err, ErrReasonRequired)
	})
}

// ============================================================================
// Fail-closed and shared state
// ============================================================================

func TestIsTrippedFailsClosed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	b, _ := newTestBreaker(t, store)

	store.SetFailure(errors.New("connection refused"))
	tripped, err := b.IsTripped(ctx)
	assert.Error(t, err)
	assert.True(t, tripped)
}

func TestRedisStateSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)
	a, _ := newTestBreaker(t, store)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	other := NewBreaker(NewRedisStore(client, "test:"), Options{}, zerolog.Nop())

	_, err := a.Trip(ctx, "manual halt", "ops")
	require.NoError(t, err)

	// Init on a second instance must not clobber the tripped record
	rec, err := other.Init(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTripped, rec.State)
}

func TestRedisConcurrentTrips(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	b, _ := newTestBreaker(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Trip(ctx, "concurrent", "")
		}()
	}
	wg.Wait()

	rec, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTripped, rec.State)
	assert.Equal(t, 1, rec.TripCountToday)
}

func TestTransitionListener(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t, NewMemoryStore())

	var got []string
	b.OnTransition(func(rec Record, e AuditEntry) {
		got = append(got, e.Action+":"+string(rec.State))
	})

	_, err := b.Trip(ctx, "loss", "")
	require.NoError(t, err)
	_, err = b.Reset(ctx, "ops")
	require.NoError(t, err)

	assert.Equal(t, []string{"trip:TRIPPED", "reset:QUIET_PERIOD"}, got)
}
