package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"challenge-ladder/services"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type keyRecorder struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (r *keyRecorder) HandleExpiredKey(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return r.err
}

func (r *keyRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func startListener(t *testing.T, handler ExpiryHandler, settle time.Duration) (*miniredis.Miniredis, context.CancelFunc) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop().Sugar()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	NewExpiryListener(services.NewFastStore(rdb, log), handler, settle, log).Start(ctx)
	return mr, cancel
}

func publishWhenSubscribed(t *testing.T, mr *miniredis.Miniredis, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mr.Publish("__keyevent@0__:expired", key) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExpiryListenerForwardsKeys(t *testing.T) {
	rec := &keyRecorder{}
	mr, _ := startListener(t, rec, 0)

	publishWhenSubscribed(t, mr, services.ChallengeKey(3, 5))
	mr.Publish("__keyevent@0__:expired", services.WarningKey(7, 9))

	require.Eventually(t, func() bool { return len(rec.seen()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"challenge:3:5", "challenge-warning:7:9"}, rec.seen())
}

func TestExpiryListenerWaitsForSettleDelay(t *testing.T) {
	rec := &keyRecorder{}
	mr, _ := startListener(t, rec, 200*time.Millisecond)

	publishWhenSubscribed(t, mr, services.ChallengeKey(3, 5))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.seen(), "handled only after the settle delay")

	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestExpiryListenerKeepsGoingAfterHandlerError(t *testing.T) {
	rec := &keyRecorder{err: errors.New("ladder down")}
	mr, _ := startListener(t, rec, 0)

	publishWhenSubscribed(t, mr, services.ChallengeKey(3, 5))
	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)

	mr.Publish("__keyevent@0__:expired", services.ChallengeKey(1, 2))
	require.Eventually(t, func() bool { return len(rec.seen()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestExpiryListenerStopsOnCancel(t *testing.T) {
	rec := &keyRecorder{}
	mr, cancel := startListener(t, rec, 0)

	publishWhenSubscribed(t, mr, services.ChallengeKey(3, 5))
	require.Eventually(t, func() bool { return len(rec.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		return mr.Publish("__keyevent@0__:expired", services.ChallengeKey(1, 2)) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, rec.seen(), 1)
}
