// workers/expiry_listener.go
package workers

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ExpiryHandler reacts to one expired fast-store key.
type ExpiryHandler interface {
	HandleExpiredKey(ctx context.Context, key string) error
}

// Subscriber opens the expired-key subscription.
type Subscriber interface {
	SubscribeExpirations(ctx context.Context) *redis.PubSub
}

// ExpiryListener forwards fast-store expiry events to the reconciler. Events
// are best effort; the scheduled sweep catches whatever is missed here.
type ExpiryListener struct {
	sub         Subscriber
	handler     ExpiryHandler
	settleDelay time.Duration
	retryDelay  time.Duration
	log         *zap.SugaredLogger
}

func NewExpiryListener(sub Subscriber, handler ExpiryHandler, settleDelay time.Duration, log *zap.SugaredLogger) *ExpiryListener {
	return &ExpiryListener{
		sub:         sub,
		handler:     handler,
		settleDelay: settleDelay,
		retryDelay:  5 * time.Second,
		log:         log,
	}
}

func (w *ExpiryListener) Start(ctx context.Context) {
	w.log.Info("🔁 Starting expiry listener (fast store → reconciler)…")
	go w.run(ctx)
}

func (w *ExpiryListener) run(ctx context.Context) {
	for {
		if err := w.listen(ctx); err != nil {
			w.log.Warnw("[EXPIRY] subscription dropped, retrying", "err", err, "retry_in", w.retryDelay)
		}
		select {
		case <-ctx.Done():
			w.log.Info("⏹️ Expiry listener stopped")
			return
		case <-time.After(w.retryDelay):
		}
	}
}

func (w *ExpiryListener) listen(ctx context.Context) error {
	pubsub := w.sub.SubscribeExpirations(ctx)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			w.dispatch(ctx, msg.Payload)
		}
	}
}

// dispatch handles one key after the settle delay, which gives a concurrent
// extension time to rewrite the record before the reconciler looks at it.
func (w *ExpiryListener) dispatch(ctx context.Context, key string) {
	go func() {
		if w.settleDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.settleDelay):
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := w.handler.HandleExpiredKey(ctx, key); err != nil {
			w.log.Errorw("[EXPIRY] ❌ failed to handle expired key", "key", key, "err", err)
		}
	}()
}
