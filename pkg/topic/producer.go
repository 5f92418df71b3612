package topic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/topiq/topiq/pkg/bus"
	"github.com/topiq/topiq/pkg/metrics"
	"github.com/topiq/topiq/pkg/retry"
	"github.com/topiq/topiq/pkg/store"
	"go.uber.org/zap"
)

// publishRetryInterval is the fixed interval spec.md §4.3 mandates for
// retrying a failed wake publish: "a retry is scheduled after 10
// seconds and repeats indefinitely while the producer is alive".
const publishRetryInterval = 10 * time.Second

// Producer appends messages to a topic with strict ordering, then
// fires an advisory wake token. See spec.md §4.3.
type Producer struct {
	store store.Store
	bus   bus.Bus
	topic string
	now   func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	starting bool
	started  bool
	stopped  bool
	// ctx bounds background wake-retry goroutines to the producer's own
	// lifetime, independent of any single Push call's context.
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// NewProducer constructs a Producer over an already-open store and
// bus. Both are owned by the caller; Stop does not close them.
func NewProducer(topicName string, s store.Store, b bus.Bus, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		store:  s,
		bus:    b,
		topic:  topicName,
		now:    time.Now,
		logger: logger.With(zap.String("topic", topicName)),
	}
}

// Start marks the producer started and creates the lifetime context
// that bounds background wake retries. A second concurrent Start
// fails with ErrAlreadyStarting; Start after Stop fails with
// ErrStopped.
func (p *Producer) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.starting {
		p.mu.Unlock()
		return ErrAlreadyStarting
	}
	p.starting = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.starting = false
		p.mu.Unlock()
	}()

	bgCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.started = true
	p.ctx = bgCtx
	p.cancel = cancel
	p.mu.Unlock()

	p.logger.Info("producer started")
	_ = ctx
	return nil
}

// Push implements the two-step append protocol from spec.md §4.3:
// allocate a strictly monotonic id, then durably insert. The id is
// burned on any insert failure — no retry reuses it.
func (p *Producer) Push(ctx context.Context, payload []byte, shardingKey string, logCompactID ...string) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	id, err := p.store.AllocateNextID(ctx, p.topic)
	if err != nil {
		metrics.PushesTotal.WithLabelValues(p.topic, "alloc_failed").Inc()
		return fmt.Errorf("producer: %w", err)
	}

	rec := store.Record{
		ID:          id,
		CreatedAt:   p.now(),
		ShardingKey: shardingKey,
		Payload:     payload,
	}
	if len(logCompactID) > 0 && logCompactID[0] != "" {
		rec.LogCompactID = logCompactID[0]
		rec.HasCompactID = true
	}

	if err := p.store.Insert(ctx, p.topic, rec); err != nil {
		// id is burned: no retry reuses it, per spec.md §4.3.
		metrics.PushesTotal.WithLabelValues(p.topic, "insert_not_acknowledged").Inc()
		return fmt.Errorf("producer: %w", err)
	}

	metrics.PushesTotal.WithLabelValues(p.topic, "ok").Inc()
	p.fireWake(ctx)
	return nil
}

// fireWake publishes the wake token without blocking the caller. A
// failed publish is retried on publishRetryInterval forever, per
// spec.md §4.3 and §7 (SignalPublishFailed is swallowed).
func (p *Producer) fireWake(ctx context.Context) {
	channel := channelName(p.topic)
	if err := p.bus.Publish(ctx, channel, bus.WakeToken); err == nil {
		return
	}

	p.mu.Lock()
	bgCtx := p.ctx
	p.mu.Unlock()
	if bgCtx == nil {
		bgCtx = context.Background()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-bgCtx.Done():
			return
		case <-time.After(publishRetryInterval):
		}
		retry.Forever(bgCtx, publishRetryInterval, func() error {
			return p.bus.Publish(bgCtx, channel, bus.WakeToken)
		}, func(err error) {
			p.logger.Warn("wake publish failed, retrying", zap.Error(err))
		})
	}()
}

// Stop cancels pending wake retries and latches the producer stopped;
// subsequent operations fail with ErrStopped. The caller-owned store
// and bus are left open.
func (p *Producer) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.logger.Info("producer stopped")
}
