package topic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/topiq/topiq/pkg/bus"
	"github.com/topiq/topiq/pkg/metrics"
	"github.com/topiq/topiq/pkg/store"
	"go.uber.org/zap"
)

// pollInterval is the ticker period spec.md §4.4 mandates.
const pollInterval = 1 * time.Second

// pollBatchSize bounds a single fetchAfter call; more than this drains
// across several ticks since moreMessages stays true after a full batch.
const pollBatchSize = 100

// consumerState is the state machine named in spec.md §4.4:
// New → Starting → Started → Streaming → {Stopped, Crashed}.
type consumerState int

const (
	stateNew consumerState = iota
	stateStarting
	stateStarted
	stateStreaming
	stateStopped
	stateCrashed
)

// Consumer drives the wake-driven polling loop over a topic: it owns
// cursor state, delivers messages through a user callback, and handles
// crash semantics. See spec.md §4.4.
type Consumer struct {
	store store.Store
	bus   bus.Bus
	topic string
	logger *zap.Logger

	mu    sync.Mutex
	state consumerState

	lastId           int64
	moreMessages     bool
	polling          bool
	drainedAnnounced bool

	onMessage func(Message) error
	onDrained func()
	onCrashed func(error)

	unsubscribe func()
	ticker      *time.Ticker
	tickerDone  chan struct{}

	debugHandlers map[uuid.UUID]func(string)
}

// NewConsumer constructs a Consumer over an already-open store and bus.
// Both are owned by the caller; Stop does not close them.
func NewConsumer(topicName string, s store.Store, b bus.Bus, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		store:         s,
		bus:           b,
		topic:         topicName,
		logger:        logger.With(zap.String("topic", topicName)),
		debugHandlers: make(map[uuid.UUID]func(string)),
	}
}

// Start moves New → Starting → Started. Re-entrancy is rejected with
// ErrAlreadyStarting.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateStopped || c.state == stateCrashed {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.state != stateNew {
		c.mu.Unlock()
		return ErrAlreadyStarting
	}
	c.state = stateStarting
	c.mu.Unlock()
	c.notifyDebug("starting")

	c.mu.Lock()
	c.state = stateStarted
	c.mu.Unlock()
	c.notifyDebug("started")

	_ = ctx
	c.logger.Info("consumer started")
	return nil
}

// AddDebugHandler registers a host-process introspection hook invoked
// with a human-readable description of each state transition. Returns
// an id the caller can pass to RemoveDebugHandler. See spec.md §6 and
// SPEC_FULL.md §7.
func (c *Consumer) AddDebugHandler(handler func(string)) uuid.UUID {
	id := uuid.New()
	c.mu.Lock()
	c.debugHandlers[id] = handler
	c.mu.Unlock()
	return id
}

func (c *Consumer) RemoveDebugHandler(id uuid.UUID) {
	c.mu.Lock()
	delete(c.debugHandlers, id)
	c.mu.Unlock()
}

func (c *Consumer) notifyDebug(msg string) {
	c.mu.Lock()
	handlers := make([]func(string), 0, len(c.debugHandlers))
	for _, h := range c.debugHandlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// StreamMessagesFrom moves Started → Streaming. Re-entrancy is rejected
// with ErrAlreadyStreaming. fromId is the cursor's starting high-water
// mark: 0 means "from the beginning" (first fetch uses afterID=0, which
// the store contract treats as "no lower bound" since ids start at 1).
func (c *Consumer) StreamMessagesFrom(ctx context.Context, onMessage func(Message) error, fromId int64, onDrained func(), onCrashed func(error)) error {
	c.mu.Lock()
	if c.state == stateStopped || c.state == stateCrashed {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.state != stateStarted {
		c.mu.Unlock()
		return ErrAlreadyStreaming
	}
	c.state = stateStreaming
	c.lastId = fromId
	c.moreMessages = true
	c.polling = false
	c.drainedAnnounced = false
	c.onMessage = onMessage
	c.onDrained = onDrained
	c.onCrashed = onCrashed
	c.mu.Unlock()

	channel := channelName(c.topic)
	cancel, err := c.bus.Subscribe(ctx, channel, c.onWakeToken, c.onLifecycle)
	if err != nil {
		c.mu.Lock()
		c.state = stateStopped
		c.mu.Unlock()
		return fmt.Errorf("consumer: subscribe: %w", err)
	}
	c.mu.Lock()
	c.unsubscribe = cancel
	c.mu.Unlock()

	c.startTicker(ctx)
	c.notifyDebug("streaming")
	return nil
}

func (c *Consumer) onWakeToken([]byte) {
	c.setMoreMessages()
}

func (c *Consumer) onLifecycle(ev bus.Lifecycle) {
	switch ev.Kind {
	case bus.FirstReady, bus.Reconnected:
		c.setMoreMessages()
		c.notifyDebug(fmt.Sprintf("bus lifecycle: kind=%d", ev.Kind))
	case bus.Reconnecting:
		c.notifyDebug(fmt.Sprintf("bus reconnecting: attempt=%d elapsed=%.1fs", ev.Attempt, ev.ElapsedSecs))
	}
}

// setMoreMessages is fired by a wake token or a FirstReady/Reconnected
// lifecycle event per spec.md §4.4. It also clears drainedAnnounced so
// onDrained can fire again after new activity.
func (c *Consumer) setMoreMessages() {
	c.mu.Lock()
	c.moreMessages = true
	c.drainedAnnounced = false
	c.mu.Unlock()
}

func (c *Consumer) startTicker(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	done := make(chan struct{})
	c.mu.Lock()
	c.ticker = ticker
	c.tickerDone = done
	c.mu.Unlock()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.tick(ctx)
			}
		}
	}()
}

// tick implements the per-second procedure of spec.md §4.4.
func (c *Consumer) tick(ctx context.Context) {
	c.mu.Lock()
	if c.state == stateStopped || c.state == stateCrashed {
		c.mu.Unlock()
		return
	}
	if !c.moreMessages && !c.polling {
		if !c.drainedAnnounced {
			c.drainedAnnounced = true
			onDrained := c.onDrained
			c.mu.Unlock()
			c.safeInvokeDrained(onDrained)
			return
		}
		c.mu.Unlock()
		return
	}
	if c.polling {
		c.mu.Unlock()
		return
	}
	c.polling = true
	c.mu.Unlock()

	c.pollStep(ctx)

	c.mu.Lock()
	c.polling = false
	c.mu.Unlock()
}

func (c *Consumer) safeInvokeDrained(onDrained func()) {
	if onDrained == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("onDrained callback panicked", zap.Any("panic", r))
		}
	}()
	onDrained()
}

// pollStep fetches the next batch and delivers it, advancing the
// cursor before each callback per spec.md §4.4's "advance then
// deliver" rule.
func (c *Consumer) pollStep(ctx context.Context) {
	c.mu.Lock()
	after := c.lastId
	c.mu.Unlock()

	start := time.Now()
	records, err := c.store.FetchAfter(ctx, c.topic, after, pollBatchSize)
	metrics.PollDuration.WithLabelValues(c.topic).Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("fetch failed, will retry next tick", zap.Error(err))
		return
	}

	if len(records) == 0 {
		c.mu.Lock()
		c.moreMessages = false
		c.mu.Unlock()
		return
	}

	for _, rec := range records {
		c.mu.Lock()
		c.lastId = rec.ID
		onMessage := c.onMessage
		c.mu.Unlock()

		if onMessage == nil {
			continue
		}

		if err := c.invokeOnMessage(onMessage, rec); err != nil {
			c.crash(err)
			return
		}
		metrics.DeliveriesTotal.WithLabelValues(c.topic).Inc()
	}

	c.mu.Lock()
	c.moreMessages = true
	c.mu.Unlock()
}

func (c *Consumer) invokeOnMessage(onMessage func(Message) error, rec store.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("onMessage panicked: %v", r)
		}
	}()
	return onMessage(messageFromRecord(rec))
}

// crash implements the CallbackThrew terminal error kind of spec.md
// §7: invoke onCrashed, then stop. No further callbacks fire after.
func (c *Consumer) crash(err error) {
	c.mu.Lock()
	c.state = stateCrashed
	onCrashed := c.onCrashed
	c.mu.Unlock()

	metrics.ConsumerCrashesTotal.WithLabelValues(c.topic).Inc()
	c.notifyDebug(fmt.Sprintf("crashed: %v", err))
	c.safeInvokeCrashed(onCrashed, err)
	c.Stop()
}

func (c *Consumer) safeInvokeCrashed(onCrashed func(error), err error) {
	if onCrashed == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("onCrashed callback panicked", zap.Any("panic", r))
		}
	}()
	onCrashed(err)
}

// Stop implements the sole cancellation mechanism of spec.md §5: it
// cancels the polling ticker, tears down the bus session, and latches
// stopped so subsequent public calls raise ErrStopped. It is safe to
// call from crash() (already-crashed) or externally (still-streaming).
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.state == stateStopped {
		c.mu.Unlock()
		return
	}
	c.state = stateStopped
	done := c.tickerDone
	unsubscribe := c.unsubscribe
	c.tickerDone = nil
	c.unsubscribe = nil
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	c.notifyDebug("stopped")
	c.logger.Info("consumer stopped")
}

// LastID returns the consumer's current cursor high-water mark.
func (c *Consumer) LastID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastId
}
