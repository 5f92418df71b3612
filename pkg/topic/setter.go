package topic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/topiq/topiq/pkg/metrics"
	"go.uber.org/zap"
)

// flushInterval is the periodic flush tick spec.md §4.5 mandates.
const flushInterval = 60 * time.Second

// abortCooldown is how long a failed flush holds the flushing latch
// before releasing it, so upstream retries do not hot-loop (spec.md
// §4.5 step 5).
const abortCooldown = 20 * time.Second

type appendEntry struct {
	payload     []byte
	shardingKey string
}

type compactedEntry struct {
	payload     []byte
	shardingKey string
	queuedAt    time.Time
}

// Setter is the log-compaction overlay of spec.md §4.5: it replays a
// topic's history to learn the last payload hash per compaction id,
// then suppresses writes that would be no-ops, batching the rest
// behind a single flusher.
type Setter struct {
	consumer *Consumer
	producer *Producer
	topic    string
	logger   *zap.Logger
	now      func() time.Time

	mu             sync.Mutex
	ready          bool
	memoryHash     map[string]string
	appendQueue    []appendEntry
	compactedQueue map[string]compactedEntry

	flushing      bool
	lastTriggerAt time.Time

	ticker     *time.Ticker
	tickerDone chan struct{}
}

// NewSetter builds a Setter over a consumer and producer the caller
// owns and has already constructed for the same topic, per spec.md
// §6's `TopicSetter(consumer, producer)`. The consumer must not be
// started yet, since Setter.Start starts it; the producer must already
// be started, since the setter never starts it.
func NewSetter(consumer *Consumer, producer *Producer, logger *zap.Logger) *Setter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Setter{
		consumer:       consumer,
		producer:       producer,
		topic:          consumer.topic,
		logger:         logger,
		now:            time.Now,
		memoryHash:     make(map[string]string),
		compactedQueue: make(map[string]compactedEntry),
	}
}

// Start begins the history replay from the beginning of the topic and
// starts the 60-second flush ticker. The setter becomes ready, and
// writes are accepted, once replay drains (spec.md §4.5 steps 1–3).
func (s *Setter) Start(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("setter: %w", err)
	}

	err := s.consumer.StreamMessagesFrom(ctx, s.onReplayMessage, 0, s.onReplayDrained, s.onReplayCrashed)
	if err != nil {
		return fmt.Errorf("setter: %w", err)
	}

	s.startTicker(ctx)
	return nil
}

func (s *Setter) onReplayMessage(m Message) error {
	if !m.HasCompactID {
		s.logger.Warn("message observed without a compaction id", zap.Int64("id", m.ID))
		return nil
	}
	s.mu.Lock()
	s.memoryHash[m.LogCompactID] = hashPayload(m.Payload)
	s.mu.Unlock()
	return nil
}

func (s *Setter) onReplayDrained() {
	s.mu.Lock()
	wasReady := s.ready
	s.ready = true
	s.mu.Unlock()
	if !wasReady {
		s.logger.Info("setter ready")
	}
}

func (s *Setter) onReplayCrashed(err error) {
	s.logger.Error("setter replay crashed", zap.Error(err))
}

func (s *Setter) startTicker(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	done := make(chan struct{})
	s.ticker = ticker
	s.tickerDone = done

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.TriggerWaitingMessages(ctx)
			}
		}
	}()
}

// isReady reports whether history replay has drained.
func (s *Setter) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// SetLogCompactedPayload enqueues a deduplicated write: if payload's
// structural hash matches the last confirmed write for compactionId,
// it is dropped; otherwise it overwrites any not-yet-flushed pending
// entry for the same id. See spec.md §4.5.
func (s *Setter) SetLogCompactedPayload(compactionId string, payload []byte, shardingKey string) error {
	if !s.isReady() {
		return ErrNotReady
	}

	h := hashPayload(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memoryHash[compactionId] == h {
		metrics.SetterSuppressedWritesTotal.WithLabelValues(s.topic).Inc()
		return nil
	}
	s.compactedQueue[compactionId] = compactedEntry{
		payload:     payload,
		shardingKey: shardingKey,
		queuedAt:    s.now(),
	}
	return nil
}

// SetPayload enqueues an un-deduplicated append, preserving insertion
// order. See spec.md §4.5.
func (s *Setter) SetPayload(payload []byte, shardingKey string) error {
	if !s.isReady() {
		return ErrNotReady
	}
	s.mu.Lock()
	s.appendQueue = append(s.appendQueue, appendEntry{payload: payload, shardingKey: shardingKey})
	s.mu.Unlock()
	return nil
}

// TriggerWaitingMessages runs the flush procedure of spec.md §4.5. If
// a flush is already running, it records the trigger and returns
// immediately; the running flush re-runs itself once more if it
// observes a trigger recorded after it started.
func (s *Setter) TriggerWaitingMessages(ctx context.Context) {
	s.mu.Lock()
	s.lastTriggerAt = s.now()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	s.mu.Unlock()

	s.runFlushLoop(ctx)
}

func (s *Setter) runFlushLoop(ctx context.Context) {
	for {
		start := s.now()
		if err := s.flushOnce(ctx); err != nil {
			metrics.SetterFlushesTotal.WithLabelValues(s.topic, "aborted").Inc()
			s.logger.Warn("flush aborted, will retry", zap.Error(err))
			time.AfterFunc(abortCooldown, func() {
				s.mu.Lock()
				s.flushing = false
				s.mu.Unlock()
			})
			return
		}
		metrics.SetterFlushesTotal.WithLabelValues(s.topic, "ok").Inc()

		s.mu.Lock()
		rerun := s.lastTriggerAt.After(start)
		if !rerun {
			s.flushing = false
		}
		s.mu.Unlock()
		if !rerun {
			return
		}
	}
}

// flushOnce drains the append queue in insertion order, then the
// compacted queue in ascending queuedAt order. A failing entry is left
// at the head of its queue (append) or in the map (compacted) so the
// next flush retries it; memoryHash is only updated on confirmed
// writes.
func (s *Setter) flushOnce(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.appendQueue) == 0 {
			s.mu.Unlock()
			break
		}
		entry := s.appendQueue[0]
		s.mu.Unlock()

		if err := s.producer.Push(ctx, entry.payload, entry.shardingKey); err != nil {
			return fmt.Errorf("append queue flush: %w", err)
		}

		s.mu.Lock()
		s.appendQueue = s.appendQueue[1:]
		s.mu.Unlock()
	}

	for {
		s.mu.Lock()
		id, entry, ok := oldestCompacted(s.compactedQueue)
		s.mu.Unlock()
		if !ok {
			break
		}

		if err := s.producer.Push(ctx, entry.payload, entry.shardingKey, id); err != nil {
			return fmt.Errorf("compacted queue flush: %w", err)
		}

		s.mu.Lock()
		delete(s.compactedQueue, id)
		s.memoryHash[id] = hashPayload(entry.payload)
		s.mu.Unlock()
	}

	return nil
}

func oldestCompacted(q map[string]compactedEntry) (string, compactedEntry, bool) {
	var (
		oldestID    string
		oldestEntry compactedEntry
		found       bool
	)
	for id, entry := range q {
		if !found || entry.queuedAt.Before(oldestEntry.queuedAt) {
			oldestID, oldestEntry, found = id, entry, true
		}
	}
	return oldestID, oldestEntry, found
}

// Stop tears down the setter's replay consumer and flush ticker. It
// does not stop the caller-owned producer.
func (s *Setter) Stop() {
	s.mu.Lock()
	done := s.tickerDone
	s.tickerDone = nil
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	s.consumer.Stop()
}
