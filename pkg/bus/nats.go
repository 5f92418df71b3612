package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrConnectTimeout is returned when the initial connection attempt
// does not succeed within NATSConfig.ConnectTimeout.
var ErrConnectTimeout = errors.New("bus: connect timeout")

// NATSConfig is the subset of spec.md §6's recognized options this
// adapter consumes (busHost, busPort), plus the initial-connect
// deadline spec.md §4.2 requires.
type NATSConfig struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
}

// NATS is a Bus backed by core NATS pub/sub (not JetStream): exactly
// the "ephemeral, at-most-once, best-effort" fabric spec.md §1 calls
// for. Reconnects are handled by the client library; this adapter
// surfaces that lifecycle via Subscribe's onLifecycle callback and
// explicitly re-issues the subscription on every reconnect, per
// spec.md §4.2.
type NATS struct {
	conn   *nats.Conn
	logger *zap.Logger

	mu               sync.Mutex
	onLifecycle      func(Lifecycle)
	disconnectedAt   time.Time
	reconnectBackoff *backoff.ExponentialBackOff
	subChannel       string
	subOnToken       func([]byte)
	sub              *nats.Subscription
}

// newReconnectBackoff builds the capped exponential backoff spec.md
// §4.2 requires: "exponential-style backoff capped at 5 seconds,
// retries forever." Grounded on the teacher's pkg/httputil/client.go
// request retry, which configures the same
// backoff.NewExponentialBackOff()/InitialInterval/MaxInterval shape.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // cap is on delay, not on attempts: retries forever
	return b
}

// OpenNATS connects to a NATS server, retrying with capped exponential
// backoff until NATSConfig.ConnectTimeout elapses (default 30s), at which
// point it fails with ErrConnectTimeout. Once connected, the underlying
// client retries reconnects forever with the same backoff policy.
func OpenNATS(ctx context.Context, cfg NATSConfig, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	b := &NATS{logger: logger, reconnectBackoff: newReconnectBackoff()}
	url := fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.Port)

	opts := []nats.Option{
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return b.onReconnectAttempt(attempts)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.onDisconnect(err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.onReconnected()
		}),
	}

	deadline := time.Now().Add(cfg.ConnectTimeout)
	attempt := 0
	var conn *nats.Conn
	var err error
	for {
		conn, err = nats.Connect(url, opts...)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		wait := b.nextBackoff()
		attempt++
		logger.Warn("bus connect retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	b.resetBackoff()

	logger.Info("bus connected", zap.String("url", url))
	b.conn = conn
	return b, nil
}

// Publish implements Bus. Publish is fire-and-forget; nats.Conn.Publish
// only returns an error for local validation/buffer failures, never
// delivery confirmation, matching the contract.
func (b *NATS) Publish(_ context.Context, channel string, token []byte) error {
	if err := b.conn.Publish(channel, token); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Subscribe implements Bus. It assumes a single logical subscriber per
// NATS connection (the engine opens one bus session per Producer or
// Consumer instance), so the most recent onLifecycle callback wins.
// The (channel, onToken) pair is retained so onReconnected can
// explicitly re-issue the subscription.
func (b *NATS) Subscribe(_ context.Context, channel string, onToken func([]byte), onLifecycle func(Lifecycle)) (func(), error) {
	b.mu.Lock()
	b.onLifecycle = onLifecycle
	b.subChannel = channel
	b.subOnToken = onToken
	b.mu.Unlock()

	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		onToken(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe: %w", err)
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()

	if onLifecycle != nil {
		onLifecycle(Lifecycle{Kind: FirstReady})
	}

	cancel := func() {
		b.mu.Lock()
		b.subOnToken = nil
		s := b.sub
		b.sub = nil
		b.mu.Unlock()
		if s != nil {
			_ = s.Unsubscribe()
		}
	}
	return cancel, nil
}

// Close implements Bus.
func (b *NATS) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *NATS) onDisconnect(err error) {
	b.mu.Lock()
	b.disconnectedAt = time.Now()
	b.mu.Unlock()
	if err != nil {
		b.logger.Warn("bus disconnected", zap.Error(err))
	}
}

func (b *NATS) onReconnectAttempt(attempt int) time.Duration {
	b.mu.Lock()
	elapsed := time.Since(b.disconnectedAt)
	cb := b.onLifecycle
	b.mu.Unlock()
	if cb != nil {
		cb(Lifecycle{Kind: Reconnecting, Attempt: attempt, ElapsedSecs: elapsed.Seconds()})
	}
	return b.nextBackoff()
}

// onReconnected re-issues the subscription explicitly before notifying
// the caller: spec.md §4.2 requires this on every reconnect rather
// than trusting the client library's own auto-resubscribe behavior.
func (b *NATS) onReconnected() {
	b.mu.Lock()
	downtime := time.Since(b.disconnectedAt)
	cb := b.onLifecycle
	b.mu.Unlock()

	b.resubscribe()
	b.resetBackoff()

	b.logger.Info("bus reconnected", zap.Float64("downtimeSecs", downtime.Seconds()))
	if cb != nil {
		cb(Lifecycle{Kind: Reconnected, DowntimeSecs: downtime.Seconds()})
	}
}

func (b *NATS) resubscribe() {
	b.mu.Lock()
	channel := b.subChannel
	onToken := b.subOnToken
	b.mu.Unlock()
	if onToken == nil {
		return
	}

	sub, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
		onToken(msg.Data)
	})
	if err != nil {
		b.logger.Warn("bus resubscribe failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	b.mu.Lock()
	old := b.sub
	b.sub = sub
	b.mu.Unlock()
	if old != nil {
		_ = old.Unsubscribe()
	}
}

func (b *NATS) nextBackoff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconnectBackoff.NextBackOff()
}

func (b *NATS) resetBackoff() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnectBackoff.Reset()
}

var _ Bus = (*NATS)(nil)
