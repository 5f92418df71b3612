package topic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func readyBootstrappedSetter(t *testing.T, s *fakeStore, b *fakeBus, topic string) (*Setter, *Producer) {
	t.Helper()
	p := NewProducer(topic, s, b, nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)

	c := NewConsumer(topic, s, b, nil)
	setter := NewSetter(c, p, nil)
	require.NoError(t, setter.Start(context.Background()))
	t.Cleanup(setter.Stop)

	// Replay drains on the tick after the first empty fetch: about two
	// poll intervals for an empty topic, one more per batch of history.
	require.Eventually(t, func() bool { return setter.isReady() }, 5*time.Second, 10*time.Millisecond)
	return setter, p
}

func TestSetterRefusesWritesBeforeReady(t *testing.T) {
	s := newFakeStore()
	b := newFakeBus()
	p := NewProducer("widgets", s, b, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	c := NewConsumer("widgets", s, b, nil)
	setter := NewSetter(c, p, nil)
	defer setter.Stop()

	err := setter.SetPayload([]byte(`{}`), "k")
	require.ErrorIs(t, err, ErrNotReady)

	err = setter.SetLogCompactedPayload("u1", []byte(`{"v":1}`), "k")
	require.ErrorIs(t, err, ErrNotReady)
}

func TestSetterDedupesRepeatedCompactedPayload(t *testing.T) {
	s := newFakeStore()
	b := newFakeBus()
	setter, p := readyBootstrappedSetter(t, s, b, "widgets")

	require.NoError(t, setter.SetLogCompactedPayload("u1", []byte(`{"v":1}`), "k"))
	setter.TriggerWaitingMessages(context.Background())
	require.Eventually(t, func() bool {
		recs, _ := s.FetchAfter(context.Background(), "widgets", 0, 10)
		return len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, setter.SetLogCompactedPayload("u1", []byte(`{"v":1}`), "k"))
	setter.TriggerWaitingMessages(context.Background())
	time.Sleep(50 * time.Millisecond)

	recs, err := s.FetchAfter(context.Background(), "widgets", 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1, "the unchanged second write must be dropped before ever reaching the producer")
	_ = p
}

func TestSetterLatestCompactedWriteWinsBeforeFlush(t *testing.T) {
	s := newFakeStore()
	b := newFakeBus()
	setter, _ := readyBootstrappedSetter(t, s, b, "widgets")

	require.NoError(t, setter.SetLogCompactedPayload("u1", []byte(`{"v":1}`), "k"))
	require.NoError(t, setter.SetLogCompactedPayload("u1", []byte(`{"v":2}`), "k"))
	setter.TriggerWaitingMessages(context.Background())

	require.Eventually(t, func() bool {
		recs, _ := s.FetchAfter(context.Background(), "widgets", 0, 10)
		return len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	recs, err := s.FetchAfter(context.Background(), "widgets", 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.JSONEq(t, `{"v":2}`, string(recs[0].Payload))
}

func TestSetterAppendQueuePreservesOrder(t *testing.T) {
	s := newFakeStore()
	b := newFakeBus()
	setter, _ := readyBootstrappedSetter(t, s, b, "widgets")

	require.NoError(t, setter.SetPayload([]byte(`{"v":1}`), "k"))
	require.NoError(t, setter.SetPayload([]byte(`{"v":2}`), "k"))
	require.NoError(t, setter.SetPayload([]byte(`{"v":3}`), "k"))
	setter.TriggerWaitingMessages(context.Background())

	require.Eventually(t, func() bool {
		recs, _ := s.FetchAfter(context.Background(), "widgets", 0, 10)
		return len(recs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	recs, err := s.FetchAfter(context.Background(), "widgets", 0, 10)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(recs[0].Payload))
	require.JSONEq(t, `{"v":2}`, string(recs[1].Payload))
	require.JSONEq(t, `{"v":3}`, string(recs[2].Payload))
}

func TestSetterBootstrapsMemoryHashFromHistory(t *testing.T) {
	s := newFakeStore()
	b := newFakeBus()

	seed := NewProducer("widgets", s, b, nil)
	require.NoError(t, seed.Start(context.Background()))
	require.NoError(t, seed.Push(context.Background(), []byte(`{"v":1}`), "k", "u1"))
	seed.Stop()

	setter, _ := readyBootstrappedSetter(t, s, b, "widgets")

	// u1 already has hash(v:1) in history; setting the same payload
	// again must be suppressed without ever calling the producer.
	require.NoError(t, setter.SetLogCompactedPayload("u1", []byte(`{"v":1}`), "k"))
	setter.TriggerWaitingMessages(context.Background())
	time.Sleep(50 * time.Millisecond)

	recs, err := s.FetchAfter(context.Background(), "widgets", 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1, "only the seeded message should exist; the dedup write must be dropped")
}
