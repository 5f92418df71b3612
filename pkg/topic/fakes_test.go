package topic

import (
	"context"
	"sync"

	"github.com/topiq/topiq/pkg/bus"
	"github.com/topiq/topiq/pkg/store"
)

// fakeStore is an in-memory store.Store used to exercise Producer,
// Consumer, and Setter without a live Postgres.
type fakeStore struct {
	mu       sync.Mutex
	counters map[string]int64
	records  map[string][]store.Record

	allocErr error
	insertErr error
	fetchErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		counters: make(map[string]int64),
		records:  make(map[string][]store.Record),
	}
}

func (f *fakeStore) AllocateNextID(_ context.Context, topic string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allocErr != nil {
		return 0, f.allocErr
	}
	f.counters[topic]++
	return f.counters[topic], nil
}

func (f *fakeStore) Insert(_ context.Context, topic string, rec store.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.records[topic] = append(f.records[topic], rec)
	return nil
}

func (f *fakeStore) FetchAfter(_ context.Context, topic string, afterID int64, limit int) ([]store.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []store.Record
	for _, rec := range f.records[topic] {
		if rec.ID > afterID {
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) Close() {}

type fakeSubscription struct {
	id      int
	onToken func([]byte)
}

// fakeBus is an in-memory bus.Bus: Publish delivers synchronously to
// every subscriber on the same channel, matching the broadcast
// semantics spec.md §5 describes.
type fakeBus struct {
	mu          sync.Mutex
	nextID      int
	subscribers map[string][]fakeSubscription
	publishErr  error
	closed      bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{subscribers: make(map[string][]fakeSubscription)}
}

func (b *fakeBus) Publish(_ context.Context, channel string, token []byte) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	subs := append([]fakeSubscription{}, b.subscribers[channel]...)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.onToken(token)
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, channel string, onToken func([]byte), onLifecycle func(bus.Lifecycle)) (func(), error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[channel] = append(b.subscribers[channel], fakeSubscription{id: id, onToken: onToken})
	b.mu.Unlock()

	if onLifecycle != nil {
		onLifecycle(bus.Lifecycle{Kind: bus.FirstReady})
	}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[channel]
		for i, sub := range subs {
			if sub.id == id {
				b.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return cancel, nil
}

func (b *fakeBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

var (
	_ store.Store = (*fakeStore)(nil)
	_ bus.Bus     = (*fakeBus)(nil)
)
