// Package topic implements the ordered-append protocol, the wake-driven
// streaming protocol, and the log-compaction setter described by
// spec.md §4 — the three hard parts named in spec.md §1, on top of the
// store.Store and bus.Bus adapters.
package topic

import (
	"encoding/json"
	"time"

	"github.com/topiq/topiq/pkg/store"
)

// Message is the caller-facing view of a store.Record: the typed
// payload plus the metadata an onMessage callback needs. Payload is
// json.RawMessage so encoding a Message embeds the original JSON
// rather than base64-encoding an opaque byte slice.
type Message struct {
	CreatedAt    time.Time
	ShardingKey  string
	LogCompactID string
	Payload      json.RawMessage
	ID           int64
	HasCompactID bool
}

func messageFromRecord(rec store.Record) Message {
	return Message{
		ID:           rec.ID,
		CreatedAt:    rec.CreatedAt,
		ShardingKey:  rec.ShardingKey,
		LogCompactID: rec.LogCompactID,
		HasCompactID: rec.HasCompactID,
		Payload:      rec.Payload,
	}
}

// channelName returns the signal-bus channel for a topic, per spec.md
// §6: "TOPIC-" + topicName.
func channelName(topicName string) string {
	return "TOPIC-" + topicName
}
