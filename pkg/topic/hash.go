package topic

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// hashPayload computes a structural hash of a JSON payload: it decodes
// to a generic value and re-encodes before hashing, so two payloads
// that differ only in key order or whitespace hash equal (Go's
// encoding/json serializes map keys in sorted order). The same
// function hashes both incoming writes and replayed history.
// Timestamps reach it as JSON strings (encoding/json writes time.Time
// as RFC3339, i.e. ISO-8601) and are hashed as written; they are not
// reparsed, so two strings naming the same instant in different
// formats hash differently.
//
// Payloads that are not valid JSON are hashed as opaque bytes.
func hashPayload(payload []byte) string {
	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		sum := sha256.Sum256(payload)
		return hex.EncodeToString(sum[:])
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		sum := sha256.Sum256(payload)
		return hex.EncodeToString(sum[:])
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
