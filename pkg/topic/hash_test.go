package topic

import "testing"

func TestHashPayloadIgnoresKeyOrder(t *testing.T) {
	a := hashPayload([]byte(`{"a":1,"b":2}`))
	b := hashPayload([]byte(`{"b":2,"a":1}`))
	if a != b {
		t.Fatalf("expected equal hashes for reordered keys, got %s != %s", a, b)
	}
}

func TestHashPayloadDiffersOnValueChange(t *testing.T) {
	a := hashPayload([]byte(`{"v":1}`))
	b := hashPayload([]byte(`{"v":2}`))
	if a == b {
		t.Fatalf("expected different hashes for different values")
	}
}

func TestHashPayloadIgnoresWhitespace(t *testing.T) {
	a := hashPayload([]byte(`{"at":"2024-01-01T00:00:00Z"}`))
	b := hashPayload([]byte(`{"at":  "2024-01-01T00:00:00Z"  }`))
	if a != b {
		t.Fatalf("expected whitespace-insensitive hashing, got %s != %s", a, b)
	}
}
