package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is a cached backend response.
type Record struct {
	// Payload is the response value as JSON. It is opaque to the cache.
	Payload json.RawMessage `json:"payload"`

	// Timestamp is when the payload was last refreshed from the backend.
	Timestamp time.Time `json:"timestamp"`
}

// Age returns how long ago the record was refreshed.
func (r *Record) Age(now time.Time) time.Duration {
	age := now.Sub(r.Timestamp)
	if age < 0 {
		return 0
	}
	return age
}

// Decode unmarshals the payload into v.
func (r *Record) Decode(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// IsFresh reports whether a record refreshed at timestamp is still within ttl.
func IsFresh(timestamp time.Time, ttl time.Duration) bool {
	return IsFreshAt(timestamp, ttl, time.Now())
}

// IsFreshAt is IsFresh against an explicit clock reading.
// A zero timestamp or a non-positive ttl is never fresh.
func IsFreshAt(timestamp time.Time, ttl time.Duration, now time.Time) bool {
	if timestamp.IsZero() || ttl <= 0 {
		return false
	}
	return now.Sub(timestamp) < ttl
}
