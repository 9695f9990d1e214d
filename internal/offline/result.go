package offline

import (
	"encoding/json"
	"time"
)

// Outcome says what happened to a gateway call.
type Outcome int

const (
	// Failed means the call did not succeed and nothing was queued.
	Failed Outcome = iota
	// Delivered means the server answered successfully.
	Delivered
	// Queued means the write was stored for later delivery.
	Queued
	// FromCache means the read failed and a cached response was returned.
	FromCache
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	case FromCache:
		return "from_cache"
	default:
		return "failed"
	}
}

// MarshalText renders the outcome name in JSON output.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Result is returned by every gateway call.
type Result struct {
	Outcome Outcome         `json:"outcome"`
	Data    json.RawMessage `json:"data,omitempty"`
	// QueueID and EntityRef are set for Queued writes.
	QueueID   int64  `json:"queue_id,omitempty"`
	EntityRef string `json:"entity_ref,omitempty"`
	// CachedAt is when a FromCache response was stored.
	CachedAt time.Time `json:"cached_at,omitzero"`
}

// Offline reports whether the write was queued instead of delivered.
func (r Result) Offline() bool { return r.Outcome == Queued }

// FromCache reports whether the data came from the read cache.
func (r Result) FromCache() bool { return r.Outcome == FromCache }
