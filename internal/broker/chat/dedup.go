package chat

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup suppresses redelivered chat events. The events API retries on slow
// acks, so every event id is checked against an LRU of recently seen ids;
// entries older than the TTL are treated as unseen again.
type Dedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

// NewDedup creates a dedup cache holding up to size event ids.
func NewDedup(size int, ttl time.Duration) (*Dedup, error) {
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &Dedup{cache: cache, ttl: ttl, now: time.Now}, nil
}

// Seen records the event id and reports whether it was already seen within
// the TTL.
func (d *Dedup) Seen(eventID string) bool {
	if eventID == "" {
		return false
	}
	now := d.now()
	if at, ok := d.cache.Get(eventID); ok && now.Sub(at) < d.ttl {
		return true
	}
	d.cache.Add(eventID, now)
	return false
}
