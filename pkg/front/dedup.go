package front

import (
	"sync"
	"time"
)

// dedupTTL is the window in which an identical (method,url) reuses the
// in-flight descriptor id instead of issuing a new one.
const dedupTTL = 5 * time.Second

type dedupEntry struct {
	id        string
	createdAt time.Time
	delivery  *Delivery
}

// dedupTable is the only Front-Proxy-local shared mutable state besides the
// caches; it guarantees at most one in-flight request descriptor per
// (method,url) pair within the TTL.
type dedupTable struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
	now     func() time.Time
}

func newDedupTable() *dedupTable {
	return &dedupTable{
		entries: make(map[string]dedupEntry),
		now:     time.Now,
	}
}

// acquire returns the id to use for (method,url) and whether the caller is
// the one that must write the descriptor. newID is only invoked when no live
// entry exists.
func (t *dedupTable) acquire(method, url string, newID func() string) (id string, isNew bool) {
	key := method + " " + url
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.entries[key]; ok && now.Sub(entry.createdAt) < dedupTTL {
		return entry.id, false
	}

	id = newID()
	t.entries[key] = dedupEntry{id: id, createdAt: now}
	t.gcLocked(now)
	return id, true
}

// finish records the completed delivery for the entry so a dedup hit after
// the descriptor files were consumed replays it instead of polling for a
// response that will never reappear.
func (t *dedupTable) finish(method, url, id string, d *Delivery) {
	key := method + " " + url
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[key]; ok && entry.id == id {
		entry.delivery = d
		t.entries[key] = entry
	}
}

// finished returns the delivery recorded for a still-live entry, if any.
func (t *dedupTable) finished(method, url, id string) *Delivery {
	key := method + " " + url
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok || entry.id != id || t.now().Sub(entry.createdAt) >= dedupTTL {
		return nil
	}
	return entry.delivery
}

// gcLocked drops entries long past the TTL so the table stays bounded.
func (t *dedupTable) gcLocked(now time.Time) {
	if len(t.entries) < 256 {
		return
	}
	for key, entry := range t.entries {
		if now.Sub(entry.createdAt) >= dedupTTL {
			delete(t.entries, key)
		}
	}
}
