// Package cache holds recently answered questions so an identical ask can be
// served without rerunning the pipeline. Entries are keyed by a fingerprint
// of the question, the context version, and the result-affecting settings;
// in-flight asks leave a pending marker so concurrent duplicates attach to
// the first task instead of racing it.
package cache

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

// Key identifies one cacheable ask.
type Key string

// KeyFor fingerprints an ask. Any input that can change the produced SQL is
// part of the key; anything else (trace ids, timeouts) must not be.
func KeyFor(question, contextVersion, settingsFingerprint string) Key {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%s\x00%s", strings.TrimSpace(question), contextVersion, settingsFingerprint)
	return Key(fmt.Sprintf("%016x", h.Sum64()))
}

// State of a cache entry.
type State string

const (
	// StatePending marks a key owned by an in-flight task. Duplicates poll
	// that task instead of starting their own.
	StatePending State = "pending"
	StateReady   State = "ready"
)

// Entry is what a lookup returns. TaskID is the task that owns or produced
// the entry; Value is only meaningful when State is StateReady.
type Entry[V any] struct {
	State  State
	TaskID string
	Value  V
}

type record[V any] struct {
	key     Key
	entry   Entry[V]
	expires time.Time
}

// Cache is a fixed-capacity LRU with per-entry TTL. All methods are safe for
// concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	order *list.List // front = most recent, elements hold *record[V]
	index map[Key]*list.Element
}

// New creates a cache. A zero clock defaults to time.Now; maxSize and ttl
// must be positive.
func New[V any](maxSize int, ttl time.Duration, clock func() time.Time) *Cache[V] {
	if clock == nil {
		clock = time.Now
	}
	return &Cache[V]{
		maxSize: maxSize,
		ttl:     ttl,
		now:     clock,
		order:   list.New(),
		index:   make(map[Key]*list.Element),
	}
}

// Lookup returns the live entry for key, promoting ready hits to most
// recently used. Expired entries are dropped on the way.
func (c *Cache[V]) Lookup(key Key) (Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return Entry[V]{}, false
	}
	rec := el.Value.(*record[V])
	if !c.now().Before(rec.expires) {
		c.remove(el)
		return Entry[V]{}, false
	}
	if rec.entry.State == StateReady {
		c.order.MoveToFront(el)
	}
	return rec.entry, true
}

// Begin claims key for taskID. The first caller wins and gets owner=true
// with a pending marker installed; later callers get owner=false and the
// existing entry, which is either another task's pending marker or a ready
// result. An expired entry does not block a new claim.
func (c *Cache[V]) Begin(key Key, taskID string) (owner bool, existing Entry[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		rec := el.Value.(*record[V])
		if c.now().Before(rec.expires) {
			return false, rec.entry
		}
		c.remove(el)
	}

	rec := &record[V]{
		key:     key,
		entry:   Entry[V]{State: StatePending, TaskID: taskID},
		expires: c.now().Add(c.ttl),
	}
	c.index[key] = c.order.PushFront(rec)
	c.evict()
	return true, Entry[V]{}
}

// Commit publishes the owner's result, resetting the TTL. Calls from a task
// that no longer owns the key are dropped: its marker was evicted or taken
// over, and a newer claim must not be clobbered.
func (c *Cache[V]) Commit(key Key, taskID string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return
	}
	rec := el.Value.(*record[V])
	if rec.entry.State != StatePending || rec.entry.TaskID != taskID {
		return
	}
	rec.entry = Entry[V]{State: StateReady, TaskID: taskID, Value: value}
	rec.expires = c.now().Add(c.ttl)
	c.order.MoveToFront(el)
}

// Abort withdraws the owner's pending marker so the key can be claimed
// again. Failed and canceled asks must never leave a marker behind.
func (c *Cache[V]) Abort(key Key, taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return
	}
	rec := el.Value.(*record[V])
	if rec.entry.State == StatePending && rec.entry.TaskID == taskID {
		c.remove(el)
	}
}

// Sweep drops every expired entry and reports how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		rec := el.Value.(*record[V])
		if !c.now().Before(rec.expires) {
			c.remove(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Len reports live entries, pending markers included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// evict trims to capacity, preferring the least recently used ready entry so
// an in-flight marker is only displaced when nothing else can be.
func (c *Cache[V]) evict() {
	for c.order.Len() > c.maxSize {
		var victim *list.Element
		for el := c.order.Back(); el != nil; el = el.Prev() {
			if el.Value.(*record[V]).entry.State == StateReady {
				victim = el
				break
			}
		}
		if victim == nil {
			victim = c.order.Back()
		}
		c.remove(victim)
	}
}

func (c *Cache[V]) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.index, el.Value.(*record[V]).key)
}
