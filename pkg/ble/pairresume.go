package ble

import (
	"container/list"
	"sync"
	"time"

	"github.com/jwoglom/haprt/pkg/platform"
)

// DefaultPairResumeCapacity is the cache's fixed minimum capacity
// (spec.md §4.6).
const DefaultPairResumeCapacity = 8

// DefaultPairResumeLifetime bounds how long a cached entry remains valid.
const DefaultPairResumeLifetime = 1 * time.Hour

type resumeEntry struct {
	sessionID    string
	sharedSecret []byte
	expiry       time.Time
}

// PairResumeCache is a small LRU of (sessionID -> sharedSecret) records
// consulted at the start of Pair-Verify (spec.md §4.6 "Pair-Resume").
type PairResumeCache struct {
	mu       sync.Mutex
	clock    platform.Clock
	capacity int
	lifetime time.Duration
	ll       *list.List
	index    map[string]*list.Element
}

// NewPairResumeCache creates a cache with the given capacity (any value
// below DefaultPairResumeCapacity, including 0, selects
// DefaultPairResumeCapacity) and entry lifetime (0 selects
// DefaultPairResumeLifetime).
func NewPairResumeCache(clock platform.Clock, capacity int, lifetime time.Duration) *PairResumeCache {
	if capacity < DefaultPairResumeCapacity {
		capacity = DefaultPairResumeCapacity
	}
	if lifetime <= 0 {
		lifetime = DefaultPairResumeLifetime
	}
	return &PairResumeCache{
		clock:    clock,
		capacity: capacity,
		lifetime: lifetime,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Put installs or refreshes sessionID's shared secret, evicting the least
// recently used entry if the cache is at capacity.
func (c *PairResumeCache) Put(sessionID string, sharedSecret []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &resumeEntry{
		sessionID:    sessionID,
		sharedSecret: append([]byte(nil), sharedSecret...),
		expiry:       c.clock.Now().Add(c.lifetime),
	}
	if el, ok := c.index[sessionID]; ok {
		el.Value = entry
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(entry)
	c.index[sessionID] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*resumeEntry).sessionID)
		}
	}
}

// Lookup returns sessionID's cached shared secret and whether it was
// found and unexpired, promoting it to most-recently-used on a hit.
func (c *PairResumeCache) Lookup(sessionID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[sessionID]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*resumeEntry)
	if c.clock.Now().After(entry.expiry) {
		c.ll.Remove(el)
		delete(c.index, sessionID)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return append([]byte(nil), entry.sharedSecret...), true
}

// Remove discards sessionID's cached entry, e.g. when the pairing it
// belongs to is removed.
func (c *PairResumeCache) Remove(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[sessionID]; ok {
		c.ll.Remove(el)
		delete(c.index, sessionID)
	}
}

// Len reports the number of cached entries.
func (c *PairResumeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
