// Package state holds the relay's shared, mutable caches: player
// positions, channel membership, and the live connection registry. Reads
// from the audio-dispatch hot path are lock-free or read-mostly; writes
// happen at game-tick rate (5-10 Hz per player) and serialize behind each cache's single lock.
package state

import (
	"sync"
	"time"

	"nearcast/internal/playerstate"
)

// PositionCache holds the most recently known PlayerState for every player
// the relay has seen, keyed by name. Entries expire after playerstate.TTL
// (5 minutes) of inactivity. Updates are idempotent overwrites: applying
// the same PlayerState twice leaves the cache identical to applying it
// once.
type PositionCache struct {
	mu    sync.RWMutex
	byKey map[string]playerstate.PlayerState
}

// NewPositionCache returns an empty cache.
func NewPositionCache() *PositionCache {
	return &PositionCache{byKey: make(map[string]playerstate.PlayerState)}
}

// Upsert overwrites the entry for p.Name, stamping LastSeen to now.
func (c *PositionCache) Upsert(p playerstate.PlayerState, now time.Time) {
	p.LastSeen = now
	c.mu.Lock()
	c.byKey[p.Name] = p
	c.mu.Unlock()
}

// Get returns the current state for name, if present and not expired.
func (c *PositionCache) Get(name string, now time.Time) (playerstate.PlayerState, bool) {
	c.mu.RLock()
	p, ok := c.byKey[name]
	c.mu.RUnlock()
	if !ok || p.Expired(now) {
		return playerstate.PlayerState{}, false
	}
	return p, true
}

// Remove deletes name's entry, used on disconnect cleanup.
func (c *PositionCache) Remove(name string) {
	c.mu.Lock()
	delete(c.byKey, name)
	c.mu.Unlock()
}

// Snapshot returns every non-expired player.
func (c *PositionCache) Snapshot(now time.Time) []playerstate.PlayerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]playerstate.PlayerState, 0, len(c.byKey))
	for _, p := range c.byKey {
		if !p.Expired(now) {
			out = append(out, p)
		}
	}
	return out
}

// EvictExpired removes every entry whose TTL has elapsed as of now, and
// reports how many were removed. Intended to be called periodically so the
// cache stays bounded even for players who disconnect without a clean
// ChannelEvent/close.
func (c *PositionCache) EvictExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for name, p := range c.byKey {
		if p.Expired(now) {
			delete(c.byKey, name)
			n++
		}
	}
	return n
}

// Len reports the current entry count, for tests and metrics.
func (c *PositionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}
