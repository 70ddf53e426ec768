package state

import "sync"

// ChannelCache maps player-name to channel-id; at most one channel per
// player. Unbounded in principle but small in practice (one entry per
// connected player), and entries are removed explicitly on Leave/Delete
// rather than aged out.
type ChannelCache struct {
	mu  sync.RWMutex
	byName map[string]string
}

// NewChannelCache returns an empty cache.
func NewChannelCache() *ChannelCache {
	return &ChannelCache{byName: make(map[string]string)}
}

// Join records that name is a member of channel, overwriting any prior
// membership (a player is in at most one channel).
func (c *ChannelCache) Join(name, channel string) {
	c.mu.Lock()
	c.byName[name] = channel
	c.mu.Unlock()
}

// Leave removes name's membership entirely. Join then Leave on the same
// channel leaves the cache identical to never having joined.
func (c *ChannelCache) Leave(name string) {
	c.mu.Lock()
	delete(c.byName, name)
	c.mu.Unlock()
}

// Delete removes every member of channel, used when a channel is deleted
// out from under its occupants.
func (c *ChannelCache) Delete(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, ch := range c.byName {
		if ch == channel {
			delete(c.byName, name)
		}
	}
}

// Of returns name's current channel, or "" if it is not in one.
func (c *ChannelCache) Of(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byName[name]
}

// SameChannel reports whether a and b share a non-empty channel (channel
// talk bypasses the spatial rules).
func (c *ChannelCache) SameChannel(a, b string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ca, okA := c.byName[a]
	cb, okB := c.byName[b]
	return okA && okB && ca != "" && ca == cb
}
