package domain

import "sync"

// NameCache holds resolved conversation display names for the process
// lifetime. Reads are pure lookups with no I/O; population happens in
// background batches so list rendering never blocks on name
// resolution.
type NameCache struct {
	mu      sync.RWMutex
	names   map[string]string
	changes chan struct{}
}

func NewNameCache() *NameCache {
	return &NameCache{
		names:   make(map[string]string),
		changes: make(chan struct{}, 1),
	}
}

// Load seeds the cache from persistence without signaling a change.
func (c *NameCache) Load(batch map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, name := range batch {
		if id == "" || name == "" {
			continue
		}
		c.names[id] = name
	}
}

func (c *NameCache) DisplayName(conversationID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[conversationID]

	return name, ok
}

func (c *NameCache) SetDisplayName(conversationID, name string) {
	if conversationID == "" || name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[conversationID] = name
	c.notify()
}

func (c *NameCache) SetDisplayNames(batch map[string]string) {
	if len(batch) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, name := range batch {
		if id == "" || name == "" {
			continue
		}
		c.names[id] = name
	}
	c.notify()
}

// Invalidate drops one entry, used when the participant set or title
// of a conversation changes.
func (c *NameCache) Invalidate(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.names[conversationID]; !ok {
		return
	}
	delete(c.names, conversationID)
	c.notify()
}

// Clear empties the cache on sign-out so names never leak across
// accounts.
func (c *NameCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = make(map[string]string)
	c.notify()
}

// Snapshot copies the current contents for persistence flushes.
func (c *NameCache) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.names))
	for id, name := range c.names {
		out[id] = name
	}

	return out
}

func (c *NameCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.names)
}

func (c *NameCache) Changes() <-chan struct{} {
	return c.changes
}

func (c *NameCache) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}
