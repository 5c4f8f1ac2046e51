package gradient

import "sync"

// WindowPinCache remembers, per session, the id of the message that started
// the last layer-1 raw window (§4.6.8's lazy eviction). In-memory only: a
// process restart just falls back to a fresh backward scan, which is
// correct, merely non-cache-friendly for one turn.
type WindowPinCache struct {
	mu   sync.Mutex
	pins map[string]string
}

// NewWindowPinCache returns an empty cache.
func NewWindowPinCache() *WindowPinCache {
	return &WindowPinCache{pins: make(map[string]string)}
}

func (c *WindowPinCache) get(sessionID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.pins[sessionID]
	return id, ok
}

func (c *WindowPinCache) set(sessionID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins[sessionID] = messageID
}

// Clear drops a session's pin. Called on escalation to layer 2+.
func (c *WindowPinCache) Clear(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pins, sessionID)
}
