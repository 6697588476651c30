package outbound

import (
	"container/list"
	"time"
)

const (
	defaultEditCacheSize = 512
	defaultEditCacheTTL  = 30 * time.Minute
)

type editKey struct {
	recipient string
	tool      string
}

type editEntry struct {
	key       editKey
	messageID string
	touchedAt time.Time
}

// editCache correlates streamed partial updates to the message they
// should edit, keyed by (recipient, correlation key). It is process-local
// and bounded: entries fall out by recency once the cache is full, or
// after the TTL. Losing an entry only means the next chunk starts a new
// message instead of continuing an edit chain.
type editCache struct {
	cap   int
	ttl   time.Duration
	now   func() time.Time
	order *list.List // front = most recently used
	items map[editKey]*list.Element
}

func newEditCache(capacity int, ttl time.Duration, now func() time.Time) *editCache {
	if capacity <= 0 {
		capacity = defaultEditCacheSize
	}
	if ttl <= 0 {
		ttl = defaultEditCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &editCache{
		cap:   capacity,
		ttl:   ttl,
		now:   now,
		order: list.New(),
		items: make(map[editKey]*list.Element),
	}
}

func (c *editCache) get(recipient, tool string) (string, bool) {
	key := editKey{recipient: recipient, tool: tool}
	elem, ok := c.items[key]
	if !ok {
		return "", false
	}
	entry := elem.Value.(*editEntry)
	if c.now().Sub(entry.touchedAt) > c.ttl {
		c.remove(elem)
		return "", false
	}
	entry.touchedAt = c.now()
	c.order.MoveToFront(elem)
	return entry.messageID, true
}

func (c *editCache) put(recipient, tool, messageID string) {
	key := editKey{recipient: recipient, tool: tool}
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*editEntry)
		entry.messageID = messageID
		entry.touchedAt = c.now()
		c.order.MoveToFront(elem)
		return
	}
	for len(c.items) >= c.cap {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
	}
	elem := c.order.PushFront(&editEntry{key: key, messageID: messageID, touchedAt: c.now()})
	c.items[key] = elem
}

func (c *editCache) drop(recipient, tool string) {
	if elem, ok := c.items[editKey{recipient: recipient, tool: tool}]; ok {
		c.remove(elem)
	}
}

func (c *editCache) remove(elem *list.Element) {
	entry := elem.Value.(*editEntry)
	c.order.Remove(elem)
	delete(c.items, entry.key)
}

func (c *editCache) len() int { return len(c.items) }
