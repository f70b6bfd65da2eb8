package notify

import (
	"container/list"
	"sync"
)

// Media file ids are bot-scoped: reusing an id uploaded through one bot on
// another yields "wrong file identifier" from the platform. The cache key
// therefore includes the bot id.
type mediaKey struct {
	BotID       int64
	Path        string
	URL         string
	ContentType string
}

// mediaCache is a small LRU of platform file ids.
type mediaCache struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[mediaKey]*list.Element
}

type mediaEntry struct {
	key    mediaKey
	fileID string
}

func newMediaCache(capacity int) *mediaCache {
	return &mediaCache{
		cap:   capacity,
		order: list.New(),
		items: make(map[mediaKey]*list.Element, capacity),
	}
}

func (c *mediaCache) Get(key mediaKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*mediaEntry).fileID, true
}

func (c *mediaCache) Put(key mediaKey, fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*mediaEntry).fileID = fileID
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&mediaEntry{key: key, fileID: fileID})
	c.items[key] = el
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*mediaEntry).key)
	}
}

// DropBot evicts every entry cached for a bot, used when a mirror stops.
func (c *mediaCache) DropBot(botID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.items {
		if key.BotID == botID {
			c.order.Remove(el)
			delete(c.items, key)
		}
	}
}
