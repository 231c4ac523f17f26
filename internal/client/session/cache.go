package session

// Cache maps file paths of the joined room to their last known content. It
// lives as long as the session and is only touched from the loop.
type Cache struct {
	entries map[string]string
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]string)}
}

func (c *Cache) Get(path string) (string, bool) {
	content, ok := c.entries[path]
	return content, ok
}

func (c *Cache) Put(path, content string) {
	c.entries[path] = content
}

// Len returns the number of cached files.
func (c *Cache) Len() int { return len(c.entries) }
