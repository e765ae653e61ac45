package preprocessing

import (
	"container/list"
	"fmt"
	"sync"
)

// Cache is an LRU cache of processed images. PreprocessBatch keys entries
// with Pipeline.CacheKey, so one cache can be shared between datasets and
// pipelines. It is safe for concurrent use. Images are copied on the way in
// and out; callers may modify what they get.
type Cache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int

	hits   int64
	misses int64
}

type cacheEntry struct {
	key   string
	image ProcessedImage
}

// NewCache creates a cache holding at most maxSize images.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

func (img ProcessedImage) clone() ProcessedImage {
	img.Data = append([]float32(nil), img.Data...)
	return img
}

// Get returns a copy of the image stored under key.
func (c *Cache) Get(key string) (ProcessedImage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).image.clone(), true
	}
	c.misses++
	return ProcessedImage{}, false
}

// Put adds an item, evicting the least recently used entries over capacity.
func (c *Cache) Put(key string, img ProcessedImage) {
	img = img.clone()
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry).image = img
		c.lru.MoveToFront(elem)
		return
	}
	c.items[key] = c.lru.PushFront(&cacheEntry{key: key, image: img})
	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// Clear drops every entry. Statistics are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.lru.Init()
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{Size: c.lru.Len(), MaxSize: c.maxSize, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total) * 100
	}
	return s
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
