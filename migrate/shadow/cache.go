package shadow

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/satishbabariya/schemaforge/migrate/definition"
	"github.com/satishbabariya/schemaforge/migrate/introspect"
)

// DefaultCacheSize bounds how many materialized versions a resolver keeps.
const DefaultCacheSize = 16

// CacheStats represents cache statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Size      int
	MaxSize   int
	Evictions int64
}

// structureCache is an LRU of expected structures keyed by "version:digest".
type structureCache struct {
	mu      sync.Mutex
	data    map[string]*cacheNode
	maxSize int
	head    *cacheNode
	tail    *cacheNode
	stats   CacheStats
}

// cacheNode represents a node in the doubly-linked list for LRU
type cacheNode struct {
	key   string
	value *introspect.Structure
	prev  *cacheNode
	next  *cacheNode
}

func newStructureCache(maxSize int) *structureCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &structureCache{
		data:    make(map[string]*cacheNode),
		maxSize: maxSize,
		stats:   CacheStats{MaxSize: maxSize},
	}
}

// cacheKey identifies a version by number and statement content, so an
// edited definition file is materialized again.
func cacheKey(sv *definition.SchemaVersion) string {
	h := sha256.New()
	for _, stmt := range sv.Statements() {
		h.Write([]byte(stmt))
		h.Write([]byte{0})
	}
	return sv.String() + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

func (c *structureCache) get(key string) (*introspect.Structure, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.data[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.moveToFront(node)
	c.stats.Hits++
	return node.value, true
}

func (c *structureCache) set(key string, value *introspect.Structure) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, exists := c.data[key]; exists {
		node.value = value
		c.moveToFront(node)
		return
	}

	// An edited version replaces its previous digest.
	version, _, _ := strings.Cut(key, ":")
	for k, node := range c.data {
		if strings.HasPrefix(k, version+":") {
			c.removeNode(node)
		}
	}

	if len(c.data) >= c.maxSize && c.tail != nil {
		c.removeNode(c.tail)
		c.stats.Evictions++
	}

	node := &cacheNode{key: key, value: value}
	c.addToFront(node)
	c.data[key] = node
}

func (c *structureCache) snapshot() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Size = len(c.data)
	return stats
}

func (c *structureCache) addToFront(node *cacheNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

func (c *structureCache) moveToFront(node *cacheNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.data[node.key] = node
	c.addToFront(node)
}

// removeNode unlinks node and drops it from the index.
func (c *structureCache) removeNode(node *cacheNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
	node.prev, node.next = nil, nil
	delete(c.data, node.key)
}
