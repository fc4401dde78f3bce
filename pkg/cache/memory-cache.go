package cache

import (
	"container/list"
	"sync"
)

type entry[V any] struct {
	key   string
	value V
	cost  int64
}

// MemoryCache is an LRU map bounded by the summed cost of its entries rather
// than their count. The sum never exceeds capacity once Set returns.
type MemoryCache[V any] struct {
	capacity int64
	size     int64
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List
	cost     func(V) int64
	onEvict  func(key string, value V)
}

// NewMemoryCache builds a cache. cost must return a positive weight; nil counts every entry as 1.
func NewMemoryCache[V any](capacity int64, cost func(V) int64) *MemoryCache[V] {
	if capacity <= 0 {
		panic("capacity must be > 0")
	}
	if cost == nil {
		cost = func(V) int64 { return 1 }
	}
	return &MemoryCache[V]{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		cost:     cost,
	}
}

// OnEvict registers a callback fired, under the cache lock, for every capacity eviction.
func (c *MemoryCache[V]) OnEvict(fn func(key string, value V)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

func (c *MemoryCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cost := c.cost(value)
	if cost < 1 {
		cost = 1
	}

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		c.size += cost - e.cost
		e.value = value
		e.cost = cost
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&entry[V]{key: key, value: value, cost: cost})
		c.items[key] = el
		c.size += cost
	}

	c.trim()
}

func (c *MemoryCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry[V]).value, true
}

// Contains reports presence without refreshing recency.
func (c *MemoryCache[V]) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

func (c *MemoryCache[V]) remove(el *list.Element) *entry[V] {
	e := el.Value.(*entry[V])
	c.order.Remove(el)
	delete(c.items, e.key)
	c.size -= e.cost
	return e
}

func (c *MemoryCache[V]) trim() {
	for c.size > c.capacity {
		back := c.order.Back()
		if back == nil {
			return
		}
		e := c.remove(back)
		if c.onEvict != nil {
			c.onEvict(e.key, e.value)
		}
	}
}

func (c *MemoryCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
}

// Clear drops every entry without firing the eviction callback.
func (c *MemoryCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
}

func (c *MemoryCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Size is the summed cost of resident entries.
func (c *MemoryCache[V]) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *MemoryCache[V]) Capacity() int64 {
	return c.capacity
}

// Keys lists resident keys from most to least recently used.
func (c *MemoryCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[V]).key)
	}
	return keys
}
