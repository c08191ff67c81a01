package gate

import (
	"container/list"
	"sync"

	x402 "github.com/borchain/x402-connector"
)

// Cache is the settlement idempotency store: credential string to the
// settlement outcome computed for it. It is bounded; once full, the least
// recently used entry is evicted. Safe for concurrent use.
//
// The cache only avoids redundant settlement attempts within this process;
// protocol-level double-spend protection is the settlement network's own
// single-use authorization semantics.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type cacheEntry struct {
	credential string
	outcome    x402.SettlementOutcome
}

// NewCache builds a cache holding at most capacity entries.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = x402.DefaultReplayCacheSize
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get returns the outcome stored for the credential, marking it most
// recently used.
func (c *Cache) Get(credential string) (x402.SettlementOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[credential]
	if !ok {
		return x402.SettlementOutcome{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).outcome, true
}

// Put stores the outcome for the credential, evicting the least recently
// used entry when the cache is full.
func (c *Cache) Put(credential string, outcome x402.SettlementOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[credential]; ok {
		elem.Value.(*cacheEntry).outcome = outcome
		c.order.MoveToFront(elem)
		return
	}

	c.entries[credential] = c.order.PushFront(&cacheEntry{credential: credential, outcome: outcome})

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).credential)
	}
}

// Len reports the number of cached outcomes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
