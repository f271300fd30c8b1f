package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// EvictFunc is invoked for every entry removed by capacity pressure so the
// aggregator can retract the entry's histogram contribution. Not called for
// explicit Remove.
type EvictFunc func(tx *models.ParsedTransaction)

// TxCache is a bounded, insertion-ordered map from txid to parsed
// transaction. The orchestrator serialises writes through a single owning
// goroutine; reads are safe concurrently.
//
// All operations are O(1) except SnapshotOldestTimestamp.
type TxCache struct {
	mu      sync.RWMutex
	maxSize int
	entries map[string]*list.Element
	order   *list.List // front = oldest inserted
	onEvict EvictFunc
}

type cacheEntry struct {
	tx *models.ParsedTransaction
}

func New(maxSize int, onEvict EvictFunc) *TxCache {
	return &TxCache{
		maxSize: maxSize,
		entries: make(map[string]*list.Element, maxSize),
		order:   list.New(),
		onEvict: onEvict,
	}
}

// Insert adds or refreshes a transaction. A known txid is updated in place
// and moved to the most-recently-inserted end. At capacity the oldest entry
// is evicted first; a full cache never blocks the producer.
func (c *TxCache) Insert(tx *models.ParsedTransaction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[tx.Txid]; ok {
		elem.Value.(*cacheEntry).tx = tx
		c.order.MoveToBack(elem)
		return
	}

	if c.order.Len() >= c.maxSize {
		c.evictOldestLocked()
	}

	c.entries[tx.Txid] = c.order.PushBack(&cacheEntry{tx: tx})
}

// Get returns the cached transaction for txid, or nil.
func (c *TxCache) Get(txid string) *models.ParsedTransaction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if elem, ok := c.entries[txid]; ok {
		return elem.Value.(*cacheEntry).tx
	}
	return nil
}

// Remove deletes and returns the entry for txid. Removing an absent txid is
// a no-op, not an error.
func (c *TxCache) Remove(txid string) *models.ParsedTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[txid]
	if !ok {
		return nil
	}
	delete(c.entries, txid)
	c.order.Remove(elem)
	return elem.Value.(*cacheEntry).tx
}

func (c *TxCache) Contains(txid string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[txid]
	return ok
}

func (c *TxCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Cap returns the current capacity bound.
func (c *TxCache) Cap() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxSize
}

// SnapshotOldestTimestamp returns the first-seen time of the oldest entry,
// or the zero time when empty.
func (c *TxCache) SnapshotOldestTimestamp() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	front := c.order.Front()
	if front == nil {
		return time.Time{}
	}
	return front.Value.(*cacheEntry).tx.FirstSeenAt
}

// Resize lowers (or raises) the capacity. Shrinking evicts oldest entries
// immediately; the memory watchdog uses this under soft-limit pressure.
func (c *TxCache) Resize(maxSize int) {
	if maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = maxSize
	for c.order.Len() > c.maxSize {
		c.evictOldestLocked()
	}
}

func (c *TxCache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*cacheEntry)
	delete(c.entries, entry.tx.Txid)
	c.order.Remove(front)
	if c.onEvict != nil {
		c.onEvict(entry.tx)
	}
}
