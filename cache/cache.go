package cache

import (
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"

	"github.com/cmsfed/cmsd/mask"
)

// numBuckets shards the path space so operations on different buckets run
// in parallel. Every read and write takes its bucket's mutex; there is no
// lock-free read path. A power of two so the shard index is a cheap mask.
const numBuckets = 64

type bucket struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Cache is the path-indexed file location cache (spec §4.3 C3).
type Cache struct {
	buckets       [numBuckets]*bucket
	waiterTimeout time.Duration
}

func New(waiterTimeout time.Duration) *Cache {
	c := &Cache{waiterTimeout: waiterTimeout}
	for i := range c.buckets {
		c.buckets[i] = &bucket{entries: make(map[string]*Entry, 64)}
	}
	return c
}

func shardFor(path string) int {
	h := xxhash.ChecksumString64(path)
	return int(h % numBuckets)
}

func (c *Cache) bucketFor(path string) *bucket {
	return c.buckets[shardFor(path)]
}

// AddFile upserts path, ORing nodeMask into hf (or pf if pending). Returns
// true if presence bits changed, which gates upstream propagation (spec
// §4.3). Also wakes any waiters registered for this path.
func (c *Cache) AddFile(path string, nodeMask mask.Mask, pending bool) bool {
	b := c.bucketFor(path)
	b.mu.Lock()
	e, ok := b.entries[path]
	if !ok {
		e = newEntry(path)
		b.entries[path] = e
	}
	changed := e.addFile(nodeMask, pending)
	waiters := e.waiters
	e.waiters = nil
	b.mu.Unlock()

	for _, w := range waiters {
		w.complete(Completion{Retry: true})
	}
	return changed
}

// DelFile clears nodeMask from hf and pf. Returns true if hf became empty
// (triggers upstream gone, spec §4.3).
func (c *Cache) DelFile(path string, nodeMask mask.Mask) bool {
	b := c.bucketFor(path)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[path]
	if !ok {
		return false
	}
	return e.delFile(nodeMask)
}

// GetFile returns hf/pf/bf restricted to candidateMask. On a miss, it
// creates the entry and sets bf := candidateMask signalling "broadcast
// needed" (spec §4.3).
func (c *Cache) GetFile(path string, candidateMask mask.Mask) (hf, pf, bf mask.Mask, found bool) {
	b := c.bucketFor(path)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[path]
	if !ok {
		e = newEntry(path)
		e.bf = candidateMask
		b.entries[path] = e
		return 0, 0, candidateMask, false
	}
	return e.hf.Intersect(candidateMask), e.pf.Intersect(candidateMask), e.bf.Intersect(candidateMask), true
}

// AddWaiter registers a reqInfo continuation on path's entry, to be
// completed by a later AddFile or by its own deadline timer.
func (c *Cache) AddWaiter(path string, w *ReqInfo) {
	b := c.bucketFor(path)
	b.mu.Lock()
	if e, ok := b.entries[path]; ok {
		e.waiters = append(e.waiters, w)
	} else {
		e = newEntry(path)
		e.waiters = append(e.waiters, w)
		b.entries[path] = e
	}
	b.mu.Unlock()

	if c.waiterTimeout <= 0 {
		return
	}
	go func() {
		timer := time.NewTimer(time.Until(w.Deadline))
		defer timer.Stop()
		select {
		case <-timer.C:
			w.complete(Completion{Timeout: true})
			c.dropWaiter(path, w)
		case <-w.Done:
			// already completed by an AddFile wakeup
		}
	}()
}

func (c *Cache) dropWaiter(path string, target *ReqInfo) {
	b := c.bucketFor(path)
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[path]
	if !ok {
		return
	}
	out := e.waiters[:0]
	for _, w := range e.waiters {
		if w != target {
			out = append(out, w)
		}
	}
	e.waiters = out
}

// Bounce clears subscriberMask bits from every entry's hf/pf/bf, reclaiming
// entries that became empty (spec §4.3 Bounce, I1, I6).
func (c *Cache) Bounce(subscriberMask mask.Mask) {
	for _, b := range c.buckets {
		b.mu.Lock()
		for path, e := range b.entries {
			e.bounce(subscriberMask)
			if e.empty() {
				delete(b.entries, path)
			}
		}
		b.mu.Unlock()
	}
}

// Len reports the number of cached paths, for tests/metrics.
func (c *Cache) Len() int {
	n := 0
	for _, b := range c.buckets {
		b.mu.Lock()
		n += len(b.entries)
		b.mu.Unlock()
	}
	return n
}
