package router

import (
	"container/list"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/hsdfat/diam-engine/pkg/message"
)

// duplicateCache remembers recent requests by End-to-End id and Origin-Host.
// Entries expire in insertion order.
type duplicateCache struct {
	mu       sync.Mutex
	entries  map[uint64]*duplicateEntry
	expiring list.List
	lifetime time.Duration
	max      int
	now      func() time.Time
}

type duplicateEntry struct {
	hash    uint64
	expires time.Time
	answer  *message.Message // nil while the request is in progress
}

func newDuplicateCache(lifetime time.Duration, max int) *duplicateCache {
	return &duplicateCache{
		entries:  make(map[uint64]*duplicateEntry),
		lifetime: lifetime,
		max:      max,
		now:      time.Now,
	}
}

func requestHash(m *message.Message) uint64 {
	host := m.OriginHost()
	b := make([]byte, 4+len(host))
	binary.BigEndian.PutUint32(b, m.EndToEndID)
	copy(b[4:], host)
	return xxhash.Sum64(b)
}

// insert records m. If m was already seen it returns false and the cached
// answer, which is nil while the first copy is still being served.
func (c *duplicateCache) insert(m *message.Message) (bool, *message.Message) {
	h := requestHash(m)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire()
	if e, ok := c.entries[h]; ok {
		return false, e.answer
	}
	e := &duplicateEntry{hash: h, expires: c.now().Add(c.lifetime)}
	c.entries[h] = e
	c.expiring.PushBack(e)
	return true, nil
}

// answered stores the answer sent for req.
func (c *duplicateCache) answered(req, ans *message.Message) {
	h := requestHash(req)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[h]; ok {
		e.answer = ans
	}
}

func (c *duplicateCache) expire() {
	now := c.now()
	for front := c.expiring.Front(); front != nil; front = c.expiring.Front() {
		e := front.Value.(*duplicateEntry)
		if len(c.entries) < c.max && now.Before(e.expires) {
			return
		}
		delete(c.entries, e.hash)
		c.expiring.Remove(front)
	}
}

func (c *duplicateCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
