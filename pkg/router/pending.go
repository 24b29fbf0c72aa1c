package router

import (
	"sync"

	"github.com/hsdfat/diam-engine/pkg/message"
)

// pendingKey matches an answer to its request. Hop-by-hop ids are only
// unique per connection.
type pendingKey struct {
	connID string
	hbh    uint32
}

type pendingTable struct {
	mu      sync.Mutex
	entries map[pendingKey]chan *message.Message
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[pendingKey]chan *message.Message)}
}

func (t *pendingTable) add(k pendingKey) <-chan *message.Message {
	ch := make(chan *message.Message, 1)
	t.mu.Lock()
	t.entries[k] = ch
	t.mu.Unlock()
	return ch
}

func (t *pendingTable) remove(k pendingKey) {
	t.mu.Lock()
	delete(t.entries, k)
	t.mu.Unlock()
}

// complete hands ans to the waiting request. It reports false for an answer
// nobody waits for.
func (t *pendingTable) complete(k pendingKey, ans *message.Message) bool {
	t.mu.Lock()
	ch, ok := t.entries[k]
	delete(t.entries, k)
	t.mu.Unlock()
	if ok {
		ch <- ans
	}
	return ok
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
