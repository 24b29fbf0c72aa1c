package router

import (
	"testing"
	"time"

	"github.com/hsdfat/diam-engine/pkg/message"
)

func dupRequest(host string, e2e uint32) *message.Message {
	m := message.NewRequest(cmdULR, appS6a, message.NewOriginHost(host))
	m.EndToEndID = e2e
	return m
}

func TestDuplicateCache(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newDuplicateCache(time.Minute, 10)
	c.now = func() time.Time { return now }

	req := dupRequest("a.example", 1)
	if fresh, _ := c.insert(req); !fresh {
		t.Fatal("first insert reported duplicate")
	}
	if fresh, ans := c.insert(req); fresh || ans != nil {
		t.Fatalf("second insert = %v, %v", fresh, ans)
	}
	// same id from another host is a different request
	if fresh, _ := c.insert(dupRequest("b.example", 1)); !fresh {
		t.Error("different Origin-Host reported duplicate")
	}

	ans := req.Answer()
	c.answered(req, ans)
	if _, cached := c.insert(req); cached != ans {
		t.Error("cached answer not returned")
	}

	now = now.Add(2 * time.Minute)
	if fresh, _ := c.insert(req); !fresh {
		t.Error("expired entry still reported duplicate")
	}
}

func TestDuplicateCacheCapacity(t *testing.T) {
	c := newDuplicateCache(time.Hour, 3)
	for i := uint32(0); i < 10; i++ {
		c.insert(dupRequest("a.example", i))
	}
	if n := c.len(); n > 3 {
		t.Errorf("len = %d, want at most 3", n)
	}
	if fresh, _ := c.insert(dupRequest("a.example", 0)); !fresh {
		t.Error("oldest entry not evicted")
	}
}
