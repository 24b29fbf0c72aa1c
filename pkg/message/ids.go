package message

import (
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// IDGenerator hands out hop-by-hop and end-to-end identifiers. Each engine
// instance owns one; there is no package-level counter.
type IDGenerator struct {
	hopByHop atomic.Uint32
	endToEnd atomic.Uint32
}

// NewIDGenerator seeds the generator. The high 12 bits of the end-to-end id
// are the low 12 bits of the start time in seconds and the low 20 bits are
// random. Hop-by-hop ids start at a random value.
func NewIDGenerator(start time.Time) *IDGenerator {
	g := &IDGenerator{}
	g.hopByHop.Store(rand.Uint32())
	g.endToEnd.Store(uint32(start.Unix()&0xFFF)<<20 | rand.Uint32N(1<<20))
	return g
}

// NextHopByHop returns an id that is distinct from the previous 2^32-1 ids.
func (g *IDGenerator) NextHopByHop() uint32 {
	return g.hopByHop.Add(1)
}

// NextEndToEnd returns the next end-to-end id.
func (g *IDGenerator) NextEndToEnd() uint32 {
	return g.endToEnd.Add(1)
}

// Stamp assigns a fresh hop-by-hop id and, when unset, an end-to-end id.
func (g *IDGenerator) Stamp(m *Message) {
	m.HopByHopID = g.NextHopByHop()
	if m.EndToEndID == 0 {
		m.EndToEndID = g.NextEndToEnd()
	}
}
