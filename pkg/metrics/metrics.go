package metrics

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hsdfat/diam-engine/pkg/message"
)

// MessageTypeMetrics counts messages per command code.
type MessageTypeMetrics struct {
	counters map[uint32]*atomic.Uint64
	mu       sync.RWMutex
}

// NewMessageTypeMetrics creates a new MessageTypeMetrics instance
func NewMessageTypeMetrics() *MessageTypeMetrics {
	return &MessageTypeMetrics{
		counters: make(map[uint32]*atomic.Uint64),
	}
}

// Increment increments the counter for commandCode.
func (m *MessageTypeMetrics) Increment(commandCode uint32) {
	m.mu.RLock()
	counter, exists := m.counters[commandCode]
	m.mu.RUnlock()
	if !exists {
		m.mu.Lock()
		if counter, exists = m.counters[commandCode]; !exists {
			counter = &atomic.Uint64{}
			m.counters[commandCode] = counter
		}
		m.mu.Unlock()
	}
	counter.Add(1)
}

// Get returns the count for commandCode.
func (m *MessageTypeMetrics) Get(commandCode uint32) uint64 {
	m.mu.RLock()
	counter, exists := m.counters[commandCode]
	m.mu.RUnlock()

	if !exists {
		return 0
	}
	return counter.Load()
}

// GetAll returns a snapshot of all counters.
func (m *MessageTypeMetrics) GetAll() map[uint32]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[uint32]uint64, len(m.counters))
	for code, counter := range m.counters {
		result[code] = counter.Load()
	}
	return result
}

// Reset clears all counters
func (m *MessageTypeMetrics) Reset() {
	m.mu.Lock()
	m.counters = make(map[uint32]*atomic.Uint64)
	m.mu.Unlock()
}

func sortedCodes(counters map[uint32]uint64) []uint32 {
	codes := make([]uint32, 0, len(counters))
	for code := range counters {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

// FormatMetrics renders the counters as a table.
func FormatMetrics(direction string, metrics *MessageTypeMetrics) string {
	var b strings.Builder
	counters := metrics.GetAll()

	fmt.Fprintf(&b, "\n%s Metrics by Message Type:\n", direction)
	b.WriteString("┌─────────────────────────────────┬───────────┐\n")
	b.WriteString("│ Command                         │ Count     │\n")
	b.WriteString("├─────────────────────────────────┼───────────┤\n")

	total := uint64(0)
	for _, code := range sortedCodes(counters) {
		fmt.Fprintf(&b, "│ %-31s │ %9d │\n", message.CommandName(code), counters[code])
		total += counters[code]
	}

	b.WriteString("├─────────────────────────────────┼───────────┤\n")
	fmt.Fprintf(&b, "│ %-31s │ %9d │\n", "TOTAL", total)
	b.WriteString("└─────────────────────────────────┴───────────┘\n")
	return b.String()
}

// CompactMetrics renders the counters on a single line.
func CompactMetrics(direction string, metrics *MessageTypeMetrics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: ", direction)
	counters := metrics.GetAll()
	total := uint64(0)

	for _, code := range sortedCodes(counters) {
		if count := counters[code]; count > 0 {
			fmt.Fprintf(&b, "[%s=%d] ", message.CommandName(code), count)
			total += count
		}
	}

	fmt.Fprintf(&b, "(Total=%d)", total)
	return b.String()
}
