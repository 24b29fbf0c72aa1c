package loadgen

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsdfat/diam-engine/pkg/dict"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/message"
)

var quiet = logger.New("test-loadgen", "error")

// sender answers by Session-Id suffix: every third request fails with 5012
// and every fifth is lost.
type sender struct {
	mu       sync.Mutex
	seen     []*message.Message
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (s *sender) Route(ctx context.Context, m *message.Message) (*message.Message, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	s.seen = append(s.seen, m)
	count := len(s.seen)
	s.mu.Unlock()

	switch {
	case count%5 == 0:
		return nil, errors.New("lost")
	case count%3 == 0:
		return m.ErrorAnswer(message.ResultUnableToComply, "hss.example", "example"), nil
	}
	ans := m.Answer()
	ans.Add(message.NewResultCode(message.ResultSuccess))
	return ans, nil
}

var id = Identity{OriginHost: "mme.example", OriginRealm: "example", DestinationRealm: "example"}

func TestRunCountsOutcomes(t *testing.T) {
	s := &sender{}
	g := New(s, Config{Duration: 300 * time.Millisecond, Logger: quiet})
	r, err := g.Run(context.Background(),
		Stream{Name: "air", Rate: 100, Build: AuthenticationInformation(dict.Default(), id)},
		Stream{Name: "ulr", Rate: 50, Build: UpdateLocation(dict.Default(), id)},
		Stream{Name: "idle", Rate: 0, Build: AuthenticationInformation(dict.Default(), id)},
	)
	require.NoError(t, err)
	require.Len(t, r.Streams, 2)

	total := r.Total()
	assert.Greater(t, total.Sent, uint64(10))
	assert.Less(t, total.Sent, uint64(100))
	assert.Equal(t, total.Sent, total.Success+total.Failed+total.Errors)
	assert.NotZero(t, total.Failed)
	assert.NotZero(t, total.Errors)
	assert.Equal(t, 150.0, total.Target)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.seen, int(total.Sent))
	sessions := map[string]bool{}
	for _, m := range s.seen {
		assert.True(t, m.IsRequest())
		assert.True(t, m.IsProxiable())
		require.NoError(t, dict.Default().Validate(m), m.Abbrev())
		sessions[m.SessionID()] = true
	}
	assert.Len(t, sessions, len(s.seen), "session ids are unique")

	out := r.Format()
	assert.Contains(t, out, "air")
	assert.Contains(t, out, "TOTAL")
}

func TestRunNoStreams(t *testing.T) {
	_, err := New(&sender{}, Config{}).Run(context.Background(), Stream{Name: "x", Rate: 10})
	assert.ErrorIs(t, err, ErrNoStreams)
}

func TestRunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	r, err := New(&sender{}, Config{Logger: quiet}).Run(ctx,
		Stream{Name: "air", Rate: 100, Build: AuthenticationInformation(dict.Default(), id)})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.NotZero(t, r.Total().Sent)
}

func TestMaxInFlight(t *testing.T) {
	s := &sender{delay: 100 * time.Millisecond}
	g := New(s, Config{Duration: 200 * time.Millisecond, MaxInFlight: 2, Logger: quiet})
	_, err := g.Run(context.Background(),
		Stream{Name: "air", Rate: 1000, Build: AuthenticationInformation(dict.Default(), id)})
	require.NoError(t, err)
	assert.LessOrEqual(t, s.peak.Load(), int32(2))
	assert.Zero(t, s.inflight.Load(), "Run waits for outstanding requests")
}

func TestBuildErrorsCounted(t *testing.T) {
	fail := func(uint64) (*message.Message, error) { return nil, errors.New("boom") }
	r, err := New(&sender{}, Config{Duration: 50 * time.Millisecond, Logger: quiet}).Run(context.Background(),
		Stream{Name: "bad", Rate: 100, Build: fail})
	require.NoError(t, err)
	assert.Zero(t, r.Total().Sent)
	assert.NotZero(t, r.Total().Errors)
}

func TestRampRate(t *testing.T) {
	tests := []struct {
		elapsed time.Duration
		want    float64
	}{
		{0, 10},
		{time.Second, 20},
		{5 * time.Second, 60},
		{9900 * time.Millisecond, 100},
		{10 * time.Second, 100},
		{time.Minute, 100},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, rampRate(100, tt.elapsed, 10*time.Second), 0.001, tt.elapsed.String())
	}
	assert.Equal(t, 100.0, rampRate(100, 0, 0))
}

func TestReportFormatEmpty(t *testing.T) {
	var r Report
	assert.Zero(t, r.Rate())
	assert.True(t, strings.HasPrefix(r.Format(), "\nLoad Generator Results"))
}
