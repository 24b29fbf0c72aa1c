// Package loadgen drives request traffic through a router at a fixed rate per
// stream, with an optional linear ramp-up.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/message"
)

// Sender delivers a request and waits for its answer. *router.Router
// implements it.
type Sender interface {
	Route(ctx context.Context, m *message.Message) (*message.Message, error)
}

// Stream is one kind of request sent at Rate per second.
type Stream struct {
	Name  string
	Rate  float64
	Build func(seq uint64) (*message.Message, error)
}

// Config holds load generator configuration
type Config struct {
	Duration       time.Duration // 0 runs until the context ends
	RampUp         time.Duration
	MaxInFlight    int           // per stream; defaults to 100
	ReportInterval time.Duration // 0 disables periodic progress logs
	Logger         logger.Logger
}

// ErrNoStreams is returned by Run when nothing would be sent.
var ErrNoStreams = errors.New("no streams with a positive rate")

type counters struct {
	sent, success, failed, errors atomic.Uint64
}

// Generator sends requests through a Sender.
type Generator struct {
	sender Sender
	cfg    Config
	log    logger.Logger
}

// New creates a generator.
func New(s Sender, cfg Config) *Generator {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 100
	}
	return &Generator{sender: s, cfg: cfg, log: logger.Or(cfg.Logger)}
}

// Run sends every stream until the configured duration elapses or ctx is
// done, waits for outstanding answers and returns the totals. Requests
// in flight are bounded by ctx, not by the duration.
func (g *Generator) Run(ctx context.Context, streams ...Stream) (Report, error) {
	var active []Stream
	for _, s := range streams {
		if s.Rate > 0 && s.Build != nil {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return Report{}, ErrNoStreams
	}

	var (
		genCtx context.Context
		cancel context.CancelFunc
	)
	if g.cfg.Duration > 0 {
		genCtx, cancel = context.WithTimeout(ctx, g.cfg.Duration)
	} else {
		genCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	stats := make([]*counters, len(active))
	var wg sync.WaitGroup
	for i, s := range active {
		stats[i] = &counters{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.generate(genCtx, ctx, s, stats[i], start)
		}()
	}

	done := make(chan struct{})
	if g.cfg.ReportInterval > 0 {
		go g.progress(done, active, stats, start)
	}
	wg.Wait()
	close(done)

	return snapshot(active, stats, time.Since(start)), nil
}

func (g *Generator) generate(genCtx, sendCtx context.Context, s Stream, c *counters, start time.Time) {
	lim := rate.NewLimiter(rate.Limit(rampRate(s.Rate, 0, g.cfg.RampUp)), 1)
	sem := make(chan struct{}, g.cfg.MaxInFlight)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	g.log.Infow("Starting traffic stream", "stream", s.Name, "target_rate", s.Rate)
	var seq uint64
	for {
		if err := lim.Wait(genCtx); err != nil {
			return
		}
		if g.cfg.RampUp > 0 {
			lim.SetLimit(rate.Limit(rampRate(s.Rate, time.Since(start), g.cfg.RampUp)))
		}
		select {
		case sem <- struct{}{}:
		case <-genCtx.Done():
			return
		}

		seq++
		req, err := s.Build(seq)
		if err != nil {
			<-sem
			c.errors.Add(1)
			g.log.Debugw("Failed to build request", "stream", s.Name, "error", err)
			continue
		}
		c.sent.Add(1)
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer func() { <-sem }()
			g.send(sendCtx, s.Name, req, c)
		}()
	}
}

func (g *Generator) send(ctx context.Context, name string, req *message.Message, c *counters) {
	ans, err := g.sender.Route(ctx, req)
	if err != nil {
		c.errors.Add(1)
		g.log.Debugw("Request failed", "stream", name, "error", err)
		return
	}
	if rc, ok := ans.ResultCode(); ok && rc.IsSuccess() {
		c.success.Add(1)
		return
	}
	c.failed.Add(1)
}

// rampRate returns the send rate after elapsed of a linear ramp in ten
// steps, starting at a tenth of target.
func rampRate(target float64, elapsed, rampUp time.Duration) float64 {
	if rampUp <= 0 || elapsed >= rampUp {
		return target
	}
	step := int(elapsed*10/rampUp) + 1
	return target * float64(step) / 10
}

func (g *Generator) progress(done <-chan struct{}, streams []Stream, stats []*counters, start time.Time) {
	ticker := time.NewTicker(g.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r := snapshot(streams, stats, time.Since(start))
			total := r.Total()
			g.log.Infow("Load generator progress",
				"elapsed", r.Duration.Round(time.Second),
				"sent", total.Sent,
				"success", total.Success,
				"failed", total.Failed,
				"errors", total.Errors,
				"rate", fmt.Sprintf("%.2f req/s", r.Rate()))
		}
	}
}

// StreamReport holds the totals of one stream.
type StreamReport struct {
	Name    string
	Target  float64
	Sent    uint64
	Success uint64 // answered with a 2xxx result code
	Failed  uint64 // answered with any other result code
	Errors  uint64 // no answer: build, routing or timeout errors
}

// Report is the outcome of Run.
type Report struct {
	Duration time.Duration
	Streams  []StreamReport
}

func snapshot(streams []Stream, stats []*counters, d time.Duration) Report {
	r := Report{Duration: d}
	for i, s := range streams {
		c := stats[i]
		r.Streams = append(r.Streams, StreamReport{
			Name:    s.Name,
			Target:  s.Rate,
			Sent:    c.sent.Load(),
			Success: c.success.Load(),
			Failed:  c.failed.Load(),
			Errors:  c.errors.Load(),
		})
	}
	return r
}

// Total sums every stream.
func (r Report) Total() StreamReport {
	t := StreamReport{Name: "TOTAL"}
	for _, s := range r.Streams {
		t.Target += s.Target
		t.Sent += s.Sent
		t.Success += s.Success
		t.Failed += s.Failed
		t.Errors += s.Errors
	}
	return t
}

// Rate is the achieved send rate.
func (r Report) Rate() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Total().Sent) / r.Duration.Seconds()
}

// Format renders the report as a table.
func (r Report) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\nLoad Generator Results (%s, %.2f req/s):\n", r.Duration.Round(time.Millisecond), r.Rate())
	b.WriteString("┌──────────────────┬─────────┬───────────┬───────────┬───────────┬───────────┐\n")
	b.WriteString("│ Stream           │ Target  │ Sent      │ Success   │ Failed    │ Errors    │\n")
	b.WriteString("├──────────────────┼─────────┼───────────┼───────────┼───────────┼───────────┤\n")
	row := func(s StreamReport) {
		fmt.Fprintf(&b, "│ %-16s │ %7.1f │ %9d │ %9d │ %9d │ %9d │\n",
			s.Name, s.Target, s.Sent, s.Success, s.Failed, s.Errors)
	}
	for _, s := range r.Streams {
		row(s)
	}
	b.WriteString("├──────────────────┼─────────┼───────────┼───────────┼───────────┼───────────┤\n")
	row(r.Total())
	b.WriteString("└──────────────────┴─────────┴───────────┴───────────┴───────────┴───────────┘\n")
	return b.String()
}
