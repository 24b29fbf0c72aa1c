package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/message"
	"github.com/hsdfat/diam-engine/pkg/peer"
)

// PeerSet is the view of the peer table the router needs.
type PeerSet interface {
	// OpenPeers returns the peers currently in the Open state.
	OpenPeers() []*peer.Peer
	// IDs returns the identifier generator shared by all connections.
	IDs() *message.IDGenerator
}

// Stats is a snapshot of router counters.
type Stats struct {
	RequestsIn     uint64
	RequestsOut    uint64
	AnswersIn      uint64
	AnswersOut     uint64
	Unmatched      uint64
	Undeliverable  uint64
	Duplicates     uint64
	Retransmitted  uint64
	Timeouts       uint64
	PendingEntries int
}

type counters struct {
	requestsIn    atomic.Uint64
	requestsOut   atomic.Uint64
	answersIn     atomic.Uint64
	answersOut    atomic.Uint64
	unmatched     atomic.Uint64
	undeliverable atomic.Uint64
	duplicates    atomic.Uint64
	retransmitted atomic.Uint64
	timeouts      atomic.Uint64
}

// Router dispatches inbound requests to handlers and correlates answers with
// the requests sent through it. It implements peer.Dispatcher.
type Router struct {
	cfg   *Config
	peers PeerSet
	log   logger.Logger

	mu          sync.RWMutex
	handlers    map[Command]Handler
	middlewares []Middleware
	observers   []Observer

	pending *pendingTable
	dups    *duplicateCache
	stats   counters
	next    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a router sending through peers.
func New(peers PeerSet, cfg *Config) *Router {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		cfg:      cfg,
		peers:    peers,
		log:      logger.Or(cfg.Logger),
		handlers: make(map[Command]Handler),
		pending:  newPendingTable(),
		dups:     newDuplicateCache(cfg.DuplicateLifetime, cfg.MaxDuplicates),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Use appends middlewares applied to every handler, outermost first.
func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw...)
}

// Observe registers o for every message in and out.
func (r *Router) Observe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Handle registers h for requests of appID and code. h may run
// concurrently with itself, including for requests from the same peer, so
// handlers must not rely on stream order.
func (r *Router) Handle(appID, code uint32, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := Command{Interface: appID, Code: code}
	r.handlers[cmd] = h
	r.log.Infow("Registered handler for command", "interface", cmd.Interface, "code", cmd.Code)
}

// HandleFunc registers f for requests of appID and code.
func (r *Router) HandleFunc(appID, code uint32, f HandlerFunc) {
	r.Handle(appID, code, f)
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		RequestsIn:     r.stats.requestsIn.Load(),
		RequestsOut:    r.stats.requestsOut.Load(),
		AnswersIn:      r.stats.answersIn.Load(),
		AnswersOut:     r.stats.answersOut.Load(),
		Unmatched:      r.stats.unmatched.Load(),
		Undeliverable:  r.stats.undeliverable.Load(),
		Duplicates:     r.stats.duplicates.Load(),
		Retransmitted:  r.stats.retransmitted.Load(),
		Timeouts:       r.stats.timeouts.Load(),
		PendingEntries: r.pending.len(),
	}
}

// Close cancels running handlers and waits for them to return.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}

// Dispatch receives an application message from p. Answers complete the
// matching pending request; requests run their handler on a new goroutine,
// so handlers of one peer may finish and answer out of arrival order.
func (r *Router) Dispatch(p *peer.Peer, m *message.Message) {
	r.notify(p, m, true)
	if !m.IsRequest() {
		r.stats.answersIn.Add(1)
		r.dispatchAnswer(p, m)
		return
	}
	r.stats.requestsIn.Add(1)

	fresh, cached := r.dups.insert(m)
	if !fresh {
		r.stats.duplicates.Add(1)
		if m.IsRetransmitted() && cached != nil {
			ans := *cached
			ans.HopByHopID = m.HopByHopID
			r.log.Infow("Answering retransmitted request from cache",
				"msg", m.Abbrev(), "origin_host", m.OriginHost())
			r.stats.retransmitted.Add(1)
			r.send(p, &ans)
			return
		}
		r.log.Warnw("Dropping duplicate request",
			"msg", m.Abbrev(), "origin_host", m.OriginHost(), "end_to_end", m.EndToEndID)
		return
	}

	req := &Request{
		Peer:        p,
		Message:     m,
		Received:    time.Now(),
		originHost:  r.cfg.OriginHost,
		originRealm: r.cfg.OriginRealm,
	}
	h := r.handler(CommandOf(m))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		var ans *message.Message
		if h == nil {
			r.stats.undeliverable.Add(1)
			r.log.Warnw("Unable to deliver request", "error", ErrUndeliverable,
				"command", req.Command().String(), "peer", p.Info().OriginHost)
			ans = req.ErrorAnswer(message.ResultUnableToDeliver)
		} else {
			ans = h.ServeDiameter(r.ctx, req)
		}
		if ans == nil {
			return
		}
		ans.Flags &^= message.Request
		ans.HopByHopID, ans.EndToEndID = m.HopByHopID, m.EndToEndID
		r.dups.answered(m, ans)
		r.send(p, ans)
	}()
}

func (r *Router) dispatchAnswer(p *peer.Peer, m *message.Message) {
	conn := p.Conn()
	if conn != nil && r.pending.complete(pendingKey{connID: conn.ID(), hbh: m.HopByHopID}, m) {
		return
	}
	r.stats.unmatched.Add(1)
	r.log.Warnw("Discarding unmatched answer", "msg", m.Abbrev(), "peer", p.Info().OriginHost)
}

func (r *Router) handler(cmd Command) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[cmd]
	if !ok {
		return nil
	}
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		h = r.middlewares[i](h)
	}
	return h
}

func (r *Router) send(p *peer.Peer, ans *message.Message) {
	if err := p.Send(ans); err != nil {
		r.log.Warnw("Failed to send answer", "error", err, "msg", ans.Abbrev())
		return
	}
	r.stats.answersOut.Add(1)
	r.notify(p, ans, false)
}

func (r *Router) notify(p *peer.Peer, m *message.Message, inbound bool) {
	r.mu.RLock()
	obs := r.observers
	r.mu.RUnlock()
	for _, o := range obs {
		if inbound {
			o.Inbound(p, m)
		} else {
			o.Outbound(p, m)
		}
	}
}

// SendRequest sends m to p and waits for the answer. Hop-by-hop is always
// assigned here; End-to-End only when zero. It fails with peer.ErrPeerNotOpen
// if p is not Open or leaves Open before answering, and with a *TimeoutError
// after RequestTimeout or the context deadline.
func (r *Router) SendRequest(ctx context.Context, m *message.Message, p *peer.Peer) (*message.Message, error) {
	if !p.IsOpen() {
		return nil, peer.ErrPeerNotOpen
	}
	conn := p.Conn()
	if conn == nil {
		return nil, peer.ErrPeerNotOpen
	}
	m.Flags |= message.Request
	r.peers.IDs().Stamp(m)

	key := pendingKey{connID: conn.ID(), hbh: m.HopByHopID}
	answer := r.pending.add(key)
	defer r.pending.remove(key)

	if err := p.Send(m); err != nil {
		return nil, err
	}
	r.stats.requestsOut.Add(1)
	r.notify(p, m, false)

	timer := time.NewTimer(r.cfg.RequestTimeout)
	defer timer.Stop()
	timeout := func() error {
		r.stats.timeouts.Add(1)
		after := r.cfg.RequestTimeout
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < after {
			after = time.Until(dl)
		}
		return &TimeoutError{Command: CommandOf(m), HopByHop: m.HopByHopID, Peer: p.Info().OriginHost, After: after}
	}

	select {
	case ans := <-answer:
		return ans, nil
	case <-timer.C:
		return nil, timeout()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timeout()
		}
		return nil, ctx.Err()
	case <-p.Left():
		select {
		case ans := <-answer:
			return ans, nil
		default:
		}
		if err := p.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", peer.ErrPeerNotOpen, err)
		}
		return nil, fmt.Errorf("%w: peer is %s", peer.ErrPeerNotOpen, p.State())
	case <-p.Done():
		return nil, fmt.Errorf("%w: %v", peer.ErrPeerNotOpen, p.Err())
	case <-r.ctx.Done():
		return nil, ErrClosed
	}
}

// Route picks an Open peer for m and sends it with SendRequest. A peer whose
// Origin-Host equals Destination-Host wins; otherwise peers advertising the
// application are used in turn, preferring the Destination-Realm.
func (r *Router) Route(ctx context.Context, m *message.Message) (*message.Message, error) {
	p := r.pick(m)
	if p == nil {
		return nil, fmt.Errorf("%w: application %d host %q realm %q",
			ErrNoRoute, m.ApplicationID, m.DestinationHost(), m.DestinationRealm())
	}
	return r.SendRequest(ctx, m, p)
}

func (r *Router) pick(m *message.Message) *peer.Peer {
	host, realm := m.DestinationHost(), m.DestinationRealm()
	var candidates, inRealm []*peer.Peer
	for _, p := range r.peers.OpenPeers() {
		info := p.Info()
		if !info.Supports(m.ApplicationID) {
			continue
		}
		if host != "" && info.OriginHost == host {
			return p
		}
		candidates = append(candidates, p)
		if realm != "" && info.OriginRealm == realm {
			inRealm = append(inRealm, p)
		}
	}
	if len(inRealm) > 0 {
		candidates = inRealm
	}
	if len(candidates) == 0 {
		return nil
	}
	n := r.next.Add(1)
	return candidates[int(n%uint64(len(candidates)))]
}
