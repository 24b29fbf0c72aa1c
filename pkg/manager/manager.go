package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hsdfat/diam-engine/pkg/connection"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/message"
	"github.com/hsdfat/diam-engine/pkg/peer"
)

// ErrNotStarted is returned by Stop before Start.
var ErrNotStarted = errors.New("manager not started")

// Stats tracks manager counters.
type Stats struct {
	Accepted        uint64
	Rejected        uint64
	ConnectAttempts uint64
	ConnectFailures uint64
	Refused         uint64 // connections refused by admission
	LivePeers       int
	OpenPeers       int
}

// Manager owns every peer connection of the node: the configured peers it
// dials and keeps connected, and the peers accepted on its listener.
type Manager struct {
	cfg *Config
	log logger.Logger
	ids *message.IDGenerator

	dispatcher peer.Dispatcher
	listener   net.Listener

	mu       sync.Mutex
	live     map[*peer.Peer]struct{}
	admitted map[string]*peer.Peer // Origin-Host to the peer holding it
	open     atomic.Pointer[[]*peer.Peer]

	accepted        atomic.Uint64
	rejected        atomic.Uint64
	connectAttempts atomic.Uint64
	connectFailures atomic.Uint64
	refused         atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager. It owns the identifier generator shared by all of
// its connections.
func New(cfg *Config) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	ids := cfg.Peer.IDs
	if ids == nil {
		ids = message.NewIDGenerator(time.Now())
	}
	m := &Manager{
		cfg:      cfg,
		log:      logger.Or(cfg.Logger),
		ids:      ids,
		live:     make(map[*peer.Peer]struct{}),
		admitted: make(map[string]*peer.Peer),
	}
	m.open.Store(&[]*peer.Peer{})
	return m, nil
}

// IDs returns the identifier generator shared by all connections.
func (m *Manager) IDs() *message.IDGenerator {
	return m.ids
}

// Start binds the listener and starts one supervisor per configured peer.
// Messages are delivered to d. Failing to bind is the only error.
func (m *Manager) Start(ctx context.Context, d peer.Dispatcher) error {
	ctx, cancel := context.WithCancel(ctx)
	var ln net.Listener
	if m.cfg.ListenAddress != "" {
		var err error
		if ln, err = connection.Listen(ctx, m.cfg.ListenNetwork, m.cfg.ListenAddress); err != nil {
			cancel()
			return fmt.Errorf("failed to listen on %s: %w", m.cfg.ListenAddress, err)
		}
	}
	m.dispatcher = d
	m.ctx, m.cancel = ctx, cancel

	if ln != nil {
		m.listener = ln
		m.log.Infow("Listening for peers", "address", ln.Addr().String())
		m.wg.Add(1)
		go m.acceptLoop()
	}

	for _, pc := range m.cfg.Peers {
		if pc.Network == "" {
			pc.Network = "tcp"
		}
		if pc.Name == "" {
			pc.Name = pc.Address
		}
		m.wg.Add(1)
		go m.supervise(pc)
	}
	return nil
}

// Addr returns the listener address, or nil when not listening.
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// OpenPeers returns the peers in the Open state. The slice is shared and must
// not be modified.
func (m *Manager) OpenPeers() []*peer.Peer {
	return *m.open.Load()
}

// Peer returns the open peer with Origin-Host host.
func (m *Manager) Peer(host string) (*peer.Peer, bool) {
	for _, p := range m.OpenPeers() {
		if p.Info().OriginHost == host {
			return p, true
		}
	}
	return nil, false
}

// Peers returns every live peer, including those still in the handshake.
func (m *Manager) Peers() []*peer.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]*peer.Peer, 0, len(m.live))
	for p := range m.live {
		peers = append(peers, p)
	}
	return peers
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	live := len(m.live)
	m.mu.Unlock()
	return Stats{
		Accepted:        m.accepted.Load(),
		Rejected:        m.rejected.Load(),
		ConnectAttempts: m.connectAttempts.Load(),
		ConnectFailures: m.connectFailures.Load(),
		Refused:         m.refused.Load(),
		LivePeers:       live,
		OpenPeers:       len(m.OpenPeers()),
	}
}

// Stop stops reconnecting and accepting, sends DPR to every open peer, closes
// the remaining connections and waits for the manager goroutines.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return ErrNotStarted
	}
	m.log.Infow("Stopping peer manager")
	m.cancel()
	if m.listener != nil {
		if err := m.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			m.log.Errorw("Failed to close listener", "error", err)
		}
	}

	var wg sync.WaitGroup
	for _, p := range m.OpenPeers() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Disconnect(ctx, message.DisconnectRebooting); err != nil {
				m.log.Warnw("Disconnect failed", "peer", p.Info().OriginHost, "error", err)
			}
		}()
	}
	wg.Wait()
	for _, p := range m.Peers() {
		p.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Infow("Peer manager stopped",
			"accepted", m.accepted.Load(),
			"connect_attempts", m.connectAttempts.Load())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// peerConfig copies the template and hooks the manager into the peer.
func (m *Manager) peerConfig() *peer.Config {
	cfg := *m.cfg.Peer
	cfg.IDs = m.ids
	if cfg.Logger == nil {
		cfg.Logger = m.log
	}
	cfg.Admit = m.admit
	cfg.OnStateChange = m.stateChanged
	return &cfg
}

func (m *Manager) track(p *peer.Peer) {
	m.mu.Lock()
	m.live[p] = struct{}{}
	m.mu.Unlock()
}

// admit refuses a peer whose Origin-Host is already held by another live
// connection.
func (m *Manager) admit(p *peer.Peer, info peer.Info) message.ResultCode {
	if user := m.cfg.Peer.Admit; user != nil {
		if rc := user(p, info); rc != message.ResultSuccess {
			m.refused.Add(1)
			return rc
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.admitted[info.OriginHost]; ok && holder != p {
		m.refused.Add(1)
		m.log.Warnw("Refusing second connection for peer",
			"origin_host", info.OriginHost,
			"existing", holder.Info().RemoteAddr,
			"remote_addr", info.RemoteAddr)
		return message.ResultElectionLost
	}
	m.admitted[info.OriginHost] = p
	return message.ResultSuccess
}

// stateChanged keeps the peer tables current. It runs on the peer goroutine.
func (m *Manager) stateChanged(p *peer.Peer, from, to peer.State) {
	if to == peer.Open || from == peer.Open || to == peer.Closed {
		m.mu.Lock()
		if to == peer.Closed {
			delete(m.live, p)
			if host := p.Info().OriginHost; m.admitted[host] == p {
				delete(m.admitted, host)
			}
		}
		m.publish(p, to == peer.Open)
		m.mu.Unlock()
	}
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(p, from, to)
	}
}

// publish replaces the open snapshot with p added or removed. Called with
// m.mu held.
func (m *Manager) publish(p *peer.Peer, open bool) {
	cur := *m.open.Load()
	idx := slices.Index(cur, p)
	if open == (idx >= 0) {
		return
	}
	var next []*peer.Peer
	if open {
		next = append(slices.Clone(cur), p)
	} else {
		next = slices.Delete(slices.Clone(cur), idx, idx+1)
	}
	m.open.Store(&next)
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	defer m.log.Infow("Accept loop exited")

	for {
		rwc, err := m.listener.Accept()
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.Errorw("Failed to accept connection", "error", err)
			continue
		}

		m.mu.Lock()
		live := len(m.live)
		m.mu.Unlock()
		if m.cfg.MaxConnections > 0 && live >= m.cfg.MaxConnections {
			m.log.Warnw("Max connections reached, rejecting", "remote_addr", rwc.RemoteAddr().String())
			m.rejected.Add(1)
			rwc.Close()
			continue
		}

		m.accepted.Add(1)
		p := peer.New(m.peerConfig(), m.dispatcher)
		m.track(p)
		if err := p.Accept(rwc); err != nil {
			m.log.Errorw("Failed to start peer", "error", err)
			rwc.Close()
		}
	}
}

// supervise keeps one configured peer connected, retrying with exponential
// backoff. The delay is reset once the peer reaches Open.
func (m *Manager) supervise(pc PeerConfig) {
	defer m.wg.Done()
	log := logger.With(m.log, "peer_name", pc.Name, "peer_addr", pc.Address)
	backoff := m.cfg.ReconnectInterval

	for attempt := 1; ; attempt++ {
		m.connectAttempts.Add(1)
		p := peer.New(m.peerConfig(), m.dispatcher)
		m.track(p)

		if err := p.Connect(m.ctx, pc.Network, pc.Address); err != nil {
			m.connectFailures.Add(1)
			log.Warnw("Connection attempt failed", "attempt", attempt, "error", err, "retry_in", backoff)
		} else {
			log.Infow("Peer connection open", "attempt", attempt, "origin_host", p.Info().OriginHost)
			backoff = m.cfg.ReconnectInterval
			attempt = 0
			select {
			case <-p.Done():
				log.Warnw("Peer connection closed", "reason", p.Err(), "retry_in", backoff)
			case <-m.ctx.Done():
				return
			}
		}

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * m.cfg.ReconnectBackoff)
		if backoff > m.cfg.MaxReconnectDelay {
			backoff = m.cfg.MaxReconnectDelay
		}
	}
}
