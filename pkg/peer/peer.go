// Package peer implements the per-connection Diameter state machine:
// capabilities exchange, device watchdog and disconnect negotiation.
package peer

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
)

// Role tells which side opened the transport.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Dispatcher receives application messages from Open peers. Dispatch is
// called on the peer goroutine in arrival order and must not block.
type Dispatcher interface {
	Dispatch(p *Peer, m *message.Message)
}

// Info describes the remote side, as learned from the capabilities exchange.
type Info struct {
	OriginHost       string
	OriginRealm      string
	HostIPAddresses  []net.IP
	VendorID         uint32
	ProductName      string
	FirmwareRevision uint32
	Applications     []uint32 // advertised by the remote peer
	Common           []uint32 // advertised by both sides
	WatchdogInterval time.Duration
	Role             Role
	ConnID           string
	LocalAddr        string
	RemoteAddr       string
	OpenedAt         time.Time
}

// Supports reports whether the peer can carry appID.
func (i Info) Supports(appID uint32) bool {
	return slices.Contains(i.Common, appID) || slices.Contains(i.Common, message.AppRelay)
}

// Peer is one connection to a remote Diameter node. It is used once: after
// reaching Closed it is discarded and a new Peer is created for the next
// connection.
type Peer struct {
	cfg        *Config
	dispatcher Dispatcher
	log        logger.Logger

	state  atomic.Int32
	conn   atomic.Pointer[connection.Conn]
	role   Role
	opened chan struct{}
	left   chan struct{}
	done   chan struct{}
	cmds   chan uint32

	mu     sync.RWMutex
	info   Info
	reason error

	// loop goroutine only
	hsTimer    *time.Timer
	wdTimer    *time.Timer
	dpTimer    *time.Timer
	dwrPending bool
	dprHbH     uint32
	dprCause   uint32
}

// New creates a peer in the Closed state.
func New(cfg *Config, d Dispatcher) *Peer {
	if cfg.IDs == nil {
		cfg.IDs = message.NewIDGenerator(time.Now())
	}
	p := &Peer{
		cfg:        cfg,
		dispatcher: d,
		log:        logger.Or(cfg.Logger),
		opened:     make(chan struct{}),
		left:       make(chan struct{}),
		done:       make(chan struct{}),
		cmds:       make(chan uint32),
	}
	p.info.WatchdogInterval = cfg.WatchdogInterval
	return p
}

// State returns the current state.
func (p *Peer) State() State {
	return State(p.state.Load())
}

// IsOpen reports whether application messages may be exchanged.
func (p *Peer) IsOpen() bool {
	return p.State() == Open
}

// Info returns a copy of the peer information.
func (p *Peer) Info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}

// Done is closed when the peer reaches Closed after having been started.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Left is closed when the peer leaves Open, either for Closing or Closed.
// It stays open for a peer that never reached Open.
func (p *Peer) Left() <-chan struct{} {
	return p.left
}

// Err returns the reason the peer closed, nil while it runs.
func (p *Peer) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reason
}

// Conn returns the transport, nil before one is attached.
func (p *Peer) Conn() *connection.Conn {
	return p.conn.Load()
}

// Connect dials addr and performs the capabilities exchange as initiator.
// It returns once the peer is Open or has closed.
func (p *Peer) Connect(ctx context.Context, network, addr string) error {
	if !p.transition(EventConnect) {
		return fmt.Errorf("peer: connect in state %s", p.State())
	}
	p.setRole(Initiator)
	p.log = logger.With(p.log, "peer_addr", addr, "role", Initiator.String())

	conn, err := connection.Dial(ctx, network, addr, p.transportConfig())
	if err != nil {
		reason := fmt.Errorf("%w: %v", ErrConnectFailed, err)
		p.setReason(reason)
		p.transition(EventConnectFailed)
		close(p.done)
		return reason
	}
	p.attach(conn)
	go p.run(p.sendCER)

	if err := p.WaitOpen(ctx); err != nil {
		if ctx.Err() != nil {
			p.Close()
		}
		return err
	}
	return nil
}

// Accept runs the responder side of the capabilities exchange on rwc.
func (p *Peer) Accept(rwc net.Conn) error {
	if !p.transition(EventAccept) {
		return fmt.Errorf("peer: accept in state %s", p.State())
	}
	p.setRole(Responder)
	p.log = logger.With(p.log, "peer_addr", rwc.RemoteAddr().String(), "role", Responder.String())
	p.attach(connection.New(rwc, p.transportConfig()))
	go p.run(nil)
	return nil
}

// WaitOpen blocks until the peer is Open, has closed, or ctx ends.
func (p *Peer) WaitOpen(ctx context.Context) error {
	select {
	case <-p.opened:
		return nil
	case <-p.done:
		if err := p.Err(); err != nil {
			return err
		}
		return ErrPeerNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes an application message. It fails with ErrPeerNotOpen, without
// touching the transport, unless the peer is Open.
func (p *Peer) Send(m *message.Message) error {
	if !p.IsOpen() {
		return ErrPeerNotOpen
	}
	conn := p.conn.Load()
	if conn == nil {
		return ErrPeerNotOpen
	}
	return conn.SendMessage(m)
}

// Disconnect sends a DPR with cause and waits for the peer to close. Outside
// Open the connection is simply closed.
func (p *Peer) Disconnect(ctx context.Context, cause uint32) error {
	if p.conn.Load() == nil {
		return nil
	}
	select {
	case p.cmds <- cause:
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.Close()
		return ctx.Err()
	}
}

// Close drops the transport without a disconnect negotiation.
func (p *Peer) Close() {
	if conn := p.conn.Load(); conn != nil {
		conn.Close()
	}
}

func (p *Peer) String() string {
	info := p.Info()
	host := info.OriginHost
	if host == "" {
		host = info.RemoteAddr
	}
	return fmt.Sprintf("Peer{%s,%s,%s}", host, info.Role, p.State())
}

func (p *Peer) transportConfig() *connection.Config {
	var tc connection.Config
	if p.cfg.Transport != nil {
		tc = *p.cfg.Transport
	}
	if tc.Logger == nil {
		tc.Logger = p.log
	}
	tc.OnMalformed = p.answerMalformed
	return &tc
}

func (p *Peer) attach(conn *connection.Conn) {
	p.conn.Store(conn)
	p.log = logger.With(p.log, "conn_id", conn.ID())
	p.mu.Lock()
	p.info.ConnID = conn.ID()
	p.info.LocalAddr = conn.LocalAddr().String()
	p.info.RemoteAddr = conn.RemoteAddr().String()
	p.mu.Unlock()
}

func (p *Peer) setRole(r Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.role = r
	p.info.Role = r
}

func (p *Peer) setReason(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reason == nil {
		p.reason = err
	}
}

// transition applies e and notifies the observer. Illegal events are logged
// and leave the state unchanged.
func (p *Peer) transition(e Event) bool {
	from := p.State()
	to, err := Transition(from, e)
	if err != nil {
		p.log.Errorw("Rejected state transition", "error", err)
		return false
	}
	p.state.Store(int32(to))
	if from == Open {
		close(p.left)
	}
	p.log.Infow("Peer state changed", "from", from.String(), "to", to.String(), "event", e.String())
	if p.cfg.OnStateChange != nil {
		p.cfg.OnStateChange(p, from, to)
	}
	return true
}

// run is the peer goroutine. Every state change after the transport is
// attached happens here.
func (p *Peer) run(start func() error) {
	conn := p.conn.Load()
	p.hsTimer = time.NewTimer(p.cfg.HandshakeTimeout)
	p.wdTimer = newStoppedTimer()
	p.dpTimer = newStoppedTimer()
	defer func() {
		p.hsTimer.Stop()
		p.wdTimer.Stop()
		p.dpTimer.Stop()
	}()

	if start != nil {
		if err := start(); err != nil {
			p.shutdown(EventConnectionLost, err)
			return
		}
	}

	for p.State() != Closed {
		select {
		case m, ok := <-conn.Messages():
			if !ok {
				p.lost(conn.Err())
				continue
			}
			p.receive(m)

		case <-p.hsTimer.C:
			if p.State() == WaitCapabilitiesExchange {
				p.shutdown(EventCapabilitiesFail, &HandshakeError{
					Reason: fmt.Sprintf("no capabilities exchange within %s", p.cfg.HandshakeTimeout),
				})
			}

		case <-p.wdTimer.C:
			p.watchdogExpired()

		case <-p.dpTimer.C:
			if p.State() == Closing {
				p.log.Warnw("No DPA received, closing", "timeout", p.cfg.DisconnectTimeout)
				p.shutdown(EventDisconnectDone, &DisconnectError{Cause: p.dprCause})
			}

		case cause := <-p.cmds:
			p.disconnect(cause)
		}
	}
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

// shutdown closes the transport and moves to Closed with reason. If e is not
// accepted in the current state the connection-lost event is used.
func (p *Peer) shutdown(e Event, reason error) {
	if p.State() == Closed {
		return
	}
	p.setReason(reason)
	if conn := p.conn.Load(); conn != nil {
		conn.Close()
	}
	if _, err := Transition(p.State(), e); err != nil {
		e = EventConnectionLost
	}
	p.transition(e)
	p.log.Infow("Peer closed", "reason", reason)
	close(p.done)
}

func (p *Peer) lost(err error) {
	if err == nil {
		err = &connection.LostError{Cause: connection.ErrClosed}
	}
	switch p.State() {
	case WaitCapabilitiesExchange:
		herr := &HandshakeError{Reason: "connection lost during capabilities exchange", Err: err}
		var me *message.MalformedMessageError
		if errors.As(err, &me) {
			herr.ResultCode = me.ResultCode
		}
		p.shutdown(EventConnectionLost, herr)
	case Closing:
		p.shutdown(EventDisconnectDone, &DisconnectError{Cause: p.dprCause})
	default:
		p.shutdown(EventConnectionLost, err)
	}
}

func (p *Peer) receive(m *message.Message) {
	switch p.State() {
	case WaitCapabilitiesExchange:
		p.receiveHandshake(m)
	case Open:
		p.resetWatchdog()
		p.receiveOpen(m)
	case Closing:
		if m.CommandCode == message.CodeDisconnectPeer && !m.IsRequest() && m.HopByHopID == p.dprHbH {
			p.shutdown(EventDisconnectDone, &DisconnectError{Cause: p.dprCause})
			return
		}
		p.log.Debugw("Dropping message while closing", "msg", m.Abbrev())
	}
}

func (p *Peer) receiveHandshake(m *message.Message) {
	if m.CommandCode == message.CodeCapabilitiesExchange {
		if p.role == Responder && m.IsRequest() {
			p.handleCER(m)
			return
		}
		if p.role == Initiator && !m.IsRequest() {
			p.handleCEA(m)
			return
		}
	}
	if m.IsRequest() {
		p.log.Warnw("Request before capabilities exchange", "msg", m.Abbrev())
		p.reply(m.ErrorAnswer(message.ResultUnknownPeer, p.cfg.OriginHost, p.cfg.OriginRealm))
		return
	}
	p.shutdown(EventCapabilitiesFail, &HandshakeError{
		Reason: fmt.Sprintf("unexpected %s during capabilities exchange", m.Abbrev()),
	})
}

func (p *Peer) handleCER(m *message.Message) {
	info, code, reason := p.evaluate(m)
	if code == message.ResultSuccess && p.cfg.Admit != nil {
		if code = p.cfg.Admit(p, info); code != message.ResultSuccess {
			reason = "connection refused"
		}
	}

	cea := m.Answer()
	if code.IsProtocolError() {
		cea.Flags |= message.Error
	}
	cea.Add(message.NewResultCode(code))
	p.addCapabilities(cea)
	if err := p.reply(cea); err != nil {
		return
	}

	if code != message.ResultSuccess {
		p.shutdown(EventCapabilitiesFail, &HandshakeError{Reason: reason, ResultCode: code})
		return
	}
	p.open(info)
}

func (p *Peer) handleCEA(m *message.Message) {
	rc, ok := m.ResultCode()
	if !ok {
		p.shutdown(EventCapabilitiesFail, &HandshakeError{Reason: "CEA without Result-Code"})
		return
	}
	if !rc.IsSuccess() {
		p.shutdown(EventCapabilitiesFail, &HandshakeError{Reason: "CEA rejected", ResultCode: rc})
		return
	}
	info, code, reason := p.evaluate(m)
	if code == message.ResultSuccess && p.cfg.Admit != nil {
		if code = p.cfg.Admit(p, info); code != message.ResultSuccess {
			reason = "connection refused"
		}
	}
	if code != message.ResultSuccess {
		p.shutdown(EventCapabilitiesFail, &HandshakeError{Reason: reason, ResultCode: code})
		return
	}
	p.open(info)
}

// evaluate extracts the remote identity from a CER or CEA and checks that an
// application is shared.
func (p *Peer) evaluate(m *message.Message) (Info, message.ResultCode, string) {
	info := p.Info()
	info.OriginHost = m.OriginHost()
	info.OriginRealm = m.OriginRealm()
	info.HostIPAddresses = hostIPs(m)
	if a := m.Find(message.AVPVendorID); a != nil {
		info.VendorID, _ = a.Uint32()
	}
	if a := m.Find(message.AVPProductName); a != nil {
		info.ProductName, _ = a.Text()
	}
	if a := m.Find(message.AVPFirmwareRevision); a != nil {
		info.FirmwareRevision, _ = a.Uint32()
	}
	info.Applications = m.ApplicationIDs()
	info.Common = commonApplications(p.cfg.Applications(), info.Applications)

	if info.OriginHost == "" || info.OriginRealm == "" {
		return info, message.ResultMissingAVP, "missing Origin-Host or Origin-Realm"
	}
	if len(info.Common) == 0 {
		return info, message.ResultNoCommonApplication, "no common application"
	}
	return info, message.ResultSuccess, ""
}

func (p *Peer) open(info Info) {
	info.OpenedAt = time.Now()
	p.mu.Lock()
	p.info = info
	p.mu.Unlock()
	p.log = logger.With(p.log, "peer", info.OriginHost)

	p.hsTimer.Stop()
	if !p.transition(EventCapabilitiesOK) {
		return
	}
	close(p.opened)
	p.resetWatchdog()
}

func (p *Peer) receiveOpen(m *message.Message) {
	switch m.CommandCode {
	case message.CodeDeviceWatchdog:
		if m.IsRequest() {
			dwa := m.Answer()
			dwa.Add(
				message.NewResultCode(message.ResultSuccess),
				message.NewOriginHost(p.cfg.OriginHost),
				message.NewOriginRealm(p.cfg.OriginRealm),
				message.NewUnsigned32(message.AVPOriginStateID, p.cfg.OriginStateID),
			)
			p.reply(dwa)
			return
		}
		p.dwrPending = false
		p.resetWatchdog()
		return

	case message.CodeDisconnectPeer:
		if !m.IsRequest() {
			p.log.Debugw("Unexpected DPA", "hop_by_hop", m.HopByHopID)
			return
		}
		if a := m.Find(message.AVPDisconnectCause); a != nil {
			p.dprCause, _ = a.Uint32()
		}
		dpa := m.Answer()
		dpa.Add(
			message.NewResultCode(message.ResultSuccess),
			message.NewOriginHost(p.cfg.OriginHost),
			message.NewOriginRealm(p.cfg.OriginRealm),
		)
		if err := p.reply(dpa); err != nil {
			return
		}
		p.transition(EventDisconnectReceived)
		p.shutdown(EventDisconnectDone, &DisconnectError{Cause: p.dprCause, Remote: true})
		return

	case message.CodeCapabilitiesExchange:
		if m.IsRequest() {
			p.reply(m.ErrorAnswer(message.ResultUnableToComply, p.cfg.OriginHost, p.cfg.OriginRealm))
		}
		return
	}

	if p.dispatcher == nil {
		if m.IsRequest() {
			p.reply(m.ErrorAnswer(message.ResultUnableToDeliver, p.cfg.OriginHost, p.cfg.OriginRealm))
		}
		return
	}
	p.dispatcher.Dispatch(p, m)
}

// resetWatchdog restarts the idle timer unless a DWR is outstanding.
func (p *Peer) resetWatchdog() {
	if p.dwrPending {
		return
	}
	p.wdTimer.Reset(p.cfg.WatchdogInterval)
}

func (p *Peer) watchdogExpired() {
	if p.State() != Open {
		return
	}
	if p.dwrPending {
		p.log.Warnw("Watchdog timeout", "timeout", p.cfg.WatchdogTimeout)
		p.shutdown(EventWatchdogTimeout, fmt.Errorf("%w: no DWA within %s", ErrWatchdogTimeout, p.cfg.WatchdogTimeout))
		return
	}
	dwr := message.NewRequest(message.CodeDeviceWatchdog, message.AppBase,
		message.NewOriginHost(p.cfg.OriginHost),
		message.NewOriginRealm(p.cfg.OriginRealm),
		message.NewUnsigned32(message.AVPOriginStateID, p.cfg.OriginStateID),
	)
	p.cfg.IDs.Stamp(dwr)
	if err := p.reply(dwr); err != nil {
		return
	}
	p.dwrPending = true
	p.wdTimer.Reset(p.cfg.WatchdogTimeout)
}

func (p *Peer) disconnect(cause uint32) {
	if p.State() != Open {
		p.shutdown(EventConnectionLost, &DisconnectError{Cause: cause})
		return
	}
	dpr := message.NewRequest(message.CodeDisconnectPeer, message.AppBase,
		message.NewOriginHost(p.cfg.OriginHost),
		message.NewOriginRealm(p.cfg.OriginRealm),
		message.NewUnsigned32(message.AVPDisconnectCause, cause),
	)
	p.cfg.IDs.Stamp(dpr)
	if err := p.reply(dpr); err != nil {
		return
	}
	p.dprHbH, p.dprCause = dpr.HopByHopID, cause
	p.wdTimer.Stop()
	p.transition(EventDisconnectSent)
	p.dpTimer.Reset(p.cfg.DisconnectTimeout)
}

// reply sends a protocol message from the peer goroutine. A write failure
// closes the peer.
func (p *Peer) reply(m *message.Message) error {
	conn := p.conn.Load()
	if err := conn.SendMessage(m); err != nil {
		p.lost(err)
		return err
	}
	return nil
}

// answerMalformed runs on the transport read goroutine.
func (p *Peer) answerMalformed(c *connection.Conn, me *message.MalformedMessageError) *message.Message {
	if !me.Header.IsRequest() {
		return nil
	}
	req := &message.Message{Header: me.Header}
	ans := req.ErrorAnswer(me.ResultCode, p.cfg.OriginHost, p.cfg.OriginRealm)
	if me.Header.CommandCode == message.CodeCapabilitiesExchange {
		p.addHostInfo(ans, c.LocalAddr())
	}
	return ans
}

func (p *Peer) sendCER() error {
	cer := message.NewRequest(message.CodeCapabilitiesExchange, message.AppBase)
	p.addCapabilities(cer)
	p.cfg.IDs.Stamp(cer)
	if err := p.conn.Load().SendMessage(cer); err != nil {
		return err
	}
	p.transition(EventTransportUp)
	return nil
}

func commonApplications(local, remote []uint32) []uint32 {
	if slices.Contains(local, message.AppRelay) {
		return slices.Clone(remote)
	}
	if slices.Contains(remote, message.AppRelay) {
		return slices.Clone(local)
	}
	var common []uint32
	for _, id := range remote {
		if slices.Contains(local, id) && !slices.Contains(common, id) {
			common = append(common, id)
		}
	}
	return common
}
