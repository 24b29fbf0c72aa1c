package peer

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hsdfat/diam-engine/models_base"
	"github.com/hsdfat/diam-engine/pkg/avp"
	"github.com/hsdfat/diam-engine/pkg/connection"
	"github.com/hsdfat/diam-engine/pkg/dict"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/message"
)

const appS6a = message.AppS6a

type recorder struct {
	ch chan *message.Message
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan *message.Message, 16)}
}

func (r *recorder) Dispatch(p *Peer, m *message.Message) {
	r.ch <- m
}

// stateLog counts state changes by target state.
type stateLog struct {
	mu     sync.Mutex
	counts map[State]int
}

func (tr *stateLog) observe(p *Peer, from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.counts == nil {
		tr.counts = make(map[State]int)
	}
	tr.counts[to]++
}

func (tr *stateLog) count(s State) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.counts[s]
}

func testConfig(host string, apps ...uint32) *Config {
	cfg := DefaultConfig()
	cfg.OriginHost = host
	cfg.OriginRealm = "example"
	cfg.HostIPAddresses = []net.IP{net.IPv4(127, 0, 0, 1)}
	cfg.AuthApplicationIDs = apps
	cfg.HandshakeTimeout = time.Second
	cfg.WatchdogInterval = time.Minute
	cfg.WatchdogTimeout = time.Minute
	cfg.DisconnectTimeout = time.Second
	cfg.Logger = logger.New("test-peer", "error")
	cfg.Transport = &connection.Config{Dictionary: dict.Default()}
	cfg.IDs = message.NewIDGenerator(time.Now())
	return cfg
}

func fakeConfig() *connection.Config {
	return &connection.Config{Dictionary: dict.Default(), Logger: logger.New("test-fake", "error")}
}

func cer(host string, hbh uint32, apps ...uint32) *message.Message {
	m := message.NewRequest(message.CodeCapabilitiesExchange, 0,
		message.NewOriginHost(host),
		message.NewOriginRealm("example"),
		avp.New(message.AVPHostIPAddress, avp.Mandatory, 0, models_base.Address(net.IPv4(127, 0, 0, 2).To4())),
		message.NewUnsigned32(message.AVPVendorID, 0),
		avp.New(message.AVPProductName, 0, 0, models_base.UTF8String("fake")),
	)
	for _, id := range apps {
		m.Add(message.NewUnsigned32(message.AVPAuthApplicationID, id))
	}
	m.HopByHopID, m.EndToEndID = hbh, hbh
	return m
}

func recv(t *testing.T, c *connection.Conn) *message.Message {
	t.Helper()
	select {
	case m, ok := <-c.Messages():
		if !ok {
			t.Fatalf("fake connection closed: %v", c.Err())
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return nil
}

func send(t *testing.T, c *connection.Conn, m *message.Message) {
	t.Helper()
	if err := c.SendMessage(m); err != nil {
		t.Fatalf("fake send: %v", err)
	}
}

func waitClosed(t *testing.T, p *Peer) error {
	t.Helper()
	select {
	case <-p.Done():
		return p.Err()
	case <-time.After(3 * time.Second):
		t.Fatalf("peer still %s", p.State())
	}
	return nil
}

func resultCode(t *testing.T, m *message.Message) message.ResultCode {
	t.Helper()
	rc, ok := m.ResultCode()
	if !ok {
		t.Fatalf("%s without Result-Code", m.Abbrev())
	}
	return rc
}

// acceptPeer starts a responder peer on one end of a pipe and returns the
// other end, driven by the test.
func acceptPeer(t *testing.T, cfg *Config, d Dispatcher) (*Peer, *connection.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	p := New(cfg, d)
	if err := p.Accept(local); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	fake := connection.New(remote, fakeConfig())
	t.Cleanup(func() {
		fake.Close()
		p.Close()
	})
	return p, fake
}

// openPeer completes the capabilities exchange from the fake side.
func openPeer(t *testing.T, cfg *Config, d Dispatcher) (*Peer, *connection.Conn) {
	t.Helper()
	p, fake := acceptPeer(t, cfg, d)
	send(t, fake, cer("a.example", 1, appS6a))
	cea := recv(t, fake)
	if rc := resultCode(t, cea); rc != message.ResultSuccess {
		t.Fatalf("CEA Result-Code = %v", rc)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.WaitOpen(ctx); err != nil {
		t.Fatalf("WaitOpen() error = %v", err)
	}
	return p, fake
}

func TestResponderHandshake(t *testing.T) {
	p, fake := acceptPeer(t, testConfig("b.example", appS6a), newRecorder())

	send(t, fake, cer("a.example", 7, 4, appS6a))
	cea := recv(t, fake)
	if cea.IsRequest() || cea.CommandCode != message.CodeCapabilitiesExchange || cea.HopByHopID != 7 {
		t.Fatalf("unexpected answer %v", cea)
	}
	if rc := resultCode(t, cea); rc != message.ResultSuccess {
		t.Fatalf("Result-Code = %v", rc)
	}
	if cea.OriginHost() != "b.example" {
		t.Errorf("CEA Origin-Host = %q", cea.OriginHost())
	}
	if err := p.WaitOpen(context.Background()); err != nil {
		t.Fatalf("WaitOpen() error = %v", err)
	}

	info := p.Info()
	if info.OriginHost != "a.example" || info.OriginRealm != "example" || info.ProductName != "fake" {
		t.Errorf("info = %+v", info)
	}
	if !info.Supports(appS6a) || info.Supports(4) {
		t.Errorf("Common = %v, want [%d]", info.Common, appS6a)
	}
	if len(info.HostIPAddresses) != 1 || !info.HostIPAddresses[0].Equal(net.IPv4(127, 0, 0, 2)) {
		t.Errorf("HostIPAddresses = %v", info.HostIPAddresses)
	}
}

func TestResponderNoCommonApplication(t *testing.T) {
	var tr stateLog
	cfg := testConfig("b.example", appS6a)
	cfg.OnStateChange = tr.observe
	rec := newRecorder()
	p, fake := acceptPeer(t, cfg, rec)

	send(t, fake, cer("a.example", 1, 16777252))
	if rc := resultCode(t, recv(t, fake)); rc != message.ResultNoCommonApplication {
		t.Errorf("Result-Code = %v, want %v", rc, message.ResultNoCommonApplication)
	}

	err := waitClosed(t, p)
	var herr *HandshakeError
	if !errors.As(err, &herr) || herr.ResultCode != message.ResultNoCommonApplication {
		t.Fatalf("Err() = %v", err)
	}
	if tr.count(Open) != 0 || tr.count(Closed) != 1 {
		t.Errorf("transitions = %v", tr.counts)
	}
}

func TestInitiatorRejectsCEAWithoutCommonApplication(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		rwc, err := ln.Accept()
		if err != nil {
			return
		}
		fake := connection.New(rwc, fakeConfig())
		defer fake.Close()
		req, ok := <-fake.Messages()
		if !ok {
			return
		}
		cea := req.Answer()
		cea.Add(message.NewResultCode(message.ResultSuccess))
		cea.Add(cer("b.example", 0, 16777252).AVPs...)
		fake.SendMessage(cea)
		// an application request that must never be forwarded
		app := message.NewRequest(318, appS6a, message.NewSessionID("b;1"))
		app.HopByHopID = 99
		fake.SendMessage(app)
		<-fake.Done()
	}()

	rec := newRecorder()
	p := New(testConfig("a.example", appS6a), rec)
	err = p.Connect(context.Background(), "tcp", ln.Addr().String())
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("Connect() error = %v, want ErrHandshakeFailed", err)
	}
	if p.State() != Closed {
		t.Errorf("state = %s, want Closed", p.State())
	}
	select {
	case m := <-rec.ch:
		t.Fatalf("message forwarded after failed handshake: %v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInitiatorAndResponderReachOpen(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	responder := make(chan *Peer, 1)
	go func() {
		rwc, err := ln.Accept()
		if err != nil {
			return
		}
		p := New(testConfig("b.example", appS6a), newRecorder())
		p.Accept(rwc)
		responder <- p
	}()

	a := New(testConfig("a.example", appS6a), newRecorder())
	if err := a.Connect(context.Background(), "tcp", ln.Addr().String()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer a.Close()
	b := <-responder
	defer b.Close()
	if err := b.WaitOpen(context.Background()); err != nil {
		t.Fatalf("responder WaitOpen() error = %v", err)
	}
	if a.Info().OriginHost != "b.example" || b.Info().OriginHost != "a.example" {
		t.Errorf("identities: a sees %q, b sees %q", a.Info().OriginHost, b.Info().OriginHost)
	}
	if a.Info().Role != Initiator || b.Info().Role != Responder {
		t.Errorf("roles: %s %s", a.Info().Role, b.Info().Role)
	}
}

func TestConnectFailed(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	p := New(testConfig("a.example", appS6a), nil)
	err := p.Connect(context.Background(), "tcp", addr)
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if p.State() != Closed {
		t.Errorf("state = %s", p.State())
	}
	if !errors.Is(p.Err(), ErrConnectFailed) {
		t.Errorf("Err() = %v", p.Err())
	}
}

func TestAdmissionRefused(t *testing.T) {
	cfg := testConfig("b.example", appS6a)
	cfg.Admit = func(p *Peer, info Info) message.ResultCode {
		if info.OriginHost == "a.example" {
			return message.ResultElectionLost
		}
		return message.ResultSuccess
	}
	p, fake := acceptPeer(t, cfg, nil)

	send(t, fake, cer("a.example", 1, appS6a))
	if rc := resultCode(t, recv(t, fake)); rc != message.ResultElectionLost {
		t.Errorf("Result-Code = %v, want %v", rc, message.ResultElectionLost)
	}
	var herr *HandshakeError
	if err := waitClosed(t, p); !errors.As(err, &herr) || herr.ResultCode != message.ResultElectionLost {
		t.Errorf("Err() = %v", err)
	}
}

func TestRequestBeforeCapabilitiesExchange(t *testing.T) {
	rec := newRecorder()
	p, fake := acceptPeer(t, testConfig("b.example", appS6a), rec)

	req := message.NewRequest(318, appS6a, message.NewSessionID("a;1"))
	req.HopByHopID, req.EndToEndID = 5, 6
	send(t, fake, req)

	ans := recv(t, fake)
	if rc := resultCode(t, ans); rc != message.ResultUnknownPeer {
		t.Errorf("Result-Code = %v, want %v", rc, message.ResultUnknownPeer)
	}
	if !ans.IsError() || ans.HopByHopID != 5 || ans.EndToEndID != 6 {
		t.Errorf("answer = %v", ans)
	}
	if p.State() != WaitCapabilitiesExchange {
		t.Errorf("state = %s", p.State())
	}
	select {
	case m := <-rec.ch:
		t.Errorf("dispatched before Open: %v", m)
	default:
	}
}

func TestUnsupportedVersionAnswered(t *testing.T) {
	p, fake := acceptPeer(t, testConfig("b.example", appS6a), nil)

	b, _ := cer("a.example", 3, appS6a).Encode()
	b[0] = 2
	if err := fake.Send(b); err != nil {
		t.Fatal(err)
	}
	cea := recv(t, fake)
	if rc := resultCode(t, cea); rc != message.ResultUnsupportedVersion {
		t.Errorf("Result-Code = %v, want %v", rc, message.ResultUnsupportedVersion)
	}
	if cea.HopByHopID != 3 {
		t.Errorf("hop-by-hop = %d", cea.HopByHopID)
	}
	var herr *HandshakeError
	if err := waitClosed(t, p); !errors.As(err, &herr) || herr.ResultCode != message.ResultUnsupportedVersion {
		t.Errorf("Err() = %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	cfg := testConfig("b.example", appS6a)
	cfg.HandshakeTimeout = 50 * time.Millisecond
	p, _ := acceptPeer(t, cfg, nil)

	if err := waitClosed(t, p); !errors.Is(err, ErrHandshakeFailed) {
		t.Errorf("Err() = %v, want ErrHandshakeFailed", err)
	}
	select {
	case <-p.Left():
		t.Error("Left closed for a peer that never opened")
	default:
	}
}

func TestSendRequiresOpen(t *testing.T) {
	p := New(testConfig("a.example", appS6a), nil)
	err := p.Send(message.NewRequest(318, appS6a))
	if !errors.Is(err, ErrPeerNotOpen) {
		t.Fatalf("Send() error = %v, want ErrPeerNotOpen", err)
	}
	if p.Conn() != nil {
		t.Error("transport created by Send")
	}

	p, _ = acceptPeer(t, testConfig("b.example", appS6a), nil)
	before := p.Conn().Stats()
	if err := p.Send(message.NewRequest(318, appS6a)); !errors.Is(err, ErrPeerNotOpen) {
		t.Fatalf("Send() in %s error = %v", p.State(), err)
	}
	if after := p.Conn().Stats(); after != before {
		t.Errorf("transport touched: %+v -> %+v", before, after)
	}
}

func TestDispatchInOrder(t *testing.T) {
	rec := newRecorder()
	p, fake := openPeer(t, testConfig("b.example", appS6a), rec)

	for i := uint32(1); i <= 5; i++ {
		m := message.NewRequest(318, appS6a, message.NewSessionID("a;1"))
		m.HopByHopID = 100 + i
		send(t, fake, m)
	}
	for i := uint32(1); i <= 5; i++ {
		select {
		case m := <-rec.ch:
			if m.HopByHopID != 100+i {
				t.Fatalf("dispatched %d, want %d", m.HopByHopID, 100+i)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("dispatch timeout")
		}
	}
	if err := p.Send(message.NewRequest(318, appS6a)); err != nil {
		t.Errorf("Send() in Open error = %v", err)
	}
	if m := recv(t, fake); m.CommandCode != 318 {
		t.Errorf("fake received %v", m)
	}
}

func TestDeviceWatchdogAnswered(t *testing.T) {
	openPeerCfg := testConfig("b.example", appS6a)
	p, fake := openPeer(t, openPeerCfg, nil)

	dwr := message.NewRequest(message.CodeDeviceWatchdog, 0, message.NewOriginHost("a.example"), message.NewOriginRealm("example"))
	dwr.HopByHopID, dwr.EndToEndID = 42, 43
	send(t, fake, dwr)

	dwa := recv(t, fake)
	if dwa.IsRequest() || dwa.CommandCode != message.CodeDeviceWatchdog || dwa.HopByHopID != 42 || dwa.EndToEndID != 43 {
		t.Fatalf("unexpected %v", dwa)
	}
	if rc := resultCode(t, dwa); rc != message.ResultSuccess {
		t.Errorf("Result-Code = %v", rc)
	}
	if p.State() != Open {
		t.Errorf("state = %s", p.State())
	}
}

func TestWatchdogTimeoutReportedOnce(t *testing.T) {
	var tr stateLog
	cfg := testConfig("b.example", appS6a)
	cfg.WatchdogInterval = 50 * time.Millisecond
	cfg.WatchdogTimeout = 50 * time.Millisecond
	cfg.OnStateChange = tr.observe
	p, fake := openPeer(t, cfg, nil)

	dwr := recv(t, fake)
	if dwr.CommandCode != message.CodeDeviceWatchdog || !dwr.IsRequest() {
		t.Fatalf("expected DWR, got %v", dwr)
	}

	err := waitClosed(t, p)
	if !errors.Is(err, ErrWatchdogTimeout) {
		t.Fatalf("Err() = %v, want ErrWatchdogTimeout", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := tr.count(Closed); n != 1 {
		t.Errorf("Closed reported %d times", n)
	}
}

func TestWatchdogKeepsConnectionOpen(t *testing.T) {
	cfg := testConfig("b.example", appS6a)
	cfg.WatchdogInterval = 30 * time.Millisecond
	cfg.WatchdogTimeout = 100 * time.Millisecond
	p, fake := openPeer(t, cfg, nil)

	var answered atomic.Int32
	go func() {
		for m := range fake.Messages() {
			if m.CommandCode == message.CodeDeviceWatchdog && m.IsRequest() {
				dwa := m.Answer()
				dwa.Add(message.NewResultCode(message.ResultSuccess), message.NewOriginHost("a.example"), message.NewOriginRealm("example"))
				fake.SendMessage(dwa)
				answered.Add(1)
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	if p.State() != Open {
		t.Fatalf("state = %s, err = %v", p.State(), p.Err())
	}
	if answered.Load() < 2 {
		t.Errorf("only %d watchdog exchanges", answered.Load())
	}
}

func TestLocalDisconnect(t *testing.T) {
	p, fake := openPeer(t, testConfig("b.example", appS6a), nil)

	go func() {
		for m := range fake.Messages() {
			if m.CommandCode == message.CodeDisconnectPeer && m.IsRequest() {
				dpa := m.Answer()
				dpa.Add(message.NewResultCode(message.ResultSuccess), message.NewOriginHost("a.example"), message.NewOriginRealm("example"))
				fake.SendMessage(dpa)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.Disconnect(ctx, message.DisconnectRebooting); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	var derr *DisconnectError
	if !errors.As(p.Err(), &derr) || derr.Remote || derr.Cause != message.DisconnectRebooting {
		t.Errorf("Err() = %v", p.Err())
	}
}

func TestLocalDisconnectWithoutAnswer(t *testing.T) {
	cfg := testConfig("b.example", appS6a)
	cfg.DisconnectTimeout = 50 * time.Millisecond
	p, fake := openPeer(t, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- p.Disconnect(ctx, message.DisconnectBusy) }()

	if dpr := recv(t, fake); dpr.CommandCode != message.CodeDisconnectPeer {
		t.Fatalf("expected DPR, got %v", dpr)
	}
	select {
	case <-p.Left():
	case <-time.After(time.Second):
		t.Fatal("Left not closed while waiting for the DPA")
	}
	if err := <-errc; err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !errors.Is(p.Err(), ErrDisconnected) {
		t.Errorf("Err() = %v", p.Err())
	}
}

func TestRemoteDisconnect(t *testing.T) {
	p, fake := openPeer(t, testConfig("b.example", appS6a), nil)

	dpr := message.NewRequest(message.CodeDisconnectPeer, 0,
		message.NewOriginHost("a.example"),
		message.NewOriginRealm("example"),
		message.NewUnsigned32(message.AVPDisconnectCause, message.DisconnectDoNotWant),
	)
	dpr.HopByHopID = 11
	send(t, fake, dpr)

	dpa := recv(t, fake)
	if dpa.IsRequest() || dpa.CommandCode != message.CodeDisconnectPeer || dpa.HopByHopID != 11 {
		t.Fatalf("unexpected %v", dpa)
	}
	var derr *DisconnectError
	if err := waitClosed(t, p); !errors.As(err, &derr) || !derr.Remote || derr.Cause != message.DisconnectDoNotWant {
		t.Errorf("Err() = %v", err)
	}
}

func TestConnectionLost(t *testing.T) {
	p, fake := openPeer(t, testConfig("b.example", appS6a), nil)
	fake.Close()
	if err := waitClosed(t, p); !errors.Is(err, connection.ErrConnectionLost) {
		t.Errorf("Err() = %v, want ErrConnectionLost", err)
	}
	if err := p.Send(message.NewRequest(318, appS6a)); !errors.Is(err, ErrPeerNotOpen) {
		t.Errorf("Send() after loss = %v", err)
	}
}

func TestCommonApplications(t *testing.T) {
	tests := []struct {
		name          string
		local, remote []uint32
		want          int
	}{
		{"overlap", []uint32{1, appS6a}, []uint32{appS6a, 3}, 1},
		{"none", []uint32{1}, []uint32{2}, 0},
		{"remote relay", []uint32{1, 2}, []uint32{message.AppRelay}, 2},
		{"local relay", []uint32{message.AppRelay}, []uint32{5}, 1},
		{"duplicates", []uint32{appS6a}, []uint32{appS6a, appS6a}, 1},
	}
	for _, tt := range tests {
		if got := commonApplications(tt.local, tt.remote); len(got) != tt.want {
			t.Errorf("%s: commonApplications() = %v, want %d entries", tt.name, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig("a.example", appS6a)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	bad := *cfg
	bad.OriginHost = ""
	var cerr *ConfigError
	if err := bad.Validate(); !errors.As(err, &cerr) || cerr.Field != "OriginHost" {
		t.Errorf("Validate() = %v", err)
	}
	bad = *cfg
	bad.AuthApplicationIDs = nil
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted a config without applications")
	}
	bad = *cfg
	bad.WatchdogTimeout = 0
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted a zero watchdog timeout")
	}
}
