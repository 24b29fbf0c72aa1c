package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hsdfat/diam-engine/pkg/dict"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/message"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Dictionary = dict.Default()
	cfg.Logger = logger.New("test-conn", "error")
	cfg.ReadBufferSize = 32
	return cfg
}

func encode(t *testing.T, code uint32, hbh uint32, host string) []byte {
	t.Helper()
	m := message.NewRequest(code, 0, message.NewOriginHost(host), message.NewOriginRealm("example"))
	m.HopByHopID = hbh
	b, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func receive(t *testing.T, c *Conn) *message.Message {
	t.Helper()
	select {
	case m, ok := <-c.Messages():
		if !ok {
			t.Fatalf("message stream closed: %v", c.Err())
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return nil
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not done")
	}
}

func TestReassemblesPartialReads(t *testing.T) {
	local, remote := net.Pipe()
	c := New(local, testConfig())
	defer c.Close()

	first := encode(t, message.CodeCapabilitiesExchange, 1, "a-very-long-origin-host.example")
	second := encode(t, message.CodeDeviceWatchdog, 2, "a.example")
	third := encode(t, message.CodeDeviceWatchdog, 3, "a.example")

	go func() {
		for i := range first {
			remote.Write(first[i : i+1])
		}
		remote.Write(append(append([]byte{}, second...), third...))
	}()

	for _, want := range []uint32{1, 2, 3} {
		m := receive(t, c)
		if m.HopByHopID != want {
			t.Fatalf("hop-by-hop = %d, want %d", m.HopByHopID, want)
		}
	}
	if got := c.Stats().MessagesReceived; got != 3 {
		t.Errorf("MessagesReceived = %d, want 3", got)
	}
}

func TestPeerCloseSignalsLostOnce(t *testing.T) {
	local, remote := net.Pipe()
	c := New(local, testConfig())

	remote.Close()
	waitDone(t, c)

	if _, ok := <-c.Messages(); ok {
		t.Fatal("message stream still open")
	}
	err := c.Err()
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Err() = %v, want ErrConnectionLost", err)
	}
	if !errors.Is(err, io.EOF) {
		t.Errorf("cause = %v, want io.EOF", err)
	}
	c.Close()
	if c.Err() != err {
		t.Error("Close after loss replaced the recorded error")
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	local, remote := net.Pipe()
	c := New(local, testConfig())

	b := encode(t, message.CodeDeviceWatchdog, 1, "a.example")
	b[0] = 9
	go remote.Write(b)

	waitDone(t, c)
	if !errors.Is(c.Err(), message.ErrMalformedMessage) {
		t.Errorf("Err() = %v, want ErrMalformedMessage", c.Err())
	}
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	local, remote := net.Pipe()
	cfg := testConfig()
	cfg.MaxMessageSize = 64
	c := New(local, cfg)

	b := encode(t, message.CodeDeviceWatchdog, 1, "a-host-name-long-enough-to-exceed-the-limit.example")
	go remote.Write(b)

	waitDone(t, c)
	if !errors.Is(c.Err(), ErrMessageTooLarge) {
		t.Errorf("Err() = %v, want ErrMessageTooLarge", c.Err())
	}
}

func TestSendAfterClose(t *testing.T) {
	local, _ := net.Pipe()
	c := New(local, testConfig())
	c.Close()

	err := c.Send([]byte{1, 2, 3, 4})
	if !errors.Is(err, ErrConnectionLost) || !errors.Is(err, ErrClosed) {
		t.Errorf("Send() = %v, want lost/closed", err)
	}
}

func TestUnsupportedNetwork(t *testing.T) {
	for _, network := range []string{"sctp", "udp", "unix"} {
		if _, err := Dial(context.Background(), network, "127.0.0.1:3868", nil); !errors.Is(err, ErrUnsupportedNetwork) {
			t.Errorf("Dial(%s) = %v, want ErrUnsupportedNetwork", network, err)
		}
		if _, err := Listen(context.Background(), network, "127.0.0.1:0"); !errors.Is(err, ErrUnsupportedNetwork) {
			t.Errorf("Listen(%s) = %v, want ErrUnsupportedNetwork", network, err)
		}
	}
}

func TestConcurrentSendsStayFramed(t *testing.T) {
	ln, err := Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		rwc, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- New(rwc, testConfig())
	}()

	var mu sync.Mutex
	var frames int
	cfg := testConfig()
	cfg.Tap = TapFunc(func(f Frame) {
		if f.Direction == Outbound {
			mu.Lock()
			frames++
			mu.Unlock()
		}
	})
	client, err := Dial(context.Background(), "tcp", ln.Addr().String(), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	server := <-accepted
	defer server.Close()

	const senders, per = 10, 50
	frameSet := make([][]byte, senders*per)
	for i := range frameSet {
		frameSet[i] = encode(t, message.CodeDeviceWatchdog, uint32(i), "a.example")
	}
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				if err := client.Send(frameSet[s*per+i]); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(s)
	}

	seen := make(map[uint32]bool)
	for len(seen) < senders*per {
		m := receive(t, server)
		if seen[m.HopByHopID] {
			t.Fatalf("duplicate hop-by-hop %d", m.HopByHopID)
		}
		seen[m.HopByHopID] = true
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if frames != senders*per {
		t.Errorf("tap saw %d outbound frames, want %d", frames, senders*per)
	}
}

func TestMalformedRequestAnswered(t *testing.T) {
	local, remote := net.Pipe()
	cfg := testConfig()
	cfg.OnMalformed = func(c *Conn, me *message.MalformedMessageError) *message.Message {
		req := &message.Message{Header: me.Header}
		return req.ErrorAnswer(me.ResultCode, "b.example", "example")
	}
	c := New(local, cfg)

	b := encode(t, message.CodeCapabilitiesExchange, 77, "a.example")
	b[0] = 2
	go remote.Write(b)

	other := New(remote, testConfig())
	ans := receive(t, other)
	if ans.HopByHopID != 77 || ans.IsRequest() {
		t.Errorf("answer = %v", ans)
	}
	if rc, _ := ans.ResultCode(); rc != message.ResultUnsupportedVersion {
		t.Errorf("Result-Code = %v, want %v", rc, message.ResultUnsupportedVersion)
	}
	waitDone(t, c)
}
