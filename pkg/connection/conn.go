// Package connection frames Diameter messages over a reliable byte stream.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/message"
)

// Stats holds connection statistics
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
}

// Conn owns one stream connection. Writes are serialized; reads run on an
// internal goroutine that yields whole messages through Messages.
type Conn struct {
	id  string
	rwc net.Conn
	cfg *Config
	log logger.Logger

	wmu sync.Mutex

	msgs      chan *message.Message
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
}

// New wraps rwc and starts reading from it.
func New(rwc net.Conn, cfg *Config) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		id:   uuid.NewString(),
		rwc:  rwc,
		cfg:  cfg,
		msgs: make(chan *message.Message, cfg.MessageBuffer),
		done: make(chan struct{}),
	}
	c.log = logger.With(cfg.Logger, "conn_id", c.id, "remote", rwc.RemoteAddr().String())
	go c.readLoop()
	return c
}

// Dial connects to addr. Only stream networks tcp, tcp4 and tcp6 are supported.
func Dial(ctx context.Context, network, addr string, cfg *Config) (*Conn, error) {
	if err := CheckNetwork(network); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	d := net.Dialer{Timeout: cfg.DialTimeout}
	rwc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, addr, err)
	}
	return New(rwc, cfg), nil
}

// Listen binds a listener on a supported network.
func Listen(ctx context.Context, network, addr string) (net.Listener, error) {
	if err := CheckNetwork(network); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	return lc.Listen(ctx, network, addr)
}

// CheckNetwork rejects networks the engine cannot frame, such as sctp.
func CheckNetwork(network string) error {
	switch network {
	case "tcp", "tcp4", "tcp6":
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) LocalAddr() net.Addr  { return c.rwc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.rwc.RemoteAddr() }

// Messages returns the stream of received messages. It is closed when the
// connection is lost; Err then reports why.
func (c *Conn) Messages() <-chan *message.Message {
	return c.msgs
}

// Done is closed exactly once, when the connection is lost or closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the *LostError after Done is closed, nil before.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the connection. The recorded cause is ErrClosed unless the
// connection was already lost.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	return nil
}

// Stats returns a snapshot of the counters.
func (c *Conn) Stats() Stats {
	return Stats{
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
	}
}

// Send writes one encoded message. Concurrent calls are written in the order
// they acquire the connection; a call blocks while the socket is full, up to
// the write timeout.
func (c *Conn) Send(b []byte) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		c.rwc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if _, err := c.rwc.Write(b); err != nil {
		c.fail(err)
		return c.Err()
	}
	c.messagesSent.Add(1)
	c.bytesSent.Add(uint64(len(b)))
	c.tap(Outbound, b)
	return nil
}

// SendMessage encodes m and sends it.
func (c *Conn) SendMessage(m *message.Message) error {
	b, err := m.Encode()
	if err != nil {
		return err
	}
	return c.Send(b)
}

func (c *Conn) fail(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = &LostError{ConnID: c.id, Cause: cause}
		c.errMu.Unlock()
		close(c.done)
		c.rwc.Close()
		if errors.Is(cause, ErrClosed) {
			c.log.Debugw("Connection closed")
		} else {
			c.log.Infow("Connection lost", "cause", cause)
		}
	})
}

func (c *Conn) rejectMalformed(err error) {
	var me *message.MalformedMessageError
	if c.cfg.OnMalformed == nil || !errors.As(err, &me) {
		return
	}
	if ans := c.cfg.OnMalformed(c, me); ans != nil {
		if serr := c.SendMessage(ans); serr != nil {
			c.log.Debugw("Failed to answer malformed message", "error", serr)
		}
	}
}

func (c *Conn) tap(dir Direction, b []byte) {
	if c.cfg.Tap == nil {
		return
	}
	c.cfg.Tap.Frame(Frame{
		ConnID:    c.id,
		Direction: dir,
		Local:     c.rwc.LocalAddr(),
		Remote:    c.rwc.RemoteAddr(),
		Time:      time.Now(),
		Data:      b,
	})
}

// readLoop buffers partial reads until the codec stops reporting an
// incomplete frame, then hands each message to the consumer in order.
func (c *Conn) readLoop() {
	defer close(c.msgs)

	buf := make([]byte, c.cfg.ReadBufferSize)
	start, end := 0, 0
	for {
		if end == len(buf) {
			if start > 0 {
				copy(buf, buf[start:end])
				end -= start
				start = 0
			} else {
				size := 2 * len(buf)
				if size > c.cfg.MaxMessageSize+message.HeaderLen {
					size = c.cfg.MaxMessageSize + message.HeaderLen
				}
				if size <= len(buf) {
					c.fail(ErrMessageTooLarge)
					return
				}
				grown := make([]byte, size)
				copy(grown, buf[:end])
				buf = grown
			}
		}

		n, rerr := c.rwc.Read(buf[end:])
		end += n
		c.bytesReceived.Add(uint64(n))

		for start < end {
			m, used, err := message.Decode(buf[start:end], c.cfg.Dictionary)
			if errors.Is(err, message.ErrIncomplete) {
				if l, ok := message.PeekLength(buf[start:end]); ok && l > c.cfg.MaxMessageSize {
					c.fail(fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, l))
					return
				}
				break
			}
			if err != nil {
				c.rejectMalformed(err)
				c.fail(err)
				return
			}
			c.tap(Inbound, buf[start:start+used])
			c.messagesReceived.Add(1)
			start += used

			select {
			case c.msgs <- m:
			case <-c.done:
				return
			}
		}
		if start == end {
			start, end = 0, 0
		}

		if rerr != nil {
			c.fail(rerr)
			return
		}
	}
}
