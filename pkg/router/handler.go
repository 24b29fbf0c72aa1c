package router

import (
	"context"
	"fmt"
	"time"

	"github.com/hsdfat/diam-engine/pkg/message"
	"github.com/hsdfat/diam-engine/pkg/peer"
)

// Command identifies a request by application and command code.
type Command struct {
	Interface uint32 // Application-Id, e.g. S6a=16777251
	Code      uint32 // Command-Code
}

// CommandOf returns the command key of m.
func CommandOf(m *message.Message) Command {
	return Command{Interface: m.ApplicationID, Code: m.CommandCode}
}

func (c Command) String() string {
	return fmt.Sprintf("%d/%s", c.Interface, message.CommandName(c.Code))
}

// Request is an inbound request handed to a Handler.
type Request struct {
	Peer     *peer.Peer
	Message  *message.Message
	Received time.Time

	originHost  string
	originRealm string
}

// Command returns the command key of the request.
func (r *Request) Command() Command {
	return CommandOf(r.Message)
}

// Answer builds an answer with the local identity and code. The Session-Id of
// the request is echoed first.
func (r *Request) Answer(code message.ResultCode) *message.Message {
	ans := r.Message.Answer()
	if sid := r.Message.Find(message.AVPSessionID); sid != nil {
		ans.Add(sid)
	}
	ans.Add(
		message.NewResultCode(code),
		message.NewOriginHost(r.originHost),
		message.NewOriginRealm(r.originRealm),
	)
	return ans
}

// ErrorAnswer builds an error answer with the local identity. 3xxx codes set
// the E-bit.
func (r *Request) ErrorAnswer(code message.ResultCode) *message.Message {
	return r.Message.ErrorAnswer(code, r.originHost, r.originRealm)
}

// Handler serves one request. A nil answer sends nothing.
type Handler interface {
	ServeDiameter(ctx context.Context, req *Request) *message.Message
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) *message.Message

func (f HandlerFunc) ServeDiameter(ctx context.Context, req *Request) *message.Message {
	return f(ctx, req)
}

// Middleware wraps a Handler.
type Middleware func(next Handler) Handler

// Observer sees every message the router receives or sends.
type Observer interface {
	Inbound(p *peer.Peer, m *message.Message)
	Outbound(p *peer.Peer, m *message.Message)
}
