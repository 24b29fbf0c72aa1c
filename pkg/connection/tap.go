package connection

import (
	"net"
	"time"
)

// Direction of a frame relative to this node.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

// Frame is one complete encoded message seen on a connection.
type Frame struct {
	ConnID    string
	Direction Direction
	Local     net.Addr
	Remote    net.Addr
	Time      time.Time
	Data      []byte
}

// Tap observes every frame sent or received. Implementations must not retain
// Data after returning and must not block.
type Tap interface {
	Frame(f Frame)
}

// TapFunc adapts a function to Tap.
type TapFunc func(f Frame)

func (fn TapFunc) Frame(f Frame) { fn(f) }
