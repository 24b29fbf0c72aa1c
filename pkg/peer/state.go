package peer

import (
	"errors"
	"fmt"
)

// State is the peer connection state.
type State int32

const (
	Closed State = iota
	Connecting
	WaitCapabilitiesExchange
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Connecting:
		return "Connecting"
	case WaitCapabilitiesExchange:
		return "WaitCapabilitiesExchange"
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Event drives state transitions.
type Event int

const (
	EventConnect            Event = iota // local side starts dialing
	EventAccept                          // inbound connection accepted
	EventConnectFailed                   // dial failed
	EventTransportUp                     // dial succeeded and CER was sent
	EventCapabilitiesOK                  // CER/CEA validated
	EventCapabilitiesFail                // no common application, bad version, refused or timed out
	EventWatchdogTimeout                 // no DWA within the watchdog timeout
	EventDisconnectSent                  // DPR sent
	EventDisconnectReceived              // DPR received and DPA sent
	EventDisconnectDone                  // DPA received, linger done or DPA timeout
	EventConnectionLost                  // transport closed or failed
)

var eventNames = [...]string{
	EventConnect:            "Connect",
	EventAccept:             "Accept",
	EventConnectFailed:      "ConnectFailed",
	EventTransportUp:        "TransportUp",
	EventCapabilitiesOK:     "CapabilitiesOK",
	EventCapabilitiesFail:   "CapabilitiesFail",
	EventWatchdogTimeout:    "WatchdogTimeout",
	EventDisconnectSent:     "DisconnectSent",
	EventDisconnectReceived: "DisconnectReceived",
	EventDisconnectDone:     "DisconnectDone",
	EventConnectionLost:     "ConnectionLost",
}

func (e Event) String() string {
	if int(e) >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// ErrIllegalTransition is returned by Transition for an event the state does not accept.
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State]map[Event]State{
	Closed: {
		EventConnect: Connecting,
		EventAccept:  WaitCapabilitiesExchange,
	},
	Connecting: {
		EventTransportUp:    WaitCapabilitiesExchange,
		EventConnectFailed:  Closed,
		EventConnectionLost: Closed,
	},
	WaitCapabilitiesExchange: {
		EventCapabilitiesOK:   Open,
		EventCapabilitiesFail: Closed,
		EventConnectionLost:   Closed,
	},
	Open: {
		EventWatchdogTimeout:    Closed,
		EventDisconnectSent:     Closing,
		EventDisconnectReceived: Closing,
		EventConnectionLost:     Closed,
	},
	Closing: {
		EventDisconnectDone: Closed,
		EventConnectionLost: Closed,
	},
}

// Transition returns the state reached from s on e.
func Transition(s State, e Event) (State, error) {
	if next, ok := transitions[s][e]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, s, e)
}
