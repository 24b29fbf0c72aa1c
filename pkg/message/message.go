// Package message implements the Diameter message codec.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/hsdfat/diam-engine/models_base"
	"github.com/hsdfat/diam-engine/pkg/avp"
)

const (
	// Version is the only protocol version accepted.
	Version = 1
	// HeaderLen is the size of the fixed header.
	HeaderLen = 20
	// MaxLen is the largest length a 24-bit field can carry.
	MaxLen = 0xFFFFFF
)

// Flags are the command flag bits of the header.
type Flags uint8

const (
	Request    Flags = 0x80
	Proxiable  Flags = 0x40
	Error      Flags = 0x20
	Retransmit Flags = 0x10
)

func (f Flags) String() string {
	var b strings.Builder
	for _, p := range []struct {
		f Flags
		c byte
	}{{Request, 'R'}, {Proxiable, 'P'}, {Error, 'E'}, {Retransmit, 'T'}} {
		if f&p.f != 0 {
			b.WriteByte(p.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Header is the fixed 20-byte message header.
type Header struct {
	Version       uint8
	Length        uint32
	Flags         Flags
	CommandCode   uint32
	ApplicationID uint32
	HopByHopID    uint32
	EndToEndID    uint32
}

// Message is a Diameter message. AVPs keep wire order and duplicates.
type Message struct {
	Header
	AVPs []*avp.AVP
}

func (h *Header) IsRequest() bool       { return h.Flags&Request != 0 }
func (h *Header) IsProxiable() bool     { return h.Flags&Proxiable != 0 }
func (h *Header) IsError() bool         { return h.Flags&Error != 0 }
func (h *Header) IsRetransmitted() bool { return h.Flags&Retransmit != 0 }

// Abbrev returns a short name such as "CER" or "Command(318)A".
func (h *Header) Abbrev() string {
	suffix := "A"
	if h.IsRequest() {
		suffix = "R"
	}
	switch h.CommandCode {
	case CodeCapabilitiesExchange:
		return "CE" + suffix
	case CodeDeviceWatchdog:
		return "DW" + suffix
	case CodeDisconnectPeer:
		return "DP" + suffix
	case 316:
		return "UL" + suffix
	case 318:
		return "AI" + suffix
	}
	return fmt.Sprintf("%s%s", CommandName(h.CommandCode), suffix)
}

func parseHeader(b []byte) Header {
	return Header{
		Version:       b[0],
		Length:        uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
		Flags:         Flags(b[4]),
		CommandCode:   uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7]),
		ApplicationID: binary.BigEndian.Uint32(b[8:12]),
		HopByHopID:    binary.BigEndian.Uint32(b[12:16]),
		EndToEndID:    binary.BigEndian.Uint32(b[16:20]),
	}
}

// PeekLength returns the declared message length once four bytes are available.
func PeekLength(b []byte) (int, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return int(b[1])<<16 | int(b[2])<<8 | int(b[3]), true
}

// Len returns the encoded size of the message.
func (m *Message) Len() int {
	n := HeaderLen
	for _, a := range m.AVPs {
		n += a.EncodedLen()
	}
	return n
}

// Encode serializes the message and fills in Version and Length.
func (m *Message) Encode() ([]byte, error) {
	n := m.Len()
	if n > MaxLen {
		return nil, fmt.Errorf("message length %d exceeds 24 bits", n)
	}
	if m.CommandCode > 0xFFFFFF {
		return nil, fmt.Errorf("command code %d exceeds 24 bits", m.CommandCode)
	}
	m.Version = Version
	m.Length = uint32(n)

	b := make([]byte, HeaderLen, n)
	b[0] = m.Version
	b[1], b[2], b[3] = byte(n>>16), byte(n>>8), byte(n)
	b[4] = byte(m.Flags)
	b[5], b[6], b[7] = byte(m.CommandCode>>16), byte(m.CommandCode>>8), byte(m.CommandCode)
	binary.BigEndian.PutUint32(b[8:12], m.ApplicationID)
	binary.BigEndian.PutUint32(b[12:16], m.HopByHopID)
	binary.BigEndian.PutUint32(b[16:20], m.EndToEndID)

	for _, a := range m.AVPs {
		ab, err := a.Encode()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Abbrev(), err)
		}
		b = append(b, ab...)
	}
	return b, nil
}

// Decode parses one message from the start of b and returns the number of
// bytes consumed. A buffer that does not yet hold the whole message yields
// ErrIncomplete.
func Decode(b []byte, dict avp.Dictionary) (*Message, int, error) {
	if len(b) < HeaderLen {
		return nil, 0, ErrIncomplete
	}
	m := &Message{Header: parseHeader(b)}
	length := int(m.Length)

	switch {
	case m.Version != Version:
		return nil, 0, malformed(&m.Header, ResultUnsupportedVersion, fmt.Sprintf("unsupported version %d", m.Version), nil)
	case length < HeaderLen:
		return nil, 0, malformed(&m.Header, ResultInvalidMessageLength, fmt.Sprintf("length %d shorter than header", length), nil)
	case length%4 != 0:
		return nil, 0, malformed(&m.Header, ResultInvalidMessageLength, fmt.Sprintf("length %d not a multiple of 4", length), nil)
	case m.IsRequest() && m.IsError():
		return nil, 0, malformed(&m.Header, ResultInvalidHdrBits, "E-bit set on request", nil)
	}
	if len(b) < length {
		return nil, 0, ErrIncomplete
	}

	body := b[HeaderLen:length]
	for off := 0; off < len(body); {
		a, n, err := avp.Decode(body[off:], dict)
		if err != nil {
			code := ResultInvalidAVPLength
			var me *avp.MalformedAVPError
			if errors.As(err, &me) {
				code = ResultCode(me.ResultCode())
			}
			return nil, 0, malformed(&m.Header, code, fmt.Sprintf("AVP at offset %d", HeaderLen+off), err)
		}
		m.AVPs = append(m.AVPs, a)
		off += n
	}
	return m, length, nil
}

// Add appends AVPs and returns m.
func (m *Message) Add(avps ...*avp.AVP) *Message {
	m.AVPs = append(m.AVPs, avps...)
	return m
}

// Find returns the first base (vendor 0) AVP with the given code.
func (m *Message) Find(code uint32) *avp.AVP {
	return avp.Find(m.AVPs, code, 0)
}

// FindVendor returns the first AVP with the given code and vendor.
func (m *Message) FindVendor(code, vendorID uint32) *avp.AVP {
	return avp.Find(m.AVPs, code, vendorID)
}

// FindAll returns every base AVP with the given code.
func (m *Message) FindAll(code uint32) []*avp.AVP {
	return avp.FindAll(m.AVPs, code, 0)
}

func (m *Message) text(code uint32) string {
	if a := m.Find(code); a != nil {
		s, _ := a.Text()
		return s
	}
	return ""
}

func (m *Message) SessionID() string        { return m.text(AVPSessionID) }
func (m *Message) OriginHost() string       { return m.text(AVPOriginHost) }
func (m *Message) OriginRealm() string      { return m.text(AVPOriginRealm) }
func (m *Message) DestinationHost() string  { return m.text(AVPDestinationHost) }
func (m *Message) DestinationRealm() string { return m.text(AVPDestinationRealm) }

// ResultCode returns Result-Code, falling back to Experimental-Result-Code.
func (m *Message) ResultCode() (ResultCode, bool) {
	if a := m.Find(AVPResultCode); a != nil {
		if v, ok := a.Uint32(); ok {
			return ResultCode(v), true
		}
	}
	if a := m.Find(AVPExperimentalResult); a != nil {
		if g, ok := a.Group(); ok {
			if c := avp.Find(g, AVPExperimentalResultCode, 0); c != nil {
				if v, ok := c.Uint32(); ok {
					return ResultCode(v), true
				}
			}
		}
	}
	return 0, false
}

// ApplicationIDs returns the Auth-, Acct- and vendor specific application ids
// advertised in the message, in order of appearance.
func (m *Message) ApplicationIDs() []uint32 {
	var ids []uint32
	for _, a := range m.AVPs {
		if a.VendorID != 0 {
			continue
		}
		switch a.Code {
		case AVPAuthApplicationID, AVPAcctApplicationID:
			if v, ok := a.Uint32(); ok {
				ids = append(ids, v)
			}
		case AVPVendorSpecificApplicationID:
			g, _ := a.Group()
			for _, c := range g {
				if c.Code == AVPAuthApplicationID || c.Code == AVPAcctApplicationID {
					if v, ok := c.Uint32(); ok {
						ids = append(ids, v)
					}
				}
			}
		}
	}
	return ids
}

func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s{Flags=%s,App=%d,HbH=%#08x,E2E=%#08x,Len=%d",
		m.Abbrev(), m.Flags, m.ApplicationID, m.HopByHopID, m.EndToEndID, m.Length)
	for _, a := range m.AVPs {
		b.WriteString(",")
		b.WriteString(a.String())
	}
	b.WriteString("}")
	return b.String()
}

// NewRequest builds a request with the R-bit set. Identifiers are assigned
// when the request is sent.
func NewRequest(code, appID uint32, avps ...*avp.AVP) *Message {
	return &Message{
		Header: Header{Version: Version, Flags: Request, CommandCode: code, ApplicationID: appID},
		AVPs:   avps,
	}
}

// Answer builds an empty answer echoing the request identifiers and the P-bit.
func (m *Message) Answer() *Message {
	return &Message{Header: Header{
		Version:       Version,
		Flags:         m.Flags & Proxiable,
		CommandCode:   m.CommandCode,
		ApplicationID: m.ApplicationID,
		HopByHopID:    m.HopByHopID,
		EndToEndID:    m.EndToEndID,
	}}
}

// ErrorAnswer builds an answer carrying code. Protocol errors (3xxx) set the
// E-bit. Session-Id is echoed first when the request has one.
func (m *Message) ErrorAnswer(code ResultCode, originHost, originRealm string) *Message {
	ans := m.Answer()
	if code.IsProtocolError() {
		ans.Flags |= Error
	}
	if sid := m.Find(AVPSessionID); sid != nil {
		ans.Add(sid)
	}
	ans.Add(
		NewOriginHost(originHost),
		NewOriginRealm(originRealm),
		NewResultCode(code),
	)
	ans.Add(m.FindAll(AVPProxyInfo)...)
	return ans
}

// NewOriginHost builds an Origin-Host AVP.
func NewOriginHost(host string) *avp.AVP {
	return avp.New(AVPOriginHost, avp.Mandatory, 0, models_base.DiameterIdentity(host))
}

// NewOriginRealm builds an Origin-Realm AVP.
func NewOriginRealm(realm string) *avp.AVP {
	return avp.New(AVPOriginRealm, avp.Mandatory, 0, models_base.DiameterIdentity(realm))
}

// NewDestinationHost builds a Destination-Host AVP.
func NewDestinationHost(host string) *avp.AVP {
	return avp.New(AVPDestinationHost, avp.Mandatory, 0, models_base.DiameterIdentity(host))
}

// NewDestinationRealm builds a Destination-Realm AVP.
func NewDestinationRealm(realm string) *avp.AVP {
	return avp.New(AVPDestinationRealm, avp.Mandatory, 0, models_base.DiameterIdentity(realm))
}

// NewResultCode builds a Result-Code AVP.
func NewResultCode(code ResultCode) *avp.AVP {
	return avp.New(AVPResultCode, avp.Mandatory, 0, models_base.Unsigned32(code))
}

// NewSessionID builds a Session-Id AVP.
func NewSessionID(id string) *avp.AVP {
	return avp.New(AVPSessionID, avp.Mandatory, 0, models_base.UTF8String(id))
}

// NewUnsigned32 builds a mandatory base Unsigned32 AVP.
func NewUnsigned32(code, v uint32) *avp.AVP {
	return avp.New(code, avp.Mandatory, 0, models_base.Unsigned32(v))
}

// NewErrorMessage builds an Error-Message AVP.
func NewErrorMessage(text string) *avp.AVP {
	return avp.New(AVPErrorMessage, 0, 0, models_base.UTF8String(text))
}

// NewFailedAVP wraps the offending AVPs in a Failed-AVP.
func NewFailedAVP(avps ...*avp.AVP) *avp.AVP {
	return avp.New(AVPFailedAVP, avp.Mandatory, 0, avp.Grouped(avps))
}
