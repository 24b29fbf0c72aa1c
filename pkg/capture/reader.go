package capture

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/hsdfat/diam-engine/pkg/avp"
	"github.com/hsdfat/diam-engine/pkg/message"
)

// Packet is one Diameter message found in a capture.
type Packet struct {
	Time     time.Time
	Src, Dst string
	Message  *message.Message
	// Err is set instead of Message when the bytes did not decode.
	Err error
}

// Reader extracts Diameter messages from a pcap stream. TCP payloads are
// concatenated per flow in capture order; retransmitted or reordered
// segments are not handled.
type Reader struct {
	pcap    *pcapgo.Reader
	dict    avp.Dictionary
	flows   map[string][]byte
	pending []Packet
}

// NewReader reads the pcap file header from r. d may be nil.
func NewReader(r io.Reader, d avp.Dictionary) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read pcap header: %w", err)
	}
	return &Reader{pcap: pr, dict: d, flows: make(map[string][]byte)}, nil
}

// Next returns the next message, or io.EOF at the end of the capture.
func (r *Reader) Next() (Packet, error) {
	for len(r.pending) == 0 {
		data, ci, err := r.pcap.ReadPacketData()
		if err != nil {
			return Packet{}, err
		}
		r.packet(data, ci.Timestamp)
	}
	p := r.pending[0]
	r.pending = r.pending[1:]
	return p, nil
}

func (r *Reader) packet(data []byte, ts time.Time) {
	pkt := gopacket.NewPacket(data, r.pcap.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok || len(tcp.Payload) == 0 || pkt.NetworkLayer() == nil {
		return
	}
	nf := pkt.NetworkLayer().NetworkFlow()
	src := net.JoinHostPort(nf.Src().String(), strconv.Itoa(int(tcp.SrcPort)))
	dst := net.JoinHostPort(nf.Dst().String(), strconv.Itoa(int(tcp.DstPort)))
	key := src + ">" + dst

	buf := append(r.flows[key], tcp.Payload...)
	for len(buf) > 0 {
		m, n, err := message.Decode(buf, r.dict)
		if errors.Is(err, message.ErrIncomplete) {
			break
		}
		p := Packet{Time: ts, Src: src, Dst: dst, Message: m, Err: err}
		r.pending = append(r.pending, p)
		if err != nil {
			// Skip the declared length when it is usable, else the rest of the flow.
			if l, ok := message.PeekLength(buf); ok && l >= message.HeaderLen && l <= len(buf) {
				n = l
			} else {
				n = len(buf)
			}
		}
		buf = buf[n:]
	}
	if len(buf) == 0 {
		delete(r.flows, key)
		return
	}
	r.flows[key] = append([]byte(nil), buf...)
}

// ReadAll returns every message in the capture.
func ReadAll(rd io.Reader, d avp.Dictionary) ([]Packet, error) {
	r, err := NewReader(rd, d)
	if err != nil {
		return nil, err
	}
	var out []Packet
	for {
		p, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
}
