// Package capture writes the Diameter frames seen on peer connections to a
// pcap file, wrapped in synthetic Ethernet, IP and TCP headers so that
// Wireshark decodes them as Diameter.
package capture

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/hsdfat/diam-engine/pkg/connection"
	"github.com/hsdfat/diam-engine/pkg/logger"
)

const (
	snapLen     = 65536
	defaultPort = 3868
)

var (
	localMAC  = net.HardwareAddr{0x00, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e}
	remoteMAC = net.HardwareAddr{0x00, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e}
)

type flowKey struct {
	connID string
	dir    connection.Direction
}

// Writer is a connection.Tap that appends every frame to a pcap stream.
type Writer struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	pcap   *pcapgo.Writer
	closer io.Closer
	seq    map[flowKey]uint32
	log    logger.Logger
	failed bool
}

// NewWriter writes the pcap file header to w.
func NewWriter(w io.Writer, log logger.Logger) (*Writer, error) {
	buf := bufio.NewWriter(w)
	pw := pcapgo.NewWriter(buf)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Writer{
		buf:  buf,
		pcap: pw,
		seq:  make(map[flowKey]uint32),
		log:  logger.Or(log),
	}, nil
}

// Create opens path and writes the pcap file header.
func Create(path string, log logger.Logger) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, log)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// Frame records one frame. Write errors are logged once and capture stops.
func (w *Writer) Frame(f connection.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return
	}
	if err := w.write(f); err != nil {
		w.failed = true
		w.log.Errorw("Packet capture stopped", "error", err)
	}
}

func (w *Writer) write(f connection.Frame) error {
	src, dst := endpoint(f.Local, net.IPv4(127, 0, 0, 1), defaultPort), endpoint(f.Remote, net.IPv4(127, 0, 0, 2), 0)
	srcMAC, dstMAC := localMAC, remoteMAC
	if f.Direction == connection.Inbound {
		src, dst = dst, src
		srcMAC, dstMAC = dstMAC, srcMAC
	}

	key := flowKey{connID: f.ConnID, dir: f.Direction}
	seq := w.seq[key] + 1
	w.seq[key] = seq + uint32(len(f.Data)) - 1
	ack := w.seq[flowKey{connID: f.ConnID, dir: 1 - f.Direction}] + 1

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port),
		DstPort: layers.TCPPort(dst.Port),
		Seq:     seq,
		Ack:     ack,
		ACK:     true,
		PSH:     true,
		Window:  65535,
	}
	var network gopacket.SerializableLayer
	if src.IP.To4() != nil && dst.IP.To4() != nil {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    src.IP.To4(),
			DstIP:    dst.IP.To4(),
		}
		tcp.SetNetworkLayerForChecksum(ip)
		network = ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      src.IP.To16(),
			DstIP:      dst.IP.To16(),
		}
		tcp.SetNetworkLayerForChecksum(ip)
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, network, tcp, gopacket.Payload(f.Data)); err != nil {
		return err
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     f.Time,
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}
	return w.pcap.WritePacket(ci, buf.Bytes())
}

// endpoint returns the TCP address of a, or ip and port for other addresses.
func endpoint(a net.Addr, ip net.IP, port int) *net.TCPAddr {
	if ta, ok := a.(*net.TCPAddr); ok && ta.IP != nil {
		return ta
	}
	return &net.TCPAddr{IP: ip, Port: port}
}

// Flush writes buffered packets.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Close flushes and closes the file opened by Create.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failed = true
	err := w.buf.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
