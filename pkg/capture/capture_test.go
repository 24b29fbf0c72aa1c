package capture

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/hsdfat/diam-engine/pkg/connection"
	"github.com/hsdfat/diam-engine/pkg/dict"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/message"
)

var quiet = logger.New("test-capture", "error")

func dwr(t *testing.T, hbh uint32) []byte {
	t.Helper()
	m := message.NewRequest(message.CodeDeviceWatchdog, 0,
		message.NewOriginHost("a.example"),
		message.NewOriginRealm("example"),
	)
	m.HopByHopID, m.EndToEndID = hbh, hbh
	b, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func readPackets(t *testing.T, r *bytes.Reader) []gopacket.Packet {
	t.Helper()
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	if pr.LinkType() != layers.LinkTypeEthernet {
		t.Errorf("link type = %v", pr.LinkType())
	}
	var packets []gopacket.Packet
	for {
		data, _, err := pr.ReadPacketData()
		if err != nil {
			break
		}
		packets = append(packets, gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default))
	}
	return packets
}

func TestWriterFrames(t *testing.T) {
	var out bytes.Buffer
	w, err := NewWriter(&out, quiet)
	if err != nil {
		t.Fatal(err)
	}
	local := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 3868}
	remote := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40000}
	now := time.Now()

	out1, in1 := dwr(t, 1), dwr(t, 2)
	w.Frame(connection.Frame{ConnID: "c1", Direction: connection.Outbound, Local: local, Remote: remote, Time: now, Data: out1})
	w.Frame(connection.Frame{ConnID: "c1", Direction: connection.Inbound, Local: local, Remote: remote, Time: now, Data: in1})
	w.Frame(connection.Frame{ConnID: "c1", Direction: connection.Outbound, Local: local, Remote: remote, Time: now, Data: out1})
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	packets := readPackets(t, bytes.NewReader(out.Bytes()))
	if len(packets) != 3 {
		t.Fatalf("read %d packets, want 3", len(packets))
	}

	ip := packets[1].Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	tcp := packets[1].Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ip.SrcIP.Equal(remote.IP) || tcp.SrcPort != 40000 || tcp.DstPort != 3868 {
		t.Errorf("inbound packet from %v:%d to %d", ip.SrcIP, tcp.SrcPort, tcp.DstPort)
	}
	m, _, err := message.Decode(tcp.Payload, dict.Default())
	if err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	if m.HopByHopID != 2 || m.CommandCode != message.CodeDeviceWatchdog {
		t.Errorf("payload = %v", m)
	}

	first := packets[0].Layer(layers.LayerTypeTCP).(*layers.TCP)
	third := packets[2].Layer(layers.LayerTypeTCP).(*layers.TCP)
	if third.Seq != first.Seq+uint32(len(out1)) {
		t.Errorf("sequence %d after %d+%d", third.Seq, first.Seq, len(out1))
	}
}

func TestWriterIPv6AndNonTCPAddresses(t *testing.T) {
	var out bytes.Buffer
	w, err := NewWriter(&out, quiet)
	if err != nil {
		t.Fatal(err)
	}
	v6 := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 3868}
	w.Frame(connection.Frame{ConnID: "c6", Direction: connection.Outbound, Local: v6, Remote: &net.TCPAddr{IP: net.ParseIP("2001:db8::2"), Port: 5000}, Data: dwr(t, 1)})
	pipe, _ := net.Pipe()
	w.Frame(connection.Frame{ConnID: "cp", Direction: connection.Inbound, Local: pipe.LocalAddr(), Remote: pipe.RemoteAddr(), Data: dwr(t, 2)})
	w.Flush()

	packets := readPackets(t, bytes.NewReader(out.Bytes()))
	if len(packets) != 2 {
		t.Fatalf("read %d packets", len(packets))
	}
	if packets[0].Layer(layers.LayerTypeIPv6) == nil {
		t.Error("IPv6 frame not written as IPv6")
	}
	if packets[1].Layer(layers.LayerTypeIPv4) == nil {
		t.Error("pipe frame not written with placeholder IPv4 addresses")
	}
}

func TestCreateAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.pcap")
	w, err := Create(path, quiet)
	if err != nil {
		t.Fatal(err)
	}
	w.Frame(connection.Frame{ConnID: "c1", Data: dwr(t, 1)})
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// frames after close are dropped
	w.Frame(connection.Frame{ConnID: "c1", Data: dwr(t, 2)})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(readPackets(t, bytes.NewReader(data))); n != 1 {
		t.Errorf("file holds %d packets, want 1", n)
	}
}
