package peer

import (
	"net"

	"github.com/hsdfat/diam-engine/models_base"
	"github.com/hsdfat/diam-engine/pkg/avp"
	"github.com/hsdfat/diam-engine/pkg/message"
)

// addCapabilities appends the CER/CEA identity and application AVPs.
func (p *Peer) addCapabilities(m *message.Message) {
	var local net.Addr
	if conn := p.conn.Load(); conn != nil {
		local = conn.LocalAddr()
	}
	p.addHostInfo(m, local)

	m.Add(message.NewUnsigned32(message.AVPOriginStateID, p.cfg.OriginStateID))
	for _, v := range p.cfg.SupportedVendorIDs {
		m.Add(message.NewUnsigned32(message.AVPSupportedVendorID, v))
	}
	for _, id := range p.cfg.AuthApplicationIDs {
		m.Add(message.NewUnsigned32(message.AVPAuthApplicationID, id))
	}
	for _, id := range p.cfg.AcctApplicationIDs {
		m.Add(message.NewUnsigned32(message.AVPAcctApplicationID, id))
	}
	for _, va := range p.cfg.VendorApplications {
		g := avp.Grouped{message.NewUnsigned32(message.AVPVendorID, va.VendorID)}
		if va.AuthApplicationID != 0 {
			g = append(g, message.NewUnsigned32(message.AVPAuthApplicationID, va.AuthApplicationID))
		}
		if va.AcctApplicationID != 0 {
			g = append(g, message.NewUnsigned32(message.AVPAcctApplicationID, va.AcctApplicationID))
		}
		m.Add(avp.New(message.AVPVendorSpecificApplicationID, avp.Mandatory, 0, g))
	}
	if p.cfg.FirmwareRevision != 0 {
		m.Add(avp.New(message.AVPFirmwareRevision, 0, 0, models_base.Unsigned32(p.cfg.FirmwareRevision)))
	}
}

// addHostInfo appends Origin-Host, Origin-Realm, Host-IP-Address, Vendor-Id
// and Product-Name. Answers built by ErrorAnswer already carry the first two.
func (p *Peer) addHostInfo(m *message.Message, local net.Addr) {
	if m.Find(message.AVPOriginHost) == nil {
		m.Add(message.NewOriginHost(p.cfg.OriginHost), message.NewOriginRealm(p.cfg.OriginRealm))
	}
	ips := p.cfg.HostIPAddresses
	if len(ips) == 0 {
		if tcp, ok := local.(*net.TCPAddr); ok {
			ips = []net.IP{tcp.IP}
		}
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		m.Add(avp.New(message.AVPHostIPAddress, avp.Mandatory, 0, models_base.Address(ip)))
	}
	m.Add(
		message.NewUnsigned32(message.AVPVendorID, p.cfg.VendorID),
		avp.New(message.AVPProductName, 0, 0, models_base.UTF8String(p.cfg.ProductName)),
	)
}

func hostIPs(m *message.Message) []net.IP {
	var ips []net.IP
	for _, a := range m.FindAll(message.AVPHostIPAddress) {
		if addr, ok := a.Data.(models_base.Address); ok {
			ips = append(ips, net.IP(addr))
		}
	}
	return ips
}
