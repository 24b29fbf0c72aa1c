package models_base

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Address families from the IANA "Address Family Numbers" registry.
const (
	AddressFamilyIPv4 uint16 = 1
	AddressFamilyIPv6 uint16 = 2
)

// Address carries an IPv4 or IPv6 address prefixed by its family.
type Address net.IP

func DecodeAddress(b []byte) (Type, error) {
	if len(b) < 2 {
		return Address(nil), lengthError(AddressType, ">=2", len(b))
	}
	family := binary.BigEndian.Uint16(b)
	ip := b[2:]
	switch family {
	case AddressFamilyIPv4:
		if len(ip) != net.IPv4len {
			return Address(nil), lengthError(AddressType, "2+4", len(b))
		}
	case AddressFamilyIPv6:
		if len(ip) != net.IPv6len {
			return Address(nil), lengthError(AddressType, "2+16", len(b))
		}
	default:
		return Address(nil), fmt.Errorf("%s: %w: unsupported family %d", AddressType, ErrInvalidValue, family)
	}
	a := make(net.IP, len(ip))
	copy(a, ip)
	return Address(a), nil
}

func (addr Address) Serialize() []byte {
	if ip4 := net.IP(addr).To4(); ip4 != nil {
		b := make([]byte, 2+net.IPv4len)
		binary.BigEndian.PutUint16(b, AddressFamilyIPv4)
		copy(b[2:], ip4)
		return b
	}
	b := make([]byte, 2+net.IPv6len)
	binary.BigEndian.PutUint16(b, AddressFamilyIPv6)
	copy(b[2:], net.IP(addr).To16())
	return b
}

func (addr Address) Len() int {
	if net.IP(addr).To4() != nil {
		return 2 + net.IPv4len
	}
	return 2 + net.IPv6len
}

func (addr Address) Padding() int {
	l := addr.Len()
	return Pad4(l) - l
}

func (addr Address) Type() TypeID {
	return AddressType
}

func (addr Address) String() string {
	return fmt.Sprintf("Address{%s},Padding:%d", net.IP(addr), addr.Padding())
}

// IPv4 is a bare 4-byte address without family prefix.
type IPv4 net.IP

func DecodeIPv4(b []byte) (Type, error) {
	if len(b) != net.IPv4len {
		return IPv4(nil), lengthError(IPv4Type, "4", len(b))
	}
	ip := make(net.IP, net.IPv4len)
	copy(ip, b)
	return IPv4(ip), nil
}

func (ip IPv4) Serialize() []byte {
	if ip4 := net.IP(ip).To4(); ip4 != nil {
		return []byte(ip4)
	}
	return make([]byte, net.IPv4len)
}

func (ip IPv4) Len() int {
	return net.IPv4len
}

func (ip IPv4) Padding() int {
	return 0
}

func (ip IPv4) Type() TypeID {
	return IPv4Type
}

func (ip IPv4) String() string {
	return fmt.Sprintf("IPv4{%s}", net.IP(ip))
}

// IPv6 is a bare 16-byte address without family prefix.
type IPv6 net.IP

func DecodeIPv6(b []byte) (Type, error) {
	if len(b) != net.IPv6len {
		return IPv6(nil), lengthError(IPv6Type, "16", len(b))
	}
	ip := make(net.IP, net.IPv6len)
	copy(ip, b)
	return IPv6(ip), nil
}

func (ip IPv6) Serialize() []byte {
	if ip16 := net.IP(ip).To16(); ip16 != nil {
		return []byte(ip16)
	}
	return make([]byte, net.IPv6len)
}

func (ip IPv6) Len() int {
	return net.IPv6len
}

func (ip IPv6) Padding() int {
	return 0
}

func (ip IPv6) Type() TypeID {
	return IPv6Type
}

func (ip IPv6) String() string {
	return fmt.Sprintf("IPv6{%s}", net.IP(ip))
}
