package avp

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/hsdfat/diam-engine/models_base"
)

// Flags are the AVP header flag bits.
type Flags uint8

const (
	Vendor    Flags = 0x80
	Mandatory Flags = 0x40
	Protected Flags = 0x20
)

const (
	headerLen       = 8
	vendorHeaderLen = 12
	maxLen          = 0xFFFFFF
)

func (f Flags) String() string {
	var b strings.Builder
	for _, p := range []struct {
		f Flags
		c byte
	}{{Vendor, 'V'}, {Mandatory, 'M'}, {Protected, 'P'}} {
		if f&p.f != 0 {
			b.WriteByte(p.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Dictionary resolves the value type of an AVP. Pairs it does not know are
// decoded as opaque OctetString values.
type Dictionary interface {
	TypeOf(code, vendorID uint32) (models_base.TypeID, bool)
}

// AVP is a single Attribute-Value Pair.
type AVP struct {
	Code     uint32
	Flags    Flags
	VendorID uint32
	Data     models_base.Type
}

// New creates an AVP. The vendor flag is set when vendorID is non-zero.
func New(code uint32, flags Flags, vendorID uint32, data models_base.Type) *AVP {
	if vendorID != 0 {
		flags |= Vendor
	}
	return &AVP{Code: code, Flags: flags, VendorID: vendorID, Data: data}
}

func (a *AVP) headerLen() int {
	if a.Flags&Vendor != 0 {
		return vendorHeaderLen
	}
	return headerLen
}

func (a *AVP) dataLen() int {
	if a.Data == nil {
		return 0
	}
	return a.Data.Len()
}

// Len returns the value of the AVP length field: header plus data, without padding.
func (a *AVP) Len() int {
	return a.headerLen() + a.dataLen()
}

// EncodedLen returns the number of bytes Encode produces, padding included.
func (a *AVP) EncodedLen() int {
	return models_base.Pad4(a.Len())
}

// IsMandatory reports whether the M-bit is set.
func (a *AVP) IsMandatory() bool {
	return a.Flags&Mandatory != 0
}

// Encode serializes the AVP including trailing padding.
func (a *AVP) Encode() ([]byte, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	b := make([]byte, a.EncodedLen())
	a.put(b)
	return b, nil
}

func (a *AVP) check() error {
	if a.Data == nil {
		return fmt.Errorf("avp %d: no data", a.Code)
	}
	if a.Len() > maxLen {
		return fmt.Errorf("avp %d: length %d exceeds 24 bits", a.Code, a.Len())
	}
	if g, ok := a.Data.(Grouped); ok {
		for _, child := range g {
			if err := child.check(); err != nil {
				return err
			}
		}
	}
	return nil
}

// put writes the AVP into b, which must hold at least EncodedLen bytes.
func (a *AVP) put(b []byte) int {
	l := a.Len()
	binary.BigEndian.PutUint32(b[0:4], a.Code)
	b[4] = byte(a.Flags)
	b[5] = byte(l >> 16)
	b[6] = byte(l >> 8)
	b[7] = byte(l)
	off := headerLen
	if a.Flags&Vendor != 0 {
		binary.BigEndian.PutUint32(b[8:12], a.VendorID)
		off = vendorHeaderLen
	}
	if a.Data != nil {
		copy(b[off:], a.Data.Serialize())
	}
	n := models_base.Pad4(l)
	for i := l; i < n; i++ {
		b[i] = 0
	}
	return n
}

// Decode parses one AVP from the start of b. It returns the AVP and the
// number of bytes consumed, padding included.
func Decode(b []byte, dict Dictionary) (*AVP, int, error) {
	if len(b) < headerLen {
		return nil, 0, malformed(0, 0, fmt.Sprintf("short header: %d bytes", len(b)), nil)
	}
	a := &AVP{
		Code:  binary.BigEndian.Uint32(b[0:4]),
		Flags: Flags(b[4]),
	}
	length := int(b[5])<<16 | int(b[6])<<8 | int(b[7])
	hdr := headerLen
	if a.Flags&Vendor != 0 {
		if len(b) < vendorHeaderLen || length < vendorHeaderLen {
			return nil, 0, malformed(a.Code, 0, "vendor flag set but vendor-id missing", nil)
		}
		a.VendorID = binary.BigEndian.Uint32(b[8:12])
		hdr = vendorHeaderLen
	}
	if length < hdr {
		return nil, 0, malformed(a.Code, a.VendorID, fmt.Sprintf("length %d shorter than header", length), nil)
	}
	if length > len(b) {
		return nil, 0, malformed(a.Code, a.VendorID, fmt.Sprintf("length %d exceeds buffer of %d bytes", length, len(b)), nil)
	}

	value := b[hdr:length]
	typ := models_base.OctetStringType
	if dict != nil {
		if t, ok := dict.TypeOf(a.Code, a.VendorID); ok {
			typ = t
		}
	}

	var err error
	if typ == models_base.GroupedType {
		a.Data, err = DecodeGrouped(value, dict)
	} else {
		a.Data, err = models_base.Decode(typ, value)
	}
	if err != nil {
		return nil, 0, malformed(a.Code, a.VendorID, "bad "+typ.String()+" value", err)
	}

	consumed := models_base.Pad4(length)
	if consumed > len(b) {
		consumed = len(b)
	}
	return a, consumed, nil
}

func (a *AVP) String() string {
	if a.Flags&Vendor != 0 {
		return fmt.Sprintf("AVP{Code=%d,Flags=%s,Vendor=%d,Data=%v}", a.Code, a.Flags, a.VendorID, a.Data)
	}
	return fmt.Sprintf("AVP{Code=%d,Flags=%s,Data=%v}", a.Code, a.Flags, a.Data)
}

// Uint32 returns the value of an Unsigned32, Integer32 or Enumerated AVP.
func (a *AVP) Uint32() (uint32, bool) {
	switch v := a.Data.(type) {
	case models_base.Unsigned32:
		return uint32(v), true
	case models_base.Enumerated:
		return uint32(v), true
	case models_base.Integer32:
		return uint32(v), true
	case models_base.OctetString:
		if len(v) == 4 {
			return binary.BigEndian.Uint32([]byte(v)), true
		}
	}
	return 0, false
}

// Text returns the value of a string-like AVP.
func (a *AVP) Text() (string, bool) {
	switch v := a.Data.(type) {
	case models_base.UTF8String:
		return string(v), true
	case models_base.DiameterIdentity:
		return string(v), true
	case models_base.DiameterURI:
		return string(v), true
	case models_base.OctetString:
		return string(v), true
	}
	return "", false
}

// Group returns the children of a grouped AVP.
func (a *AVP) Group() (Grouped, bool) {
	g, ok := a.Data.(Grouped)
	return g, ok
}

// Find returns the first AVP with the given code and vendor, or nil.
func Find(avps []*AVP, code, vendorID uint32) *AVP {
	for _, a := range avps {
		if a.Code == code && a.VendorID == vendorID {
			return a
		}
	}
	return nil
}

// FindAll returns every AVP with the given code and vendor, in order.
func FindAll(avps []*AVP, code, vendorID uint32) []*AVP {
	var out []*AVP
	for _, a := range avps {
		if a.Code == code && a.VendorID == vendorID {
			out = append(out, a)
		}
	}
	return out
}
