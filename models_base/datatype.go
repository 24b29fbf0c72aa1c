package models_base

import (
	"errors"
	"fmt"
)

// Type is implemented by every AVP value.
type Type interface {
	Serialize() []byte
	Len() int
	Padding() int
	Type() TypeID
	String() string
}

type TypeID int

const (
	UnknownType TypeID = iota
	AddressType
	DiameterIdentityType
	DiameterURIType
	EnumeratedType
	Float32Type
	Float64Type
	GroupedType
	IPFilterRuleType
	IPv4Type
	Integer32Type
	Integer64Type
	OctetStringType
	QoSFilterRuleType
	TimeType
	UTF8StringType
	Unsigned32Type
	Unsigned64Type
	IPv6Type
)

var Available = map[string]TypeID{
	"Address":          AddressType,
	"DiameterIdentity": DiameterIdentityType,
	"DiameterURI":      DiameterURIType,
	"Enumerated":       EnumeratedType,
	"Float32":          Float32Type,
	"Float64":          Float64Type,
	"Grouped":          GroupedType,
	"IPFilterRule":     IPFilterRuleType,
	"IPv4":             IPv4Type,
	"IPv6":             IPv6Type,
	"Integer32":        Integer32Type,
	"Integer64":        Integer64Type,
	"OctetString":      OctetStringType,
	"QoSFilterRule":    QoSFilterRuleType,
	"Time":             TimeType,
	"UTF8String":       UTF8StringType,
	"Unsigned32":       Unsigned32Type,
	"Unsigned64":       Unsigned64Type,
}

// String returns the dictionary name of the type.
func (t TypeID) String() string {
	for name, id := range Available {
		if id == t {
			return name
		}
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

var (
	// ErrInvalidLength is returned when a value's byte length does not fit its type.
	ErrInvalidLength = errors.New("invalid value length")
	// ErrInvalidValue is returned when the bytes have the right size but cannot be interpreted.
	ErrInvalidValue = errors.New("invalid value")
)

// DecoderFunc decodes the raw value of an AVP.
type DecoderFunc func([]byte) (Type, error)

// Decoders maps scalar types to their decoders. Grouped values are decoded by
// the AVP codec because they need the AVP header format.
var Decoders = map[TypeID]DecoderFunc{
	AddressType:          DecodeAddress,
	DiameterIdentityType: DecodeDiameterIdentity,
	DiameterURIType:      DecodeDiameterURI,
	EnumeratedType:       DecodeEnumerated,
	Float32Type:          DecodeFloat32,
	Float64Type:          DecodeFloat64,
	IPFilterRuleType:     DecodeIPFilterRule,
	IPv4Type:             DecodeIPv4,
	IPv6Type:             DecodeIPv6,
	Integer32Type:        DecodeInteger32,
	Integer64Type:        DecodeInteger64,
	OctetStringType:      DecodeOctetString,
	QoSFilterRuleType:    DecodeQoSFilterRule,
	TimeType:             DecodeTime,
	UTF8StringType:       DecodeUTF8String,
	Unsigned32Type:       DecodeUnsigned32,
	Unsigned64Type:       DecodeUnsigned64,
}

// Decode decodes b as the given type. Unknown types are kept as OctetString.
func Decode(id TypeID, b []byte) (Type, error) {
	dec, ok := Decoders[id]
	if !ok {
		return DecodeOctetString(b)
	}
	return dec(b)
}

func lengthError(t TypeID, want string, have int) error {
	return fmt.Errorf("%s: %w: want %s bytes, have %d", t, ErrInvalidLength, want, have)
}
