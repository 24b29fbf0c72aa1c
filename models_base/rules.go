package models_base

import "fmt"

// IPFilterRule data type.
type IPFilterRule OctetString

// DecodeIPFilterRule decodes an IPFilterRule data type from byte array.
func DecodeIPFilterRule(b []byte) (Type, error) {
	return IPFilterRule(b), nil
}

// Serialize implements the Type interface.
func (s IPFilterRule) Serialize() []byte {
	return OctetString(s).Serialize()
}

// Len implements the Type interface.
func (s IPFilterRule) Len() int {
	return len(s)
}

// Padding implements the Type interface.
func (s IPFilterRule) Padding() int {
	l := len(s)
	return Pad4(l) - l
}

// Type implements the Type interface.
func (s IPFilterRule) Type() TypeID {
	return IPFilterRuleType
}

// String implements the Type interface.
func (s IPFilterRule) String() string {
	return fmt.Sprintf("IPFilterRule{%s},Padding:%d", string(s), s.Padding())
}

// QoSFilterRule data type.
type QoSFilterRule OctetString

// DecodeQoSFilterRule decodes an QoSFilterRule data type from byte array.
func DecodeQoSFilterRule(b []byte) (Type, error) {
	return QoSFilterRule(b), nil
}

// Serialize implements the Type interface.
func (s QoSFilterRule) Serialize() []byte {
	return OctetString(s).Serialize()
}

// Len implements the Type interface.
func (s QoSFilterRule) Len() int {
	return len(s)
}

// Padding implements the Type interface.
func (s QoSFilterRule) Padding() int {
	l := len(s)
	return Pad4(l) - l
}

// Type implements the Type interface.
func (s QoSFilterRule) Type() TypeID {
	return QoSFilterRuleType
}

// String implements the Type interface.
func (s QoSFilterRule) String() string {
	return fmt.Sprintf("QoSFilterRule{%s},Padding:%d", string(s), s.Padding())
}
