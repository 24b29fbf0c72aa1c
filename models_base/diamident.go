package models_base

import "fmt"

// DiameterIdentity data type.
type DiameterIdentity OctetString

// DecodeDiameterIdentity decodes a DiameterIdentity from byte array.
func DecodeDiameterIdentity(b []byte) (Type, error) {
	return DiameterIdentity(b), nil
}

// Serialize implements the Type interface.
func (s DiameterIdentity) Serialize() []byte {
	return []byte(s)
}

// Len implements the Type interface.
func (s DiameterIdentity) Len() int {
	return len(s)
}

// Padding implements the Type interface.
func (s DiameterIdentity) Padding() int {
	l := len(s)
	return Pad4(l) - l
}

// Type implements the Type interface.
func (s DiameterIdentity) Type() TypeID {
	return DiameterIdentityType
}

// String implements the Type interface.
func (s DiameterIdentity) String() string {
	return fmt.Sprintf("DiameterIdentity{%s},Padding:%d", string(s), s.Padding())
}

// DiameterURI data type, e.g. "aaa://host.example.com:3868;transport=tcp".
type DiameterURI OctetString

// DecodeDiameterURI decodes a DiameterURI from byte array.
func DecodeDiameterURI(b []byte) (Type, error) {
	return DiameterURI(b), nil
}

// Serialize implements the Type interface.
func (s DiameterURI) Serialize() []byte {
	return []byte(s)
}

// Len implements the Type interface.
func (s DiameterURI) Len() int {
	return len(s)
}

// Padding implements the Type interface.
func (s DiameterURI) Padding() int {
	l := len(s)
	return Pad4(l) - l
}

// Type implements the Type interface.
func (s DiameterURI) Type() TypeID {
	return DiameterURIType
}

// String implements the Type interface.
func (s DiameterURI) String() string {
	return fmt.Sprintf("DiameterURI{%s},Padding:%d", string(s), s.Padding())
}
