package models_base

import (
	"fmt"
	"unicode/utf8"
)

type UTF8String OctetString

// DecodeUTF8String rejects byte sequences that are not valid UTF-8.
func DecodeUTF8String(b []byte) (Type, error) {
	if !utf8.Valid(b) {
		return UTF8String(""), fmt.Errorf("%s: %w: not valid UTF-8", UTF8StringType, ErrInvalidValue)
	}
	return UTF8String(b), nil
}

func (s UTF8String) Serialize() []byte {
	return OctetString(s).Serialize()
}

func (s UTF8String) Len() int {
	return len(s)
}

func (s UTF8String) Padding() int {
	l := len(s)
	return Pad4(l) - l
}

func (s UTF8String) Type() TypeID {
	return UTF8StringType
}

func (s UTF8String) String() string {
	return fmt.Sprintf("UTF8String{%s},Padding:%d", string(s), s.Padding())
}
