package avp

import (
	"errors"
	"fmt"

	"github.com/hsdfat/diam-engine/models_base"
)

// ErrMalformedAVP matches every *MalformedAVPError.
var ErrMalformedAVP = errors.New("malformed AVP")

// Result codes for a malformed AVP, as used in an error answer.
const (
	resultInvalidAVPValue  = 5004
	resultInvalidAVPLength = 5014
)

// MalformedAVPError describes an AVP that could not be decoded.
type MalformedAVPError struct {
	Code     uint32
	VendorID uint32
	Reason   string
	Err      error
}

func malformed(code, vendorID uint32, reason string, err error) error {
	return &MalformedAVPError{Code: code, VendorID: vendorID, Reason: reason, Err: err}
}

func (e *MalformedAVPError) Error() string {
	msg := fmt.Sprintf("malformed AVP code=%d", e.Code)
	if e.VendorID != 0 {
		msg += fmt.Sprintf(" vendor=%d", e.VendorID)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedAVPError) Unwrap() error {
	return e.Err
}

func (e *MalformedAVPError) Is(target error) bool {
	return target == ErrMalformedAVP
}

// ResultCode returns the Diameter result code that reports this failure.
func (e *MalformedAVPError) ResultCode() uint32 {
	var inner *MalformedAVPError
	if errors.As(e.Err, &inner) {
		return inner.ResultCode()
	}
	if errors.Is(e.Err, models_base.ErrInvalidValue) {
		return resultInvalidAVPValue
	}
	return resultInvalidAVPLength
}
