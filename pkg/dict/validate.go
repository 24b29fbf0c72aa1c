package dict

import (
	"fmt"
	"strings"

	"github.com/hsdfat/diam-engine/pkg/avp"
	"github.com/hsdfat/diam-engine/pkg/message"
)

// ValidationError lists the rule violations found in a message.
type ValidationError struct {
	Command string
	Missing []string
	TooMany []string
	Failed  []*avp.AVP
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.TooMany) > 0 {
		parts = append(parts, "repeated "+strings.Join(e.TooMany, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Command, strings.Join(parts, "; "))
}

// ResultCode returns the Diameter result for the first kind of violation.
func (e *ValidationError) ResultCode() message.ResultCode {
	if len(e.Missing) > 0 {
		return message.ResultMissingAVP
	}
	return message.ResultAVPOccursTooManyTimes
}

// Validate checks msg against its command definition: required AVPs must be
// present and non-repeated AVPs must not occur twice. Grouped AVPs are
// checked against their member rules. Messages of unknown commands pass.
func (d *Dictionary) Validate(msg *message.Message) error {
	cmd, ok := d.Command(msg.ApplicationID, msg.CommandCode, msg.IsRequest())
	if !ok {
		return nil
	}
	verr := &ValidationError{Command: cmd.Name}
	d.check(verr, "", cmd.Fields, msg.AVPs)
	if len(verr.Missing) == 0 && len(verr.TooMany) == 0 {
		return nil
	}
	return verr
}

func (d *Dictionary) check(verr *ValidationError, prefix string, fields []*Field, avps []*avp.AVP) {
	for _, f := range fields {
		if f.AVP == nil {
			continue
		}
		found := avp.FindAll(avps, f.AVP.Code, f.AVP.VendorID)
		switch {
		case len(found) == 0 && f.Required:
			verr.Missing = append(verr.Missing, prefix+f.Name)
			verr.Failed = append(verr.Failed, avp.New(f.AVP.Code, 0, f.AVP.VendorID, zeroValue(f.AVP)))
		case len(found) > 1 && !f.Repeated:
			verr.TooMany = append(verr.TooMany, prefix+f.Name)
			verr.Failed = append(verr.Failed, found[1])
		}
		if len(f.AVP.Grouped) == 0 {
			continue
		}
		for _, a := range found {
			if g, ok := a.Group(); ok {
				d.check(verr, prefix+f.Name+".", f.AVP.Grouped, g)
			}
		}
	}
}
