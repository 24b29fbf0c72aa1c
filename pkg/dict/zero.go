package dict

import (
	"net"
	"time"

	"github.com/hsdfat/diam-engine/models_base"
	"github.com/hsdfat/diam-engine/pkg/avp"
)

// zeroValue returns a value of the right type and size for a Failed-AVP
// entry reporting a missing AVP.
func zeroValue(def *AVPDef) models_base.Type {
	switch def.Type {
	case models_base.Integer32Type:
		return models_base.Integer32(0)
	case models_base.Integer64Type:
		return models_base.Integer64(0)
	case models_base.Unsigned32Type:
		return models_base.Unsigned32(0)
	case models_base.Unsigned64Type:
		return models_base.Unsigned64(0)
	case models_base.Float32Type:
		return models_base.Float32(0)
	case models_base.Float64Type:
		return models_base.Float64(0)
	case models_base.EnumeratedType:
		return models_base.Enumerated(0)
	case models_base.AddressType:
		return models_base.Address(net.IPv4zero.To4())
	case models_base.TimeType:
		return models_base.Time(time.Unix(0, 0))
	case models_base.GroupedType:
		return avp.Grouped{}
	case models_base.UTF8StringType:
		return models_base.UTF8String("")
	case models_base.DiameterIdentityType:
		return models_base.DiameterIdentity("")
	}
	return models_base.OctetString("")
}
