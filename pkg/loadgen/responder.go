package loadgen

import (
	"context"

	"github.com/hsdfat/diam-engine/models_base"
	"github.com/hsdfat/diam-engine/pkg/avp"
	"github.com/hsdfat/diam-engine/pkg/message"
	"github.com/hsdfat/diam-engine/pkg/router"
)

const (
	avpAuthSessionState = 277
	avpULAFlags         = 1406
)

// Responder answers S6a AIR and ULR with DIAMETER_SUCCESS, the way a test
// HSS would. Register it with Register.
type Responder struct{}

func (Responder) ServeDiameter(_ context.Context, req *router.Request) *message.Message {
	ans := req.Answer(message.ResultSuccess)
	ans.Add(avp.New(avpAuthSessionState, avp.Mandatory, 0, models_base.Enumerated(1)))
	if req.Message.CommandCode == codeULR {
		ans.Add(avp.New(avpULAFlags, avp.Mandatory, message.Vendor3GPP, models_base.Unsigned32(1)))
	}
	return ans
}

// Register installs Responder for every request Responder answers.
func Register(r *router.Router) {
	r.Handle(message.AppS6a, codeAIR, Responder{})
	r.Handle(message.AppS6a, codeULR, Responder{})
}
