package loadgen

import (
	"fmt"
	"math/rand/v2"

	"github.com/hsdfat/diam-engine/models_base"
	"github.com/hsdfat/diam-engine/pkg/avp"
	"github.com/hsdfat/diam-engine/pkg/dict"
	"github.com/hsdfat/diam-engine/pkg/message"
)

// Identity is the origin and destination written into generated requests.
type Identity struct {
	OriginHost       string
	OriginRealm      string
	DestinationRealm string
	DestinationHost  string // optional
}

const (
	codeULR = 316
	codeAIR = 318
)

// randomIMSI returns a 15 digit IMSI in the test PLMN 001/01.
func randomIMSI() string {
	return fmt.Sprintf("00101%010d", rand.Int64N(10_000_000_000))
}

func sessionID(host string, seq uint64) string {
	return fmt.Sprintf("%s;%d;%d", host, rand.Uint32(), seq)
}

func build(d *dict.Dictionary, id Identity, code uint32, seq uint64, extra func(add func(string, models_base.Type))) (*message.Message, error) {
	var err error
	var avps []*avp.AVP
	add := func(name string, v models_base.Type) {
		if err != nil {
			return
		}
		var a *avp.AVP
		if a, err = d.NewAVP(name, v); err == nil {
			avps = append(avps, a)
		}
	}

	add("Auth-Session-State", models_base.Enumerated(1)) // NO_STATE_MAINTAINED
	add("Destination-Realm", models_base.DiameterIdentity(id.DestinationRealm))
	if id.DestinationHost != "" {
		add("Destination-Host", models_base.DiameterIdentity(id.DestinationHost))
	}
	add("User-Name", models_base.UTF8String(randomIMSI()))
	add("Visited-PLMN-Id", models_base.OctetString("\x00\xf1\x10"))
	extra(add)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", message.CommandName(code), err)
	}

	m := message.NewRequest(code, message.AppS6a,
		message.NewSessionID(sessionID(id.OriginHost, seq)),
		message.NewOriginHost(id.OriginHost),
		message.NewOriginRealm(id.OriginRealm),
	)
	m.Flags |= message.Proxiable
	m.Add(avps...)
	return m, nil
}

// AuthenticationInformation builds S6a AIRs for random subscribers.
func AuthenticationInformation(d *dict.Dictionary, id Identity) func(seq uint64) (*message.Message, error) {
	return func(seq uint64) (*message.Message, error) {
		return build(d, id, codeAIR, seq, func(add func(string, models_base.Type)) {})
	}
}

// UpdateLocation builds S6a ULRs for random subscribers with an E-UTRAN RAT.
func UpdateLocation(d *dict.Dictionary, id Identity) func(seq uint64) (*message.Message, error) {
	return func(seq uint64) (*message.Message, error) {
		return build(d, id, codeULR, seq, func(add func(string, models_base.Type)) {
			add("RAT-Type", models_base.Enumerated(1004))
			add("ULR-Flags", models_base.Unsigned32(0x22))
		})
	}
}
