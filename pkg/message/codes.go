package message

import "fmt"

// Base protocol command codes.
const (
	CodeCapabilitiesExchange uint32 = 257
	CodeDeviceWatchdog       uint32 = 280
	CodeDisconnectPeer       uint32 = 282
)

// Application ids.
const (
	AppBase  uint32 = 0
	AppRelay uint32 = 0xffffffff
	AppS6a   uint32 = 16777251
)

// Vendor ids.
const (
	Vendor3GPP uint32 = 10415
)

// Base protocol AVP codes.
const (
	AVPUserName                    uint32 = 1
	AVPHostIPAddress               uint32 = 257
	AVPAuthApplicationID           uint32 = 258
	AVPAcctApplicationID           uint32 = 259
	AVPVendorSpecificApplicationID uint32 = 260
	AVPSessionID                   uint32 = 263
	AVPOriginHost                  uint32 = 264
	AVPSupportedVendorID           uint32 = 265
	AVPVendorID                    uint32 = 266
	AVPFirmwareRevision            uint32 = 267
	AVPResultCode                  uint32 = 268
	AVPProductName                 uint32 = 269
	AVPDisconnectCause             uint32 = 273
	AVPAuthSessionState            uint32 = 277
	AVPOriginStateID               uint32 = 278
	AVPFailedAVP                   uint32 = 279
	AVPErrorMessage                uint32 = 281
	AVPRouteRecord                 uint32 = 282
	AVPDestinationRealm            uint32 = 283
	AVPProxyInfo                   uint32 = 284
	AVPDestinationHost             uint32 = 293
	AVPErrorReportingHost          uint32 = 294
	AVPOriginRealm                 uint32 = 296
	AVPExperimentalResult          uint32 = 297
	AVPExperimentalResultCode      uint32 = 298
	AVPInbandSecurityID            uint32 = 299
)

// Disconnect-Cause values.
const (
	DisconnectRebooting uint32 = 0
	DisconnectBusy      uint32 = 1
	DisconnectDoNotWant uint32 = 2
)

// ResultCode is the value of a Result-Code AVP.
type ResultCode uint32

const (
	ResultSuccess ResultCode = 2001

	ResultCommandUnsupported     ResultCode = 3001
	ResultUnableToDeliver        ResultCode = 3002
	ResultRealmNotServed         ResultCode = 3003
	ResultTooBusy                ResultCode = 3004
	ResultLoopDetected           ResultCode = 3005
	ResultApplicationUnsupported ResultCode = 3007
	ResultInvalidHdrBits         ResultCode = 3008
	ResultInvalidAVPBits         ResultCode = 3009
	ResultUnknownPeer            ResultCode = 3010

	ResultAuthenticationRejected ResultCode = 4001
	ResultElectionLost           ResultCode = 4003

	ResultAVPUnsupported        ResultCode = 5001
	ResultUnknownSessionID      ResultCode = 5002
	ResultInvalidAVPValue       ResultCode = 5004
	ResultMissingAVP            ResultCode = 5005
	ResultAVPOccursTooManyTimes ResultCode = 5009
	ResultNoCommonApplication   ResultCode = 5010
	ResultUnsupportedVersion    ResultCode = 5011
	ResultUnableToComply        ResultCode = 5012
	ResultInvalidAVPLength      ResultCode = 5014
	ResultInvalidMessageLength  ResultCode = 5015
	ResultNoCommonSecurity      ResultCode = 5017
)

var resultNames = map[ResultCode]string{
	ResultSuccess:                "DIAMETER_SUCCESS",
	ResultCommandUnsupported:     "DIAMETER_COMMAND_UNSUPPORTED",
	ResultUnableToDeliver:        "DIAMETER_UNABLE_TO_DELIVER",
	ResultRealmNotServed:         "DIAMETER_REALM_NOT_SERVED",
	ResultTooBusy:                "DIAMETER_TOO_BUSY",
	ResultLoopDetected:           "DIAMETER_LOOP_DETECTED",
	ResultApplicationUnsupported: "DIAMETER_APPLICATION_UNSUPPORTED",
	ResultInvalidHdrBits:         "DIAMETER_INVALID_HDR_BITS",
	ResultInvalidAVPBits:         "DIAMETER_INVALID_AVP_BITS",
	ResultUnknownPeer:            "DIAMETER_UNKNOWN_PEER",
	ResultAuthenticationRejected: "DIAMETER_AUTHENTICATION_REJECTED",
	ResultElectionLost:           "DIAMETER_ELECTION_LOST",
	ResultAVPUnsupported:         "DIAMETER_AVP_UNSUPPORTED",
	ResultUnknownSessionID:       "DIAMETER_UNKNOWN_SESSION_ID",
	ResultInvalidAVPValue:        "DIAMETER_INVALID_AVP_VALUE",
	ResultMissingAVP:             "DIAMETER_MISSING_AVP",
	ResultAVPOccursTooManyTimes:  "DIAMETER_AVP_OCCURS_TOO_MANY_TIMES",
	ResultNoCommonApplication:    "DIAMETER_NO_COMMON_APPLICATION",
	ResultUnsupportedVersion:     "DIAMETER_UNSUPPORTED_VERSION",
	ResultUnableToComply:         "DIAMETER_UNABLE_TO_COMPLY",
	ResultInvalidAVPLength:       "DIAMETER_INVALID_AVP_LENGTH",
	ResultInvalidMessageLength:   "DIAMETER_INVALID_MESSAGE_LENGTH",
	ResultNoCommonSecurity:       "DIAMETER_NO_COMMON_SECURITY",
}

func (c ResultCode) String() string {
	if name, ok := resultNames[c]; ok {
		return name
	}
	return fmt.Sprintf("RESULT_CODE_%d", uint32(c))
}

// IsSuccess reports a 2xxx result.
func (c ResultCode) IsSuccess() bool {
	return c >= 2000 && c < 3000
}

// IsProtocolError reports a 3xxx result, which is carried with the E-bit.
func (c ResultCode) IsProtocolError() bool {
	return c >= 3000 && c < 4000
}

// IsTransient reports a 4xxx result.
func (c ResultCode) IsTransient() bool {
	return c >= 4000 && c < 5000
}

// IsPermanent reports a 5xxx result.
func (c ResultCode) IsPermanent() bool {
	return c >= 5000 && c < 6000
}

var commandNames = map[uint32]string{
	CodeCapabilitiesExchange: "Capabilities-Exchange",
	CodeDeviceWatchdog:       "Device-Watchdog",
	CodeDisconnectPeer:       "Disconnect-Peer",
	258:                      "Re-Auth",
	271:                      "Accounting",
	274:                      "Abort-Session",
	275:                      "Session-Termination",
	316:                      "Update-Location",
	317:                      "Cancel-Location",
	318:                      "Authentication-Information",
	324:                      "ME-Identity-Check",
}

// CommandName returns a readable name for a command code.
func CommandName(code uint32) string {
	if name, ok := commandNames[code]; ok {
		return name
	}
	return fmt.Sprintf("Command(%d)", code)
}

// IsBaseCommand reports whether code is handled by the peer state machine.
func IsBaseCommand(code uint32) bool {
	switch code {
	case CodeCapabilitiesExchange, CodeDeviceWatchdog, CodeDisconnectPeer:
		return true
	}
	return false
}
