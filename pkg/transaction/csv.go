package transaction

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/hsdfat/diam-engine/models_base"
	"github.com/hsdfat/diam-engine/pkg/avp"
	"github.com/hsdfat/diam-engine/pkg/dict"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/message"
)

// Column is a field of a CSV message trace.
type Column string

const (
	ColumnMessageType   Column = "message_type"
	ColumnIsRequest     Column = "is_request"
	ColumnSessionID     Column = "session_id"
	ColumnOriginHost    Column = "origin_host"
	ColumnOriginRealm   Column = "origin_realm"
	ColumnUserName      Column = "user_name"
	ColumnVisitedPLMNID Column = "visited_plmn_id"
	ColumnResultCode    Column = "result_code"
)

// Columns lists every column a trace header must name, in any order.
var Columns = []Column{
	ColumnMessageType,
	ColumnIsRequest,
	ColumnSessionID,
	ColumnOriginHost,
	ColumnOriginRealm,
	ColumnUserName,
	ColumnVisitedPLMNID,
	ColumnResultCode,
}

const avpVisitedPLMNID uint32 = 1407

type traceCommand struct {
	code    uint32
	request bool
}

var traceCommands = map[string]traceCommand{
	"AIR": {318, true},
	"AIA": {318, false},
	"ULR": {316, true},
	"ULA": {316, false},
}

var (
	// ErrEmptyTrace is returned when the input has no header line.
	ErrEmptyTrace = errors.New("CSV trace is empty")
	// ErrTraceHeader matches every header validation error.
	ErrTraceHeader = errors.New("invalid CSV header")
)

// LineError reports a trace line that could not be turned into a message.
// Line is 1-based and counts the header.
type LineError struct {
	Line   int
	Reason string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// TraceReader turns the lines of a CSV message trace into S6a messages.
// Empty fields are left out of the message.
type TraceReader struct {
	csv   *csv.Reader
	index map[Column]int
}

// NewTraceReader reads and validates the header line. Column names are
// case-insensitive; unknown or missing columns fail with ErrTraceHeader.
func NewTraceReader(r io.Reader) (*TraceReader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyTrace
	}
	if err != nil {
		return nil, fmt.Errorf("read CSV header: %w", err)
	}
	if len(header) == 1 && strings.TrimSpace(header[0]) == "" {
		return nil, fmt.Errorf("%w: header is blank", ErrTraceHeader)
	}

	known := make(map[Column]bool, len(Columns))
	for _, c := range Columns {
		known[c] = true
	}
	index := make(map[Column]int, len(Columns))
	for i, h := range header {
		c := Column(strings.ToLower(strings.TrimSpace(h)))
		if !known[c] {
			return nil, fmt.Errorf("%w: unknown column %q", ErrTraceHeader, h)
		}
		index[c] = i
	}
	for _, c := range Columns {
		if _, ok := index[c]; !ok {
			return nil, fmt.Errorf("%w: missing required column %s", ErrTraceHeader, c)
		}
	}
	return &TraceReader{csv: cr, index: index}, nil
}

// Next returns the message on the next line, or io.EOF at the end of the
// input. A bad line returns a *LineError and reading may continue.
func (r *TraceReader) Next() (*message.Message, error) {
	rec, err := r.csv.Read()
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return nil, &LineError{Line: pe.StartLine, Reason: pe.Err.Error()}
		}
		return nil, err
	}
	line, _ := r.csv.FieldPos(0)
	if len(rec) < len(r.index) {
		return nil, &LineError{Line: line, Reason: fmt.Sprintf("has %d columns, want %d", len(rec), len(r.index))}
	}
	get := func(c Column) string {
		return strings.TrimSpace(rec[r.index[c]])
	}

	typ := get(ColumnMessageType)
	cmd, ok := traceCommands[typ]
	if !ok {
		return nil, &LineError{Line: line, Reason: fmt.Sprintf("invalid message_type %q", typ)}
	}
	isRequest := get(ColumnIsRequest)
	switch {
	case strings.EqualFold(isRequest, "true"):
		if !cmd.request {
			return nil, &LineError{Line: line, Reason: typ + " is an answer but is_request is true"}
		}
	case strings.EqualFold(isRequest, "false"):
		if cmd.request {
			return nil, &LineError{Line: line, Reason: typ + " is a request but is_request is false"}
		}
	default:
		return nil, &LineError{Line: line, Reason: fmt.Sprintf("invalid is_request value %q", isRequest)}
	}

	flags := message.Proxiable
	if cmd.request {
		flags |= message.Request
	}
	m := &message.Message{Header: message.Header{
		Version:       message.Version,
		Flags:         flags,
		CommandCode:   cmd.code,
		ApplicationID: message.AppS6a,
	}}
	if v := get(ColumnSessionID); v != "" {
		m.Add(message.NewSessionID(v))
	}
	if v := get(ColumnOriginHost); v != "" {
		m.Add(message.NewOriginHost(v))
	}
	if v := get(ColumnOriginRealm); v != "" {
		m.Add(message.NewOriginRealm(v))
	}
	if v := get(ColumnUserName); v != "" {
		m.Add(avp.New(message.AVPUserName, avp.Mandatory, 0, models_base.UTF8String(v)))
	}
	if v := get(ColumnVisitedPLMNID); v != "" {
		m.Add(avp.New(avpVisitedPLMNID, avp.Mandatory, message.Vendor3GPP, models_base.OctetString(v)))
	}
	if v := get(ColumnResultCode); v != "" {
		rc, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, &LineError{Line: line, Reason: fmt.Sprintf("invalid result_code %q", v)}
		}
		m.Add(message.NewResultCode(message.ResultCode(rc)))
	}
	return m, nil
}

// ReadTrace returns the messages of a CSV trace in line order. Bad lines are
// logged and skipped; header and read errors end the read.
func ReadTrace(rd io.Reader, log logger.Logger) ([]*message.Message, []*LineError, error) {
	log = logger.Or(log)
	r, err := NewTraceReader(rd)
	if err != nil {
		return nil, nil, err
	}
	var (
		out     []*message.Message
		skipped []*LineError
	)
	for {
		m, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, skipped, nil
		}
		var lerr *LineError
		if errors.As(err, &lerr) {
			log.Warnw("Skipping invalid trace line", "line", lerr.Line, "reason", lerr.Reason)
			skipped = append(skipped, lerr)
			continue
		}
		if err != nil {
			return out, skipped, err
		}
		out = append(out, m)
	}
}

// TraceRules validates messages read from a CSV trace, which carry only the
// identity fields the trace records. Every message needs Session-Id,
// Origin-Host and Origin-Realm. Requests need User-Name, ULRs also
// Visited-PLMN-Id, and answers need Result-Code.
type TraceRules struct{}

func (TraceRules) Validate(m *message.Message) error {
	kind := "-Answer"
	if m.IsRequest() {
		kind = "-Request"
	}
	verr := &dict.ValidationError{Command: message.CommandName(m.CommandCode) + kind}
	need := func(name string, code, vendorID uint32) {
		if m.FindVendor(code, vendorID) == nil {
			verr.Missing = append(verr.Missing, name)
		}
	}
	need("Session-Id", message.AVPSessionID, 0)
	need("Origin-Host", message.AVPOriginHost, 0)
	need("Origin-Realm", message.AVPOriginRealm, 0)
	if m.IsRequest() {
		need("User-Name", message.AVPUserName, 0)
		if m.CommandCode == 316 {
			need("Visited-PLMN-Id", avpVisitedPLMNID, message.Vendor3GPP)
		}
	} else {
		need("Result-Code", message.AVPResultCode, 0)
	}
	if len(verr.Missing) > 0 {
		return verr
	}
	return nil
}
