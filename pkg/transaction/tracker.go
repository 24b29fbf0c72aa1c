package transaction

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/message"
	"github.com/hsdfat/diam-engine/pkg/peer"
)

const maxErrors = 100

// Transaction is a request waiting for its answer.
type Transaction struct {
	Request *message.Message
	Started time.Time
}

// Summary counts the messages and transactions seen by a Tracker.
type Summary struct {
	Total      uint64
	Valid      uint64
	Invalid    uint64
	Completed  uint64
	Incomplete uint64
}

// Validator checks a message before it is tracked. *dict.Dictionary
// implements it.
type Validator interface {
	Validate(m *message.Message) error
}

// Tracker pairs requests and answers by Session-Id. A completed transaction
// is forgotten, so its Session-Id may be used again.
type Tracker struct {
	rules Validator
	log   logger.Logger

	mu        sync.Mutex
	bySession map[string]*Transaction
	summary   Summary
	errors    []string
}

// New creates a tracker. Messages are validated against rules when it is
// not nil.
func New(rules Validator, log logger.Logger) *Tracker {
	return &Tracker{
		rules:     rules,
		log:       logger.Or(log),
		bySession: make(map[string]*Transaction),
	}
}

// Track records m. A request opens a transaction for its Session-Id and an
// answer with the same command code completes it. A message failing
// validation is only counted and its validation error returned.
func (t *Tracker) Track(m *message.Message) error {
	sid := m.SessionID()

	var invalid error
	if t.rules != nil {
		invalid = t.rules.Validate(m)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary.Total++
	if invalid != nil {
		t.summary.Invalid++
		return t.record(fmt.Errorf("%s: %w", m.Abbrev(), invalid))
	}
	t.summary.Valid++

	if sid == "" {
		return t.record(fmt.Errorf("%s: %w", m.Abbrev(), ErrNoSession))
	}
	if m.IsRequest() {
		if _, ok := t.bySession[sid]; ok {
			return t.record(&DuplicateTransactionError{SessionID: sid})
		}
		t.bySession[sid] = &Transaction{Request: m, Started: time.Now()}
		t.summary.Incomplete++
		return nil
	}

	tx, ok := t.bySession[sid]
	if !ok {
		return t.record(&UnexpectedAnswerError{SessionID: sid})
	}
	if tx.Request.CommandCode == m.CommandCode {
		delete(t.bySession, sid)
		t.summary.Completed++
		t.summary.Incomplete--
	}
	return nil
}

func (t *Tracker) record(err error) error {
	if len(t.errors) == maxErrors {
		t.errors = t.errors[1:]
	}
	t.errors = append(t.errors, err.Error())
	return err
}

// Pending returns the open transaction for sessionID.
func (t *Tracker) Pending(sessionID string) (Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.bySession[sessionID]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

// Summary returns the current counters.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}

// Errors returns the most recent tracking and validation errors.
func (t *Tracker) Errors() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.errors...)
}

// Report writes the summary followed by the recorded errors.
func (t *Tracker) Report(w io.Writer) error {
	s := t.Summary()
	_, err := fmt.Fprintf(w, "Total messages: %d\n"+
		"Valid messages: %d\n"+
		"Invalid messages: %d\n"+
		"Completed transactions: %d\n"+
		"Incomplete transactions: %d\n",
		s.Total, s.Valid, s.Invalid, s.Completed, s.Incomplete)
	if err != nil {
		return err
	}
	errs := t.Errors()
	if len(errs) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w, "\nErrors:"); err != nil {
		return err
	}
	for _, e := range errs {
		if _, err := fmt.Fprintln(w, e); err != nil {
			return err
		}
	}
	return nil
}

// Inbound tracks a message received from p.
func (t *Tracker) Inbound(p *peer.Peer, m *message.Message) {
	t.observe(p, m)
}

// Outbound tracks a message sent to p.
func (t *Tracker) Outbound(p *peer.Peer, m *message.Message) {
	t.observe(p, m)
}

func (t *Tracker) observe(p *peer.Peer, m *message.Message) {
	if err := t.Track(m); err != nil {
		t.log.Debugw("Transaction tracking", "error", err, "peer", p.Info().OriginHost)
	}
}
