package transaction

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsdfat/diam-engine/models_base"
	"github.com/hsdfat/diam-engine/pkg/avp"
	"github.com/hsdfat/diam-engine/pkg/dict"
	"github.com/hsdfat/diam-engine/pkg/logger"
	"github.com/hsdfat/diam-engine/pkg/message"
)

const (
	cmdULR = 316
	cmdAIR = 318
)

func newTracker() *Tracker {
	return New(dict.Default(), logger.New("test-tx", "error"))
}

// air builds an AIR satisfying the S6a rules.
func air(t *testing.T, sid string) *message.Message {
	t.Helper()
	d := dict.Default()
	mk := func(name string, v models_base.Type) *avp.AVP {
		a, err := d.NewAVP(name, v)
		require.NoError(t, err, name)
		return a
	}
	return message.NewRequest(cmdAIR, message.AppS6a,
		message.NewSessionID(sid),
		mk("Auth-Session-State", models_base.Enumerated(1)),
		message.NewOriginHost("mme.example"),
		message.NewOriginRealm("example"),
		mk("Destination-Realm", models_base.DiameterIdentity("example")),
		mk("User-Name", models_base.UTF8String("001010123456789")),
		mk("Visited-PLMN-Id", models_base.OctetString("\x00\xf1\x10")),
	)
}

func aia(req *message.Message) *message.Message {
	ans := req.Answer()
	ans.Add(
		message.NewSessionID(req.SessionID()),
		message.NewResultCode(message.ResultSuccess),
		avp.New(277, avp.Mandatory, 0, models_base.Enumerated(1)),
		message.NewOriginHost("hss.example"),
		message.NewOriginRealm("example"),
	)
	return ans
}

func TestCompletedTransaction(t *testing.T) {
	tr := newTracker()
	req := air(t, "mme;1")

	require.NoError(t, tr.Track(req))
	tx, ok := tr.Pending("mme;1")
	require.True(t, ok)
	assert.Same(t, req, tx.Request)

	require.NoError(t, tr.Track(aia(req)))
	_, ok = tr.Pending("mme;1")
	assert.False(t, ok)

	s := tr.Summary()
	assert.Equal(t, uint64(2), s.Total)
	assert.Equal(t, uint64(1), s.Completed)
	assert.Equal(t, uint64(0), s.Incomplete)
}

func TestDuplicateTransaction(t *testing.T) {
	tr := newTracker()
	require.NoError(t, tr.Track(air(t, "mme;2")))

	err := tr.Track(air(t, "mme;2"))
	var dup *DuplicateTransactionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "mme;2", dup.SessionID)
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
	assert.Equal(t, uint64(1), tr.Summary().Incomplete)
}

func TestUnexpectedAnswer(t *testing.T) {
	tr := newTracker()
	err := tr.Track(aia(air(t, "mme;3")))
	var unexpected *UnexpectedAnswerError
	require.ErrorAs(t, err, &unexpected)
	assert.ErrorIs(t, err, ErrUnexpectedAnswer)
	assert.Equal(t, uint64(0), tr.Summary().Completed)
}

func TestAnswerForOtherCommandLeavesTransactionOpen(t *testing.T) {
	tr := newTracker()
	req := air(t, "mme;4")
	require.NoError(t, tr.Track(req))

	ans := aia(req)
	ans.CommandCode = cmdULR
	require.NoError(t, tr.Track(ans))
	s := tr.Summary()
	assert.Equal(t, uint64(0), s.Completed)
	assert.Equal(t, uint64(1), s.Incomplete)
}

func TestValidityAndMissingSession(t *testing.T) {
	tr := newTracker()
	// missing the S6a mandatory AVPs
	bad := message.NewRequest(cmdAIR, message.AppS6a, message.NewSessionID("mme;5"))
	var verr *dict.ValidationError
	assert.ErrorAs(t, tr.Track(bad), &verr)

	require.NoError(t, tr.Track(air(t, "mme;5b")))

	s := tr.Summary()
	assert.Equal(t, uint64(2), s.Total)
	assert.Equal(t, uint64(1), s.Invalid)
	assert.Equal(t, uint64(1), s.Valid)

	unchecked := New(nil, logger.New("test-tx", "error"))
	assert.ErrorIs(t, unchecked.Track(message.NewRequest(cmdAIR, message.AppS6a)), ErrNoSession)
}

func TestInvalidMessageOpensNoTransaction(t *testing.T) {
	tr := newTracker()
	bad := message.NewRequest(cmdAIR, message.AppS6a, message.NewSessionID("mme;x"))
	require.Error(t, tr.Track(bad))

	_, open := tr.Pending("mme;x")
	assert.False(t, open)
	s := tr.Summary()
	assert.Equal(t, uint64(1), s.Invalid)
	assert.Equal(t, uint64(0), s.Incomplete)

	// a valid request may still use the session
	req := air(t, "mme;x")
	require.NoError(t, tr.Track(req))
	require.NoError(t, tr.Track(aia(req)))
	s = tr.Summary()
	assert.Equal(t, uint64(1), s.Completed)
	assert.Equal(t, uint64(0), s.Incomplete)
}

func TestReport(t *testing.T) {
	tr := newTracker()
	req := air(t, "mme;6")
	require.NoError(t, tr.Track(req))
	require.NoError(t, tr.Track(aia(req)))
	require.NoError(t, tr.Track(air(t, "mme;7")))
	require.Error(t, tr.Track(aia(air(t, "mme;8"))))

	var buf bytes.Buffer
	require.NoError(t, tr.Report(&buf))
	out := buf.String()
	assert.Contains(t, out, "Total messages: 4\n")
	assert.Contains(t, out, "Valid messages: 4\n")
	assert.Contains(t, out, "Invalid messages: 0\n")
	assert.Contains(t, out, "Completed transactions: 1\n")
	assert.Contains(t, out, "Incomplete transactions: 1\n")
	assert.Contains(t, out, "Errors:")
	assert.Contains(t, out, `answer without request for session "mme;8"`)
}
