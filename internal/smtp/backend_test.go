package smtp

import (
	"context"
	"strings"
	"testing"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/mtarelay/internal/model"
)

type fakeQueue struct {
	enqueued []*model.Message
	failNext bool
}

func (q *fakeQueue) Enqueue(ctx context.Context, m *model.Message) error {
	if q.failNext {
		return assert.AnError
	}
	q.enqueued = append(q.enqueued, m)
	return nil
}
func (q *fakeQueue) Dequeue(ctx context.Context) (*model.Message, error)    { return nil, nil }
func (q *fakeQueue) Settle(ctx context.Context, id string, s model.Status) error {
	return nil
}
func (q *fakeQueue) SizeReady(ctx context.Context) (int64, error)    { return 0, nil }
func (q *fakeQueue) SizeInFlight(ctx context.Context) (int64, error) { return 0, nil }
func (q *fakeQueue) Recover(ctx context.Context) error               { return nil }
func (q *fakeQueue) Close() error                                    { return nil }

func newTestBackend(q *fakeQueue) *Backend {
	return NewBackend(Config{
		Queue:           q,
		MaxMessageBytes: 1024,
	})
}

func TestSession_HappyPath(t *testing.T) {
	q := &fakeQueue{}
	b := newTestBackend(q)
	sess := &Session{backend: b, logger: b.logger}

	require.NoError(t, sess.Mail("a@x.com", nil))
	require.NoError(t, sess.Rcpt("b@y.com", nil))
	require.NoError(t, sess.Data(strings.NewReader("Subject: hi\r\n\r\nhello")))

	require.Len(t, q.enqueued, 1)
	assert.Equal(t, "a@x.com", q.enqueued[0].FromAddr)
	assert.Equal(t, []string{"b@y.com"}, q.enqueued[0].ToAddrs)
}

func TestSession_AuthRequired_RejectsUnauthenticatedMail(t *testing.T) {
	q := &fakeQueue{}
	b := NewBackend(Config{
		Queue:           q,
		AuthRequired:    true,
		AuthUsername:    "user",
		AuthPassword:    "pass",
		MaxMessageBytes: 1024,
	})
	sess := &Session{backend: b, logger: b.logger}

	err := sess.Mail("a@x.com", nil)
	require.Error(t, err)

	smtpErr, ok := err.(*gosmtp.SMTPError)
	require.True(t, ok)
	assert.Equal(t, 530, smtpErr.Code)
}

func TestSession_AuthRequired_AllowsAfterAuthentication(t *testing.T) {
	q := &fakeQueue{}
	b := NewBackend(Config{
		Queue:           q,
		AuthRequired:    true,
		AuthUsername:    "user",
		AuthPassword:    "pass",
		MaxMessageBytes: 1024,
	})
	sess := &Session{backend: b, logger: b.logger, authenticated: true}

	require.NoError(t, sess.Mail("a@x.com", nil))
}

func TestSession_RejectsNullSenderByDefault(t *testing.T) {
	q := &fakeQueue{}
	b := newTestBackend(q)
	sess := &Session{backend: b, logger: b.logger}

	err := sess.Mail("", nil)
	require.Error(t, err)
	smtpErr, ok := err.(*gosmtp.SMTPError)
	require.True(t, ok)
	assert.Equal(t, 550, smtpErr.Code)
}

func TestSession_RejectsCRLFInjectionInMailFrom(t *testing.T) {
	q := &fakeQueue{}
	b := newTestBackend(q)
	sess := &Session{backend: b, logger: b.logger}

	err := sess.Mail("a@x.com\r\nEvil: header", nil)
	require.Error(t, err)
}

func TestSession_RejectsMalformedRecipient(t *testing.T) {
	q := &fakeQueue{}
	b := newTestBackend(q)
	sess := &Session{backend: b, logger: b.logger}

	err := sess.Rcpt("not-an-address", nil)
	require.Error(t, err)
	smtpErr, ok := err.(*gosmtp.SMTPError)
	require.True(t, ok)
	assert.Equal(t, 550, smtpErr.Code)
}

func TestSession_Data_RejectsOversizedBody(t *testing.T) {
	q := &fakeQueue{}
	b := newTestBackend(q)
	sess := &Session{backend: b, logger: b.logger, from: "a@x.com", to: []string{"b@y.com"}}

	oversized := strings.Repeat("x", 2048)
	err := sess.Data(strings.NewReader(oversized))

	require.Error(t, err)
	smtpErr, ok := err.(*gosmtp.SMTPError)
	require.True(t, ok)
	assert.Equal(t, 550, smtpErr.Code)
	assert.Empty(t, q.enqueued)
}

func TestSession_Data_RejectsWithNoRecipients(t *testing.T) {
	q := &fakeQueue{}
	b := newTestBackend(q)
	sess := &Session{backend: b, logger: b.logger, from: "a@x.com"}

	err := sess.Data(strings.NewReader("Subject: hi\r\n\r\nbody"))
	require.Error(t, err)
	smtpErr, ok := err.(*gosmtp.SMTPError)
	require.True(t, ok)
	assert.Equal(t, 550, smtpErr.Code)
}

func TestSession_Data_QueueUnavailableReturns451(t *testing.T) {
	q := &fakeQueue{failNext: true}
	b := newTestBackend(q)
	sess := &Session{backend: b, logger: b.logger, from: "a@x.com", to: []string{"b@y.com"}}

	err := sess.Data(strings.NewReader("Subject: hi\r\n\r\nbody"))
	require.Error(t, err)
	smtpErr, ok := err.(*gosmtp.SMTPError)
	require.True(t, ok)
	assert.Equal(t, 451, smtpErr.Code)
}

func TestSession_Reset_ClearsEnvelope(t *testing.T) {
	q := &fakeQueue{}
	b := newTestBackend(q)
	sess := &Session{backend: b, logger: b.logger, from: "a@x.com", to: []string{"b@y.com"}}

	sess.Reset()
	assert.Empty(t, sess.from)
	assert.Empty(t, sess.to)
}
