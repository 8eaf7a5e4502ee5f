package upstream

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/mtarelay/internal/model"
	"github.com/relaycore/mtarelay/internal/relayerr"
)

// fakeUpstreamBackend is a minimal in-process SMTP backend standing in
// for the real upstream, per SPEC_FULL §8: an emersion/go-smtp server
// with a second Backend recording what it receives.
type fakeUpstreamBackend struct {
	rejectRecipient string
	received        []receivedMessage
}

type receivedMessage struct {
	from string
	to   []string
	data []byte
}

func (b *fakeUpstreamBackend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &fakeUpstreamSession{backend: b}, nil
}

type fakeUpstreamSession struct {
	backend *fakeUpstreamBackend
	from    string
	to      []string
}

func (s *fakeUpstreamSession) AuthMechanisms() []string { return nil }
func (s *fakeUpstreamSession) Auth(mech string) (sasl.Server, error) {
	return nil, nil
}
func (s *fakeUpstreamSession) Mail(from string, opts *gosmtp.MailOptions) error {
	s.from = from
	return nil
}
func (s *fakeUpstreamSession) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	if to == s.backend.rejectRecipient {
		return &gosmtp.SMTPError{Code: 550, Message: "no such user"}
	}
	s.to = append(s.to, to)
	return nil
}
func (s *fakeUpstreamSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.received = append(s.backend.received, receivedMessage{from: s.from, to: s.to, data: data})
	return nil
}
func (s *fakeUpstreamSession) Reset()        {}
func (s *fakeUpstreamSession) Logout() error { return nil }

func startFakeUpstream(t *testing.T, backend *fakeUpstreamBackend) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := gosmtp.NewServer(backend)
	server.Domain = "localhost"
	server.AllowInsecureAuth = true

	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })

	return ln.Addr().String()
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestClient_Send_HappyPath(t *testing.T) {
	backend := &fakeUpstreamBackend{}
	addr := startFakeUpstream(t, backend)
	host, port := hostPort(t, addr)

	client := New(Config{Host: host, Port: port, ConnectTimeout: 2 * time.Second, SendTimeout: 2 * time.Second})
	defer client.Close()

	m := model.NewMessage("a@x.com", []string{"b@y.com"}, nil, []byte("hello"))
	result := client.Send(context.Background(), m)

	require.True(t, result.Success)
	require.Len(t, backend.received, 1)
	assert.Equal(t, "a@x.com", backend.received[0].from)
	assert.Equal(t, []string{"b@y.com"}, backend.received[0].to)
}

func TestClient_Send_PerRecipientRefusalReportedAsFailure(t *testing.T) {
	backend := &fakeUpstreamBackend{rejectRecipient: "bad@y.com"}
	addr := startFakeUpstream(t, backend)
	host, port := hostPort(t, addr)

	client := New(Config{Host: host, Port: port, ConnectTimeout: 2 * time.Second, SendTimeout: 2 * time.Second})
	defer client.Close()

	m := model.NewMessage("a@x.com", []string{"bad@y.com"}, nil, []byte("hello"))
	result := client.Send(context.Background(), m)

	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorText, "bad@y.com")
}

func TestClient_Send_ConnectFailureIsRetryableTransient(t *testing.T) {
	client := New(Config{Host: "127.0.0.1", Port: 1, ConnectTimeout: 200 * time.Millisecond, SendTimeout: time.Second})
	defer client.Close()

	m := model.NewMessage("a@x.com", []string{"b@y.com"}, nil, []byte("hi"))
	result := client.Send(context.Background(), m)

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.ErrorText)
	assert.Contains(t, result.ErrorText, relayerr.ErrUpstreamTransient.Error())
}
