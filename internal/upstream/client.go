// Package upstream implements the single-smart-host SMTP client the
// forwarding worker uses to send each dequeued message, grounded on the
// teacher's internal/engine.Sender.deliverToHost, trimmed to a single
// fixed target: no MX lookup, no per-domain grouping, no per-host
// circuit breaker (those are direct-to-MX mechanisms this relay does
// not need, per spec's Non-goals).
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/relaycore/mtarelay/internal/codec"
	"github.com/relaycore/mtarelay/internal/model"
	"github.com/relaycore/mtarelay/internal/relayerr"
)

// Config configures the one fixed smart-host target.
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	UseTLS         bool
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	HeloDomain     string
}

// Metrics is an optional sink for connection-attempt outcomes. Pass nil
// to disable metrics.
type Metrics interface {
	IncConnection(result string)
}

// Client owns one persistent connection to the configured upstream.
// It is single-threaded: one worker owns one Client instance, per
// spec §4.D.
type Client struct {
	cfg     Config
	conn    net.Conn
	client  *smtp.Client
	metrics Metrics
}

// New builds a Client against cfg. It does not connect eagerly; Send
// connects lazily on first use, matching spec §4.D's "if not
// connected, connect first."
func New(cfg Config) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 60 * time.Second
	}
	if cfg.HeloDomain == "" {
		cfg.HeloDomain = "localhost"
	}
	return &Client{cfg: cfg}
}

// SetMetrics attaches a metrics sink. Optional; nil disables it.
func (c *Client) SetMetrics(m Metrics) {
	c.metrics = m
}

func (c *Client) observeConnection(result string) {
	if c.metrics != nil {
		c.metrics.IncConnection(result)
	}
}

func (c *Client) addr() string {
	return fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
}

// Connect dials the upstream, optionally wrapping in implicit TLS, and
// issues EHLO and AUTH.
func (c *Client) Connect(ctx context.Context) error {
	err := c.connect(ctx)
	if err != nil {
		c.observeConnection("failure")
	} else {
		c.observeConnection("success")
	}
	return err
}

func (c *Client) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return relayerr.Wrap(relayerr.ErrUpstreamTransient, fmt.Errorf("dialing %s: %w", c.addr(), err))
	}

	if c.cfg.UseTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: c.cfg.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return relayerr.Wrap(relayerr.ErrUpstreamTransient, fmt.Errorf("TLS handshake with %s: %w", c.cfg.Host, err))
		}
		conn = tlsConn
	}

	if err := conn.SetDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("upstream: setting deadline: %w", err)
	}

	smtpClient, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return relayerr.Wrap(relayerr.ErrUpstreamTransient, fmt.Errorf("creating SMTP client: %w", err))
	}

	if err := smtpClient.Hello(c.cfg.HeloDomain); err != nil {
		_ = smtpClient.Close()
		return relayerr.Wrap(relayerr.ErrUpstreamTransient, fmt.Errorf("EHLO: %w", err))
	}

	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := smtpClient.Auth(auth); err != nil {
			_ = smtpClient.Close()
			return relayerr.Wrap(relayerr.ErrAuthFailure, fmt.Errorf("AUTH: %w", err))
		}
	}

	c.conn = conn
	c.client = smtpClient
	return nil
}

// classify maps a failed SMTP command to the relayerr taxonomy: a 5xx
// reply is permanent, a 4xx reply or transport-level error is
// transient. Per spec §7 both are retried identically up to the
// worker's retry budget since net/smtp does not expose enough context
// to tell a permanent upstream misconfiguration from a one-off 5xx;
// the classification exists for logging, not divergent retry behavior.
func classify(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 {
		return relayerr.Wrap(relayerr.ErrUpstreamPermanent, err)
	}
	return relayerr.Wrap(relayerr.ErrUpstreamTransient, err)
}

// Send issues MAIL/RCPT/DATA for m. Per spec §4.D, per-recipient
// refusals are reported inside the result (not as a Go error), 4xx and
// transport failures mark the connection for reconnect and return a
// failed result, and 2xx overall is success.
func (c *Client) Send(ctx context.Context, m *model.Message) *model.SendingResult {
	if c.client == nil {
		if err := c.Connect(ctx); err != nil {
			return &model.SendingResult{
				Success:    false,
				MessageID:  m.ID,
				ErrorText:  err.Error(),
				RetryCount: m.RetryCount,
			}
		}
	}

	if err := c.client.Mail(m.FromAddr); err != nil {
		c.reset()
		return &model.SendingResult{
			Success:    false,
			MessageID:  m.ID,
			ErrorText:  fmt.Sprintf("MAIL FROM: %v", classify(err)),
			RetryCount: m.RetryCount,
		}
	}

	refusals := make(map[string]string)
	var accepted []string
	for _, rcpt := range m.ToAddrs {
		if err := c.client.Rcpt(rcpt); err != nil {
			refusals[rcpt] = err.Error()
		} else {
			accepted = append(accepted, rcpt)
		}
	}

	if len(accepted) == 0 {
		_ = c.client.Reset()
		return &model.SendingResult{
			Success:    false,
			MessageID:  m.ID,
			ErrorText:  formatRefusals(refusals),
			RetryCount: m.RetryCount,
		}
	}

	wc, err := c.client.Data()
	if err != nil {
		c.reset()
		return &model.SendingResult{
			Success:    false,
			MessageID:  m.ID,
			ErrorText:  fmt.Sprintf("DATA: %v", classify(err)),
			RetryCount: m.RetryCount,
		}
	}

	payload := codec.Serialize(m.Headers, m.Body)
	if _, err := wc.Write(payload); err != nil {
		_ = wc.Close()
		c.reset()
		return &model.SendingResult{
			Success:    false,
			MessageID:  m.ID,
			ErrorText:  fmt.Sprintf("writing DATA: %v", classify(err)),
			RetryCount: m.RetryCount,
		}
	}
	if err := wc.Close(); err != nil {
		c.reset()
		return &model.SendingResult{
			Success:    false,
			MessageID:  m.ID,
			ErrorText:  fmt.Sprintf("closing DATA: %v", classify(err)),
			RetryCount: m.RetryCount,
		}
	}

	if len(refusals) > 0 {
		return &model.SendingResult{
			Success:    false,
			MessageID:  m.ID,
			ErrorText:  formatRefusals(refusals),
			RetryCount: m.RetryCount,
		}
	}

	return &model.SendingResult{
		Success:    true,
		MessageID:  m.ID,
		RetryCount: m.RetryCount,
	}
}

func formatRefusals(refusals map[string]string) string {
	var b strings.Builder
	first := true
	for rcpt, reason := range refusals {
		if !first {
			b.WriteString("; ")
		}
		first = false
		fmt.Fprintf(&b, "%s: %s", rcpt, reason)
	}
	return b.String()
}

// reset drops the connection so the next Send reconnects from scratch.
func (c *Client) reset() {
	if c.client != nil {
		_ = c.client.Close()
	}
	c.client = nil
	c.conn = nil
}

// Close issues QUIT and swallows errors, per spec §4.D.
func (c *Client) Close() {
	if c.client != nil {
		_ = c.client.Quit()
	}
	c.client = nil
	c.conn = nil
}
