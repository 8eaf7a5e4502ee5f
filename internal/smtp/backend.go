// Package smtp implements the relay's ingress server: it accepts
// client SMTP connections, validates each submission per spec §4.G,
// and hands accepted messages to the queue backend. Grounded on the
// teacher's internal/smtp.Backend/Session go-smtp binding, replacing
// inbound-mail persistence with enqueue-and-forward.
package smtp

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/relaycore/mtarelay/internal/codec"
	"github.com/relaycore/mtarelay/internal/model"
	"github.com/relaycore/mtarelay/internal/queue"
)

// MaxMessageSize is the size limit NewBackend enforces when
// Config.MaxMessageBytes is zero: 50 MiB, per spec §4.G. NewServer does
// not read it; the SIZE value advertised comes from
// ServerConfig.MaxMessageBytes.
const MaxMessageSize = 52428800

// Backend implements gosmtp.Backend. One Backend instance is shared
// across all accepted connections; NewSession is called once per
// connection (task-per-session, per spec §5).
type Backend struct {
	queue           queue.Queue
	logger          *slog.Logger
	authRequired    bool
	authUsername    string
	authPassword    string
	maxMessageBytes int64
	allowNullSender bool
}

// Config configures a Backend.
type Config struct {
	Queue           queue.Queue
	AuthRequired    bool
	AuthUsername    string
	AuthPassword    string
	MaxMessageBytes int64
	AllowNullSender bool
	Logger          *slog.Logger
}

// NewBackend builds a Backend from cfg.
func NewBackend(cfg Config) *Backend {
	maxBytes := cfg.MaxMessageBytes
	if maxBytes == 0 {
		maxBytes = MaxMessageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		queue:           cfg.Queue,
		logger:          logger.With("component", "smtp.ingress"),
		authRequired:    cfg.AuthRequired,
		authUsername:    cfg.AuthUsername,
		authPassword:    cfg.AuthPassword,
		maxMessageBytes: maxBytes,
		allowNullSender: cfg.AllowNullSender,
	}
}

// NewSession is invoked once per accepted TCP connection.
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &Session{backend: b, logger: b.logger}, nil
}

// checkCredentials compares username/password against the single
// configured pair in constant time, per spec §4.G ("Credentials are
// compared in constant time").
func (b *Backend) checkCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(b.authUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(b.authPassword)) == 1
	return userOK && passOK
}

// Session represents one SMTP connection's worth of envelope state.
// SMTP verbs within a session are handled strictly sequentially, so no
// internal locking is needed (spec §5).
type Session struct {
	backend       *Backend
	logger        *slog.Logger
	from          string
	to            []string
	authenticated bool
}

// AuthMechanisms reports LOGIN/PLAIN only when auth is required,
// matching spec §4.K.
func (s *Session) AuthMechanisms() []string {
	if !s.backend.authRequired {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

// Auth returns the SASL server for the named mechanism, delegating the
// credential check to the constant-time comparison in Backend.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	authErr := &gosmtp.SMTPError{
		Code:         535,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
		Message:      "authentication failed",
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if !s.backend.checkCredentials(username, password) {
				return authErr
			}
			s.authenticated = true
			return nil
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			if !s.backend.checkCredentials(username, password) {
				return authErr
			}
			s.authenticated = true
			return nil
		}), nil
	default:
		return nil, &gosmtp.SMTPError{
			Code:         504,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 4},
			Message:      "unsupported authentication mechanism",
		}
	}
}

// Mail records the reverse-path. When auth is required and the
// session has not authenticated, it rejects with 530 per spec §4.G.
func (s *Session) Mail(from string, opts *gosmtp.MailOptions) error {
	if s.backend.authRequired && !s.authenticated {
		return &gosmtp.SMTPError{
			Code:         530,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}
	if from == "" && !s.backend.allowNullSender {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 8},
			Message:      "null sender not accepted",
		}
	}
	if codec.ContainsCRLFInjection(from) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "invalid sender address",
		}
	}
	s.from = from
	return nil
}

// Rcpt accumulates forward-paths, rejecting malformed addresses.
func (s *Session) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	if to == "" || codec.ContainsCRLFInjection(to) || !strings.Contains(to, "@") {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}
	s.to = append(s.to, to)
	return nil
}

// Data reads the DATA block, validates it, and enqueues the resulting
// Message. Response codes follow spec §4.G exactly.
func (s *Session) Data(r io.Reader) error {
	if len(s.to) == 0 {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "no valid recipients",
		}
	}

	limited := io.LimitReader(r, s.backend.maxMessageBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		s.logger.Error("failed to read message body", "error", err)
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "failed to read message",
		}
	}
	if int64(len(raw)) > s.backend.maxMessageBytes {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 3, 4},
			Message:      "message size exceeds maximum",
		}
	}

	headers, body, err := codec.Parse(raw)
	if err != nil {
		s.logger.Warn("failed to parse message, storing best-effort", "error", err)
		headers = model.NewHeaderMap()
		body = raw
	}

	if err := validateHeaders(headers); err != nil {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      err.Error(),
		}
	}

	codec.EnsureEnvelopeHeaders(headers, s.from, s.to)

	msg := model.NewMessage(s.from, s.to, headers, body)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.backend.queue.Enqueue(ctx, msg); err != nil {
		s.logger.Error("enqueue failed", "id", msg.ID, "error", err)
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary error accepting message",
		}
	}

	s.logger.Info("message accepted", "id", msg.ID, "from", s.from, "to", s.to, "size", len(raw))
	return nil
}

// validateHeaders rejects bare CR/LF in any header value, per spec
// §4.G's header-injection check.
func validateHeaders(headers *model.HeaderMap) error {
	var bad error
	headers.Each(func(name, value string) {
		if bad != nil {
			return
		}
		if codec.ContainsCRLFInjection(value) {
			bad = &malformedHeaderError{name: name}
		}
	})
	return bad
}

type malformedHeaderError struct{ name string }

func (e *malformedHeaderError) Error() string {
	return "malformed header: " + e.name
}

// Reset clears envelope state between messages in the same session.
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout is called when the session ends.
func (s *Session) Logout() error {
	return nil
}
