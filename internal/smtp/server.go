package smtp

import (
	"crypto/tls"
	"log/slog"
	"time"

	gosmtp "github.com/emersion/go-smtp"
)

// ServerConfig holds the configuration for the ingress SMTP server,
// per spec §6's smtp config section.
type ServerConfig struct {
	ListenAddr      string
	Domain          string
	MaxMessageBytes int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequireSTARTTLS bool
	TLSCert         string
	TLSKey          string
}

// NewServer builds the ingress gosmtp.Server backed by backend,
// advertising the ESMTP extensions spec §4.G names.
func NewServer(cfg ServerConfig, backend *Backend, logger *slog.Logger) *gosmtp.Server {
	s := gosmtp.NewServer(backend)

	s.Addr = cfg.ListenAddr
	s.Domain = cfg.Domain
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = 100
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.EnableREQUIRETLS = false
	s.EnableSMTPUTF8 = true
	// Credentials are verified over the (possibly plaintext) session by
	// Session.Auth itself; AllowInsecureAuth lets AUTH run without
	// STARTTLS first, matching the relay's local-submission trust model.
	s.AllowInsecureAuth = true

	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Error("failed to load TLS certificate for ingress SMTP",
				"cert", cfg.TLSCert, "key", cfg.TLSKey, "error", err)
		} else {
			s.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
			logger.Info("STARTTLS enabled for ingress SMTP server")
		}
	}

	return s
}
