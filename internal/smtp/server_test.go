package smtp

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewServer_AppliesConfig(t *testing.T) {
	q := &fakeQueue{}
	backend := newTestBackend(q)
	logger := slog.Default()

	s := NewServer(ServerConfig{
		ListenAddr:      "127.0.0.1:2525",
		Domain:          "relay.example.com",
		MaxMessageBytes: 10 << 20,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
	}, backend, logger)

	assert.Equal(t, "127.0.0.1:2525", s.Addr)
	assert.Equal(t, "relay.example.com", s.Domain)
	assert.EqualValues(t, 10<<20, s.MaxMessageBytes)
	assert.Equal(t, 5*time.Second, s.ReadTimeout)
	assert.Equal(t, 5*time.Second, s.WriteTimeout)
	assert.True(t, s.AllowInsecureAuth)
	assert.Nil(t, s.TLSConfig)
}

func TestNewServer_MissingTLSFilesLeavesTLSConfigNil(t *testing.T) {
	q := &fakeQueue{}
	backend := newTestBackend(q)
	logger := slog.Default()

	s := NewServer(ServerConfig{
		ListenAddr: "127.0.0.1:2525",
		Domain:     "relay.example.com",
		TLSCert:    "/nonexistent/cert.pem",
		TLSKey:     "/nonexistent/key.pem",
	}, backend, logger)

	assert.Nil(t, s.TLSConfig)
}
