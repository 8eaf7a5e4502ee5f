// Package model holds the in-memory representation of a relayed message
// and its lifecycle status.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Status is the tagged variant describing where a message sits in its
// lifecycle. Transitions are restricted to pending -> sending ->
// {sent, failed, failed_retry -> pending}.
type Status string

const (
	StatusPending     Status = "pending"
	StatusSending     Status = "sending"
	StatusSent        Status = "sent"
	StatusFailed      Status = "failed"
	StatusFailedRetry Status = "failed_retry"
)

// Header pairs an original-cased header name with its value. HeaderMap
// looks keys up case-insensitively but preserves the casing a message
// arrived with, so reserialization does not mangle e.g. "Content-ID".
type Header struct {
	Name  string
	Value string
}

// HeaderMap is an ordered, case-insensitively keyed collection of
// headers. Insertion order is preserved for reserialization.
type HeaderMap struct {
	order []string // lowercased keys, in insertion order
	data  map[string]Header
}

// NewHeaderMap returns an empty HeaderMap ready to use.
func NewHeaderMap() *HeaderMap {
	return &HeaderMap{data: make(map[string]Header)}
}

// Set inserts or overwrites a header, preserving the original casing of
// name the first time it is set.
func (h *HeaderMap) Set(name, value string) {
	key := lowerASCII(name)
	if existing, ok := h.data[key]; ok {
		h.data[key] = Header{Name: existing.Name, Value: value}
		return
	}
	h.order = append(h.order, key)
	h.data[key] = Header{Name: name, Value: value}
}

// Get returns the value for name (case-insensitive lookup) and whether
// it was present.
func (h *HeaderMap) Get(name string) (string, bool) {
	v, ok := h.data[lowerASCII(name)]
	return v.Value, ok
}

// Has reports whether name is present, case-insensitively.
func (h *HeaderMap) Has(name string) bool {
	_, ok := h.data[lowerASCII(name)]
	return ok
}

// Delete removes a header if present.
func (h *HeaderMap) Delete(name string) {
	key := lowerASCII(name)
	if _, ok := h.data[key]; !ok {
		return
	}
	delete(h.data, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of headers.
func (h *HeaderMap) Len() int {
	return len(h.order)
}

// Each calls fn for every header in insertion order, with its original
// casing and value.
func (h *HeaderMap) Each(fn func(name, value string)) {
	for _, key := range h.order {
		entry := h.data[key]
		fn(entry.Name, entry.Value)
	}
}

// Clone returns a deep copy.
func (h *HeaderMap) Clone() *HeaderMap {
	c := NewHeaderMap()
	h.Each(func(name, value string) {
		c.Set(name, value)
	})
	return c
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Message is the durable unit the relay moves from ingress to upstream.
// See spec §3 for field invariants.
type Message struct {
	ID          string
	FromAddr    string
	ToAddrs     []string
	Headers     *HeaderMap
	Body        []byte
	CreatedAt   time.Time
	RetryCount  int
	LastRetryAt time.Time
	Status      Status
}

// NewID returns a new 128-bit random identifier in hex form, the
// textual form spec §3 requires for Message.ID.
func NewID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand on a supported platform does not fail; a fallback
		// based on the current time keeps NewID total rather than panicking.
		now := time.Now().UnixNano()
		return hex.EncodeToString([]byte{
			byte(now), byte(now >> 8), byte(now >> 16), byte(now >> 24),
			byte(now >> 32), byte(now >> 40), byte(now >> 48), byte(now >> 56),
		})
	}
	return hex.EncodeToString(b[:])
}

// NewMessage builds a pending Message ready for enqueue.
func NewMessage(from string, to []string, headers *HeaderMap, body []byte) *Message {
	if headers == nil {
		headers = NewHeaderMap()
	}
	return &Message{
		ID:        NewID(),
		FromAddr:  from,
		ToAddrs:   append([]string(nil), to...),
		Headers:   headers,
		Body:      body,
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
	}
}

// CanRetry reports whether another attempt is permitted under
// maxRetries, per spec §4.E.
func (m *Message) CanRetry(maxRetries int) bool {
	return m.RetryCount < maxRetries
}

// IncrementRetry records a failed attempt: bumps RetryCount and stamps
// LastRetryAt. RetryCount is monotonically non-decreasing per spec §3.
func (m *Message) IncrementRetry() {
	m.RetryCount++
	m.LastRetryAt = time.Now().UTC()
}

// RetryDelay computes the exponential backoff delay for the message's
// current retry count, per spec §4.E: base * 2^retry_count.
func RetryDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount <= 0 {
		return base
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
	}
	return d
}

// SendingResult is the value-only outcome of one delivery attempt. It
// is never stored (spec §3).
type SendingResult struct {
	Success    bool
	MessageID  string
	ErrorText  string
	RetryCount int
}
