// Package queue defines the durable FIFO abstraction the ingress server
// enqueues into and the forwarding worker dequeues from, along with two
// backends: a networked KV-store (Redis) and an embedded single-file
// SQL store.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/relaycore/mtarelay/internal/model"
)

// Queue is the durable FIFO-with-reliable-handoff contract shared by
// both backends, per spec §4.B.
type Queue interface {
	// Enqueue durably appends m to the ready list.
	Enqueue(ctx context.Context, m *model.Message) error

	// Dequeue atomically moves the oldest ready entry to in-flight and
	// returns it. Returns (nil, nil) when ready is empty.
	Dequeue(ctx context.Context) (*model.Message, error)

	// Settle removes the in-flight entry identified by id, recording
	// terminal as its final status. Idempotent on an unknown id.
	Settle(ctx context.Context, id string, terminal model.Status) error

	// SizeReady reports the current ready count. Advisory.
	SizeReady(ctx context.Context) (int64, error)

	// SizeInFlight reports the current in-flight count. Advisory.
	SizeInFlight(ctx context.Context) (int64, error)

	// Recover moves every in-flight entry back into ready with status
	// reset to pending. Where a recovered entry lands in the FIFO depends
	// on the backend: RedisQueue puts it at the back (after whatever is
	// already in ready); SQLQueue keeps acceptance order, so it
	// dispatches ahead of entries accepted after it.
	// Must run before the worker starts.
	Recover(ctx context.Context) error

	// Close releases any underlying connection or handle.
	Close() error
}

// wireMessage is the JSON form the Queue JSON form section of spec §6
// names: those field names match exactly so operators inspecting raw
// queue contents (e.g. via redis-cli) see the documented shape. One
// extra field, message_header_order, records header order.
type wireMessage struct {
	ID              string            `json:"id"`
	FromAddr        string            `json:"from_addr"`
	ToAddrs         []string          `json:"to_addrs"`
	MessageHeaders  map[string]string `json:"message_headers"`
	HeaderOrder     []string          `json:"message_header_order"`
	MessageBody     string            `json:"message_body"`
	CreatedAt       float64           `json:"created_at"`
	RetryCount      int               `json:"retry_count"`
	LastRetryAt     float64           `json:"last_retry_at"`
	Status          string            `json:"status"`
}

func toWire(m *model.Message) wireMessage {
	headers := make(map[string]string, m.Headers.Len())
	order := make([]string, 0, m.Headers.Len())
	m.Headers.Each(func(name, value string) {
		headers[name] = value
		order = append(order, name)
	})
	var lastRetry float64
	if !m.LastRetryAt.IsZero() {
		lastRetry = float64(m.LastRetryAt.UnixNano()) / 1e9
	}
	return wireMessage{
		ID:             m.ID,
		FromAddr:       m.FromAddr,
		ToAddrs:        m.ToAddrs,
		MessageHeaders: headers,
		HeaderOrder:    order,
		MessageBody:    string(m.Body),
		CreatedAt:      float64(m.CreatedAt.UnixNano()) / 1e9,
		RetryCount:     m.RetryCount,
		LastRetryAt:    lastRetry,
		Status:         string(m.Status),
	}
}

func fromWire(w wireMessage) *model.Message {
	headers := model.NewHeaderMap()
	for _, name := range w.HeaderOrder {
		if v, ok := w.MessageHeaders[name]; ok {
			headers.Set(name, v)
		}
	}
	// Any header present in the map but missing from the order slice
	// (e.g. hand-edited queue contents) is still preserved, appended
	// in map iteration order.
	for name, v := range w.MessageHeaders {
		if !headers.Has(name) {
			headers.Set(name, v)
		}
	}
	m := &model.Message{
		ID:         w.ID,
		FromAddr:   w.FromAddr,
		ToAddrs:    w.ToAddrs,
		Headers:    headers,
		Body:       []byte(w.MessageBody),
		CreatedAt:  time.Unix(0, int64(w.CreatedAt*1e9)).UTC(),
		RetryCount: w.RetryCount,
		Status:     model.Status(w.Status),
	}
	if w.LastRetryAt > 0 {
		m.LastRetryAt = time.Unix(0, int64(w.LastRetryAt*1e9)).UTC()
	}
	return m
}

func marshal(m *model.Message) ([]byte, error) {
	return json.Marshal(toWire(m))
}

func unmarshal(data []byte) (*model.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return fromWire(w), nil
}
