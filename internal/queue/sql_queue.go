package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaycore/mtarelay/internal/model"
	"github.com/relaycore/mtarelay/internal/relayerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS smtp_queue (
	id TEXT PRIMARY KEY,
	from_addr TEXT NOT NULL,
	to_addrs TEXT NOT NULL,
	message_headers TEXT NOT NULL,
	message_header_order TEXT NOT NULL,
	message_body TEXT NOT NULL,
	created_at REAL NOT NULL,
	retry_count INTEGER DEFAULT 0,
	last_retry_at REAL,
	status TEXT DEFAULT 'pending',
	processing INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_smtp_queue_dispatch ON smtp_queue(status, processing, created_at);
`

// SQLQueue is the embedded single-file backend from spec §4.B.2,
// backed by modernc.org/sqlite (pure Go, no cgo), following the
// database/sql + prepared-statement idiom the pack's foxcpp-maddy
// repo uses for its own table-backed stores.
type SQLQueue struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLQueue opens (creating if necessary) a single-file SQLite store
// at path and ensures the schema and dispatch index exist.
func NewSQLQueue(path string, logger *slog.Logger) (*SQLQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: opening sqlite store: %w", err)
	}
	// A single-file SQLite database serializes writers at the engine
	// level; one connection avoids SQLITE_BUSY under concurrent callers
	// rather than relying on busy-timeout retries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: creating schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLQueue{db: db, logger: logger.With("component", "queue.sql")}, nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, m *model.Message) error {
	toAddrs, err := json.Marshal(m.ToAddrs)
	if err != nil {
		return fmt.Errorf("queue: marshal to_addrs: %w", err)
	}
	headers, order := headerJSON(m.Headers)
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("queue: marshal headers: %w", err)
	}
	orderJSON, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("queue: marshal header order: %w", err)
	}

	// ON CONFLICT upserts rather than bare-inserts: the worker's re-enqueue
	// path (internal/worker.requeue) calls Enqueue with the same id as the
	// in-flight row it is about to settle, to durably re-publish the entry
	// before settling it as failed_retry. A bare INSERT would collide
	// with the existing PRIMARY KEY and strand the row in-flight; the
	// upsert instead resets it to a fresh ready entry, and because Settle
	// only touches rows still marked processing, the follow-up settle
	// leaves that ready entry as it is.
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO smtp_queue
			(id, from_addr, to_addrs, message_headers, message_header_order,
			 message_body, created_at, retry_count, last_retry_at, status, processing)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			from_addr = excluded.from_addr,
			to_addrs = excluded.to_addrs,
			message_headers = excluded.message_headers,
			message_header_order = excluded.message_header_order,
			message_body = excluded.message_body,
			created_at = excluded.created_at,
			retry_count = excluded.retry_count,
			last_retry_at = excluded.last_retry_at,
			status = excluded.status,
			processing = 0`,
		m.ID, m.FromAddr, string(toAddrs), string(headersJSON), string(orderJSON),
		string(m.Body), unixSeconds(m.CreatedAt), m.RetryCount, unixSecondsPtr(m.LastRetryAt),
		string(model.StatusPending),
	)
	if err != nil {
		return relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
	}
	return nil
}

// Dequeue runs the select-then-mark step inside one transaction so two
// concurrent dequeues can never claim the same row, per spec §4.B.2.
func (q *SQLQueue) Dequeue(ctx context.Context) (*model.Message, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, from_addr, to_addrs, message_headers, message_header_order,
		       message_body, created_at, retry_count, last_retry_at, status
		FROM smtp_queue
		WHERE processing = 0 AND status = 'pending'
		ORDER BY created_at ASC
		LIMIT 1`)

	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE smtp_queue SET processing = 1 WHERE id = ?`, m.ID); err != nil {
		return nil, relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
	}
	return m, nil
}

// Settle records terminal on the in-flight row with the given id. A row
// that is not in flight (already settled, or re-enqueued since it was
// dequeued) is left unchanged.
func (q *SQLQueue) Settle(ctx context.Context, id string, terminal model.Status) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE smtp_queue SET status = ?, processing = 0 WHERE id = ? AND processing = 1`,
		string(terminal), id)
	if err != nil {
		return relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
	}
	return nil
}

func (q *SQLQueue) SizeReady(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM smtp_queue WHERE status = 'pending' AND processing = 0`).Scan(&n)
	if err != nil {
		return 0, relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
	}
	return n, nil
}

func (q *SQLQueue) SizeInFlight(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM smtp_queue WHERE processing = 1`).Scan(&n)
	if err != nil {
		return 0, relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
	}
	return n, nil
}

// Recover clears the processing flag on every in-flight row and resets
// its status to pending. Rows keep their created_at, and Dequeue orders
// by created_at, so a recovered row dispatches ahead of any ready row
// accepted after it.
func (q *SQLQueue) Recover(ctx context.Context) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE smtp_queue SET processing = 0, status = 'pending' WHERE processing = 1`)
	if err != nil {
		return relayerr.Wrap(relayerr.ErrBackendUnavailable, err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		q.logger.Info("recovered in-flight entries", "count", n)
	}
	return nil
}

func (q *SQLQueue) Close() error {
	return q.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		id, fromAddr, toAddrsJSON, headersJSON, orderJSON, body, status string
		createdAt                                                      float64
		retryCount                                                     int
		lastRetryAt                                                    sql.NullFloat64
	)
	if err := row.Scan(&id, &fromAddr, &toAddrsJSON, &headersJSON, &orderJSON,
		&body, &createdAt, &retryCount, &lastRetryAt, &status); err != nil {
		return nil, err
	}

	var toAddrs []string
	if err := json.Unmarshal([]byte(toAddrsJSON), &toAddrs); err != nil {
		return nil, fmt.Errorf("queue: unmarshal to_addrs: %w", err)
	}
	var headerValues map[string]string
	if err := json.Unmarshal([]byte(headersJSON), &headerValues); err != nil {
		return nil, fmt.Errorf("queue: unmarshal headers: %w", err)
	}
	var order []string
	if err := json.Unmarshal([]byte(orderJSON), &order); err != nil {
		return nil, fmt.Errorf("queue: unmarshal header order: %w", err)
	}

	headers := model.NewHeaderMap()
	for _, name := range order {
		if v, ok := headerValues[name]; ok {
			headers.Set(name, v)
		}
	}

	m := &model.Message{
		ID:         id,
		FromAddr:   fromAddr,
		ToAddrs:    toAddrs,
		Headers:    headers,
		Body:       []byte(body),
		CreatedAt:  time.Unix(0, int64(createdAt*1e9)).UTC(),
		RetryCount: retryCount,
		Status:     model.Status(status),
	}
	if lastRetryAt.Valid && lastRetryAt.Float64 > 0 {
		m.LastRetryAt = time.Unix(0, int64(lastRetryAt.Float64*1e9)).UTC()
	}
	return m, nil
}

func headerJSON(h *model.HeaderMap) (map[string]string, []string) {
	values := make(map[string]string, h.Len())
	order := make([]string, 0, h.Len())
	h.Each(func(name, value string) {
		values[name] = value
		order = append(order, name)
	})
	return values, order
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func unixSecondsPtr(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return unixSeconds(t)
}
