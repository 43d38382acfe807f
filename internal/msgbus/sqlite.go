package msgbus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"speechflow/internal/config"
)

const busSchema = `
CREATE TABLE IF NOT EXISTS bus_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL,
    queue TEXT NOT NULL,
    body BLOB NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    available_at TEXT NOT NULL,
    leased_until TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bus_messages_queue ON bus_messages(queue, available_at, id);
`

// SQLiteBus is a durable, lease-based queue backed by a shared SQLite file.
type SQLiteBus struct {
	db    *sql.DB
	path  string
	lease time.Duration
	poll  time.Duration
}

// OpenSQLite opens the bus database inside the configured data directory.
func OpenSQLite(cfg *config.Config) (*SQLiteBus, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	lease := time.Duration(cfg.Queues.LeaseSeconds) * time.Second
	poll := time.Duration(cfg.Queues.PollIntervalMS) * time.Millisecond
	return OpenSQLitePath(filepath.Join(cfg.Paths.DataDir, "bus.db"), lease, poll)
}

// OpenSQLitePath opens the bus database at an explicit location.
func OpenSQLitePath(dbPath string, lease, poll time.Duration) (*SQLiteBus, error) {
	if lease <= 0 {
		lease = time.Minute
	}
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open bus db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(busSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bus schema: %w", err)
	}
	return &SQLiteBus{db: db, path: dbPath, lease: lease, poll: poll}, nil
}

// Close closes the underlying database connection.
func (b *SQLiteBus) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Publish enqueues a message for immediate delivery.
func (b *SQLiteBus) Publish(ctx context.Context, queue string, body []byte) error {
	return b.PublishAfter(ctx, queue, body, 0)
}

// PublishAfter enqueues a message that becomes deliverable after delay.
func (b *SQLiteBus) PublishAfter(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	if queue == "" {
		return errors.New("queue name is required")
	}
	now := time.Now().UTC()
	available := now
	if delay > 0 {
		available = available.Add(delay)
	}
	_, err := b.db.ExecContext(
		ctx,
		`INSERT INTO bus_messages (message_id, queue, body, available_at, created_at)
         VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(),
		queue,
		body,
		available.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Receive blocks until a message on the queue can be leased or ctx is done.
func (b *SQLiteBus) Receive(ctx context.Context, queue string) (*Delivery, error) {
	for {
		d, err := b.tryReceive(ctx, queue)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.poll):
		}
	}
}

func (b *SQLiteBus) tryReceive(ctx context.Context, queue string) (*Delivery, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin receive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(
		ctx,
		`SELECT id, message_id, body, attempts FROM bus_messages
         WHERE queue = ? AND available_at <= ? AND (leased_until IS NULL OR leased_until <= ?)
         ORDER BY id LIMIT 1`,
		queue, nowStr, nowStr,
	)

	var (
		id        int64
		messageID string
		body      []byte
		attempts  int
	)
	if err := row.Scan(&id, &messageID, &body, &attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select message: %w", err)
	}

	leasedUntil := now.Add(b.lease).Format(time.RFC3339Nano)
	res, err := tx.ExecContext(
		ctx,
		`UPDATE bus_messages SET leased_until = ?, attempts = attempts + 1
         WHERE id = ? AND (leased_until IS NULL OR leased_until <= ?)`,
		leasedUntil, id, nowStr,
	)
	if err != nil {
		return nil, fmt.Errorf("lease message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Another consumer won the lease between select and update.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}

	return &Delivery{
		ID:        id,
		MessageID: messageID,
		Queue:     queue,
		Body:      body,
		Attempts:  attempts + 1,
	}, nil
}

// Ack removes a handled delivery permanently.
func (b *SQLiteBus) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM bus_messages WHERE id = ?`, d.ID); err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

// Nack releases a delivery so it is redelivered after delay.
func (b *SQLiteBus) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	if d == nil {
		return nil
	}
	available := time.Now().UTC().Add(delay).Format(time.RFC3339Nano)
	if _, err := b.db.ExecContext(
		ctx,
		`UPDATE bus_messages SET leased_until = NULL, available_at = ? WHERE id = ?`,
		available, d.ID,
	); err != nil {
		return fmt.Errorf("nack message: %w", err)
	}
	return nil
}

// Depths reports the number of pending messages per queue.
func (b *SQLiteBus) Depths(ctx context.Context) (map[string]int, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT queue, COUNT(1) FROM bus_messages GROUP BY queue`)
	if err != nil {
		return nil, fmt.Errorf("bus depths: %w", err)
	}
	defer rows.Close()

	depths := make(map[string]int)
	for rows.Next() {
		var queue string
		var count int
		if err := rows.Scan(&queue, &count); err != nil {
			return nil, err
		}
		depths[queue] = count
	}
	return depths, rows.Err()
}
