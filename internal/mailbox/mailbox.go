// Package mailbox provides the durable per-principal message queue.
// Delivery is at-least-once: publishing the same envelope twice yields two
// rows, and unacked rows survive restart. A nacked row is terminal.
package mailbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/parley/internal/envelope"
)

const (
	schemaVersion  = 1
	schemaChecksum = "mbx-v1-2026-08-inbox-deadletter"
)

// Row statuses.
const (
	StatusInbox      = "inbox"
	StatusAcked      = "acked"
	StatusDeadletter = "deadletter"
)

// Message is one queued delivery. Seq is the opaque per-store location used
// for Ack and Nack; it orders deliveries within a recipient.
type Message struct {
	Seq           int64
	Recipient     string
	Status        string
	Reason        string
	QuarantinedAt string
	PublishedAt   time.Time
	Envelope      envelope.Envelope
}

// Store is a SQLite-backed mailbox shared by all principals; rows are
// partitioned by recipient.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the mailbox database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create mailbox directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("mailbox schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("mailbox schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			recipient TEXT NOT NULL,
			msg_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'inbox' CHECK(status IN ('inbox', 'acked', 'deadletter')),
			reason TEXT,
			quarantined_at DATETIME,
			envelope JSON NOT NULL,
			published_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create messages: %w", err)
	}
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient_status ON messages(recipient, status, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_msg_id ON messages(msg_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// Publish appends an envelope to its recipient's inbox and returns the
// assigned location. Publishing the same msg_id again is legal and yields a
// distinct row; deduplication is the consumer's concern.
func (s *Store) Publish(ctx context.Context, env envelope.Envelope) (int64, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}
	var seq int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (recipient, msg_id, status, envelope, published_at)
			VALUES (?, ?, 'inbox', ?, CURRENT_TIMESTAMP);
		`, env.To, env.MsgID, string(raw))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		seq, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message seq: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Consume returns up to limit pending messages for the recipient, oldest
// first. Consumption is non-destructive; rows stay pending until acked or
// nacked.
func (s *Store) Consume(ctx context.Context, recipient string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, recipient, status, COALESCE(reason, ''), COALESCE(quarantined_at, ''), published_at, envelope
		FROM messages
		WHERE recipient = ? AND status = 'inbox'
		ORDER BY seq ASC
		LIMIT ?;
	`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Peek returns every pending message for the recipient, oldest first,
// without a row cap. Like Consume it leaves the rows pending.
func (s *Store) Peek(ctx context.Context, recipient string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, recipient, status, COALESCE(reason, ''), COALESCE(quarantined_at, ''), published_at, envelope
		FROM messages
		WHERE recipient = ? AND status = 'inbox'
		ORDER BY seq ASC;
	`, recipient)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Ack marks a pending delivery as processed. Acking a message that is not
// pending is an error: it signals a double-ack or an ack after deadletter.
func (s *Store) Ack(ctx context.Context, seq int64) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages SET status = 'acked' WHERE seq = ? AND status = 'inbox';
		`, seq)
		if err != nil {
			return fmt.Errorf("ack message: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("ack rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("ack: message %d is not pending", seq)
		}
		return nil
	})
}

// Nack moves a pending delivery to the dead-letter state with a reason.
// Dead-lettered messages are terminal and never redelivered.
func (s *Store) Nack(ctx context.Context, seq int64, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE messages
			SET status = 'deadletter', reason = ?, quarantined_at = CURRENT_TIMESTAMP
			WHERE seq = ? AND status = 'inbox';
		`, reason, seq)
		if err != nil {
			return fmt.Errorf("nack message: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("nack rows affected: %w", err)
		}
		if affected != 1 {
			return fmt.Errorf("nack: message %d is not pending", seq)
		}
		return nil
	})
}

// PendingCount returns the number of pending messages for a recipient.
func (s *Store) PendingCount(ctx context.Context, recipient string) (int, error) {
	return s.countByStatus(ctx, recipient, StatusInbox)
}

// DeadletterCount returns the number of dead-lettered messages for a recipient.
func (s *Store) DeadletterCount(ctx context.Context, recipient string) (int, error) {
	return s.countByStatus(ctx, recipient, StatusDeadletter)
}

func (s *Store) countByStatus(ctx context.Context, recipient, status string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages WHERE recipient = ? AND status = ?;
	`, recipient, status).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s messages: %w", status, err)
	}
	return count, nil
}

// DeadletterCounts returns per-recipient dead-letter counts across the store.
func (s *Store) DeadletterCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recipient, COUNT(1) FROM messages WHERE status = 'deadletter' GROUP BY recipient;
	`)
	if err != nil {
		return nil, fmt.Errorf("query deadletter counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var recipient string
		var count int
		if err := rows.Scan(&recipient, &count); err != nil {
			return nil, fmt.Errorf("scan deadletter count: %w", err)
		}
		out[recipient] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deadletter count rows: %w", err)
	}
	return out, nil
}

// Deadlettered returns the dead-lettered messages for a recipient, oldest first.
func (s *Store) Deadlettered(ctx context.Context, recipient string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, recipient, status, COALESCE(reason, ''), COALESCE(quarantined_at, ''), published_at, envelope
		FROM messages
		WHERE recipient = ? AND status = 'deadletter'
		ORDER BY seq ASC;
	`, recipient)
	if err != nil {
		return nil, fmt.Errorf("query deadletter: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var raw string
		if err := rows.Scan(&m.Seq, &m.Recipient, &m.Status, &m.Reason, &m.QuarantinedAt, &m.PublishedAt, &raw); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &m.Envelope); err != nil {
			return nil, fmt.Errorf("decode stored envelope: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return out, nil
}
