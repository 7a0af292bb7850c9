// Package state persists processing receipts, the review cache, the
// quarantine ledger, and per-task aggregation state. Receipt insertion is
// the single idempotency gate that turns at-least-once delivery into
// at-most-once effects.
package state

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
	schemaChecksum = "st-v1-2026-08-receipts-quorum"
)

// ReviewRecord is the cached summary of one reviewer's review for a task.
type ReviewRecord struct {
	TaskID            string   `json:"task_id"`
	ReviewerID        string   `json:"reviewer_id"`
	MsgID             string   `json:"msg_id"`
	Verdict           string   `json:"verdict"`
	BlockingCount     int      `json:"blocking_count"`
	NextAction        string   `json:"next_action"`
	HasExecutionError bool     `json:"has_execution_error"`
	FailureCodes      []string `json:"failure_codes,omitempty"`
}

// QuarantineRecord captures why a message was rejected by validation.
type QuarantineRecord struct {
	TaskID        string `json:"task_id"`
	SenderID      string `json:"sender_id"`
	MsgID         string `json:"msg_id"`
	Type          string `json:"type"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	QuarantinedAt string `json:"quarantined_at"`
}

// Decision is the orchestrator's terminal outcome for a task.
type Decision struct {
	TaskID        string `json:"task_id"`
	Verdict       string `json:"verdict"`
	NextAction    string `json:"next_action"`
	BlockingCount int    `json:"blocking_count"`
	Disagree      bool   `json:"disagree"`
	DecidedAt     string `json:"decided_at"`
}

// FailureCounts tallies reviewer failure classes for a task.
type FailureCounts struct {
	Auth      int `json:"auth_error"`
	Network   int `json:"network_error"`
	Execution int `json:"execution_error"`
	Total     int `json:"total"`
}

// Store is the SQLite-backed runtime state database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the state database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
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

// DB exposes the underlying handle for shared-table writers (audit log).
func (s *Store) DB() *sql.DB {
	return s.db
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
		return fmt.Errorf("state schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("state schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS receipts (
			task_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			msg_id TEXT NOT NULL,
			message_type TEXT NOT NULL,
			processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (task_id, agent_id, msg_id)
		);`,
		`CREATE TABLE IF NOT EXISTS reviews (
			task_id TEXT NOT NULL,
			reviewer_id TEXT NOT NULL,
			msg_id TEXT NOT NULL,
			verdict TEXT NOT NULL CHECK(verdict IN ('PASS', 'FAIL')),
			blocking_count INTEGER NOT NULL DEFAULT 0,
			next_action TEXT NOT NULL,
			has_execution_error INTEGER NOT NULL DEFAULT 0,
			failure_codes JSON NOT NULL DEFAULT '[]',
			recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (task_id, reviewer_id)
		);`,
		`CREATE TABLE IF NOT EXISTS quarantine (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			msg_id TEXT NOT NULL,
			type TEXT NOT NULL,
			code TEXT NOT NULL,
			message TEXT NOT NULL,
			quarantined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_state (
			task_id TEXT PRIMARY KEY,
			aggregation_msg_id TEXT,
			final_decision JSON,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_quarantine_task ON quarantine(task_id, id);
	`); err != nil {
		return fmt.Errorf("exec migration index: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	return tx.Commit()
}

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
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// InsertReceipt records that agent processed msg for task. Returns true on
// first delivery, false on a duplicate. The INSERT OR IGNORE plus rows
// affected is a single atomic check-and-set; there is no separate lookup.
func (s *Store) InsertReceipt(ctx context.Context, taskID, agentID, msgID, messageType string) (bool, error) {
	var first bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO receipts (task_id, agent_id, msg_id, message_type, processed_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, taskID, agentID, msgID, messageType)
		if err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("receipt rows affected: %w", err)
		}
		first = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return first, nil
}

// ReceiptCount returns the total number of receipts.
func (s *Store) ReceiptCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM receipts;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count receipts: %w", err)
	}
	return count, nil
}

// RecordReview caches the summary of a reviewer's review. A later review
// from the same reviewer for the same task replaces the earlier one.
// Failure codes are derived from blocking findings carrying REVIEWER_*_ERROR
// codes.
func (s *Store) RecordReview(ctx context.Context, taskID, reviewerID, msgID string, payload envelope.ReviewPayload) error {
	codes := make([]string, 0, 2)
	hasExecError := false
	for _, f := range payload.Blocking {
		if strings.HasPrefix(f.Code, "REVIEWER_") && strings.HasSuffix(f.Code, "_ERROR") {
			codes = append(codes, f.Code)
			hasExecError = true
		}
	}
	codesJSON, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("marshal failure codes: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reviews (task_id, reviewer_id, msg_id, verdict, blocking_count, next_action, has_execution_error, failure_codes, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(task_id, reviewer_id) DO UPDATE SET
				msg_id = excluded.msg_id,
				verdict = excluded.verdict,
				blocking_count = excluded.blocking_count,
				next_action = excluded.next_action,
				has_execution_error = excluded.has_execution_error,
				failure_codes = excluded.failure_codes,
				recorded_at = CURRENT_TIMESTAMP;
		`, taskID, reviewerID, msgID, payload.Verdict, len(payload.Blocking), payload.NextAction, hasExecError, string(codesJSON))
		if err != nil {
			return fmt.Errorf("record review: %w", err)
		}
		return nil
	})
}

// GetReviews returns the cached reviews for a task keyed by reviewer id.
func (s *Store) GetReviews(ctx context.Context, taskID string) (map[string]ReviewRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, reviewer_id, msg_id, verdict, blocking_count, next_action, has_execution_error, failure_codes
		FROM reviews
		WHERE task_id = ?;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ReviewRecord)
	for rows.Next() {
		var rec ReviewRecord
		var codesJSON string
		if err := rows.Scan(&rec.TaskID, &rec.ReviewerID, &rec.MsgID, &rec.Verdict, &rec.BlockingCount, &rec.NextAction, &rec.HasExecutionError, &codesJSON); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		if err := json.Unmarshal([]byte(codesJSON), &rec.FailureCodes); err != nil {
			return nil, fmt.Errorf("decode failure codes: %w", err)
		}
		out[rec.ReviewerID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review rows: %w", err)
	}
	return out, nil
}

// ReviewerFailureCounts tallies failure classes across a task's reviews.
func (s *Store) ReviewerFailureCounts(ctx context.Context, taskID string) (FailureCounts, error) {
	reviews, err := s.GetReviews(ctx, taskID)
	if err != nil {
		return FailureCounts{}, err
	}
	var counts FailureCounts
	for _, rec := range reviews {
		for _, code := range rec.FailureCodes {
			switch code {
			case envelope.CodeReviewerAuthError:
				counts.Auth++
			case envelope.CodeReviewerNetworkError:
				counts.Network++
			case envelope.CodeReviewerExecutionError:
				counts.Execution++
			}
			counts.Total++
		}
	}
	return counts, nil
}

// AppendQuarantine records a validation rejection.
func (s *Store) AppendQuarantine(ctx context.Context, rec QuarantineRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO quarantine (task_id, sender_id, msg_id, type, code, message, quarantined_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, rec.TaskID, rec.SenderID, rec.MsgID, rec.Type, rec.Code, rec.Message)
		if err != nil {
			return fmt.Errorf("append quarantine: %w", err)
		}
		return nil
	})
}

// QuarantineCount returns the total number of quarantine records.
func (s *Store) QuarantineCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM quarantine;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count quarantine: %w", err)
	}
	return count, nil
}

// QuarantineRecords returns the quarantine ledger for a task, oldest first.
func (s *Store) QuarantineRecords(ctx context.Context, taskID string) ([]QuarantineRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, sender_id, msg_id, type, code, message, COALESCE(quarantined_at, '')
		FROM quarantine
		WHERE task_id = ?
		ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query quarantine: %w", err)
	}
	defer rows.Close()

	var out []QuarantineRecord
	for rows.Next() {
		var rec QuarantineRecord
		if err := rows.Scan(&rec.TaskID, &rec.SenderID, &rec.MsgID, &rec.Type, &rec.Code, &rec.Message, &rec.QuarantinedAt); err != nil {
			return nil, fmt.Errorf("scan quarantine: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quarantine rows: %w", err)
	}
	return out, nil
}

// CanPublishAggregation reports whether no aggregation has been published
// for the task yet. Read-only probe; MarkAggregationPublished is the
// authoritative gate.
func (s *Store) CanPublishAggregation(ctx context.Context, taskID string) (bool, error) {
	var msgID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT aggregation_msg_id FROM task_state WHERE task_id = ?;
	`, taskID).Scan(&msgID)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("query task state: %w", err)
	}
	return !msgID.Valid, nil
}

// MarkAggregationPublished atomically claims the single aggregation publish
// for a task. Returns true when this caller won the claim; false when an
// aggregation was already published. Check and set are one statement, so
// two concurrent aggregators cannot both win.
func (s *Store) MarkAggregationPublished(ctx context.Context, taskID, msgID string) (bool, error) {
	var won bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_state (task_id, aggregation_msg_id, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(task_id) DO UPDATE SET
				aggregation_msg_id = excluded.aggregation_msg_id,
				updated_at = CURRENT_TIMESTAMP
			WHERE task_state.aggregation_msg_id IS NULL;
		`, taskID, msgID)
		if err != nil {
			return fmt.Errorf("mark aggregation published: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("aggregation rows affected: %w", err)
		}
		won = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// SetFinalDecision records the orchestrator's decision. Only the first
// write sticks; returns true when this call recorded it.
func (s *Store) SetFinalDecision(ctx context.Context, decision Decision) (bool, error) {
	raw, err := json.Marshal(decision)
	if err != nil {
		return false, fmt.Errorf("marshal decision: %w", err)
	}
	var first bool
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_state (task_id, final_decision, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(task_id) DO UPDATE SET
				final_decision = excluded.final_decision,
				updated_at = CURRENT_TIMESTAMP
			WHERE task_state.final_decision IS NULL;
		`, decision.TaskID, string(raw))
		if err != nil {
			return fmt.Errorf("set final decision: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("decision rows affected: %w", err)
		}
		first = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return first, nil
}

// GetFinalDecision returns the recorded decision, or nil when undecided.
func (s *Store) GetFinalDecision(ctx context.Context, taskID string) (*Decision, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT final_decision FROM task_state WHERE task_id = ?;
	`, taskID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query final decision: %w", err)
	}
	if !raw.Valid {
		return nil, nil
	}
	var d Decision
	if err := json.Unmarshal([]byte(raw.String), &d); err != nil {
		return nil, fmt.Errorf("decode final decision: %w", err)
	}
	return &d, nil
}
