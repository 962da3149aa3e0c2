// Package store provides storage backends for RelayCore.
//
// This file implements the PostgreSQL-backed system of record: message status
// records, the appointment book lookups, and the durable sync queue.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/MapleDental/RelayCore/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time checks that PostgresStore implements the repository interfaces.
var (
	_ MessageStatusRepo = (*PostgresStore)(nil)
	_ SyncQueueRepo     = (*PostgresStore)(nil)
)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) UpsertStatus(update models.StatusUpdate, date string) error {
	now := time.Now()
	ack := models.StatusToAck(update.Status)
	_, err := s.db.Exec(
		`INSERT INTO message_status (appointment_id, message_date, recipient_phone, recipient_name, ack, external_message_id, error_note, sent_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (appointment_id, message_date) DO UPDATE SET
		   ack = EXCLUDED.ack,
		   external_message_id = COALESCE(EXCLUDED.external_message_id, message_status.external_message_id),
		   error_note = EXCLUDED.error_note,
		   recipient_phone = CASE WHEN EXCLUDED.recipient_phone <> '' THEN EXCLUDED.recipient_phone ELSE message_status.recipient_phone END,
		   recipient_name = CASE WHEN EXCLUDED.recipient_name <> '' THEN EXCLUDED.recipient_name ELSE message_status.recipient_name END,
		   updated_at = EXCLUDED.updated_at`,
		update.AppointmentID, date, update.RecipientPhone, update.RecipientName,
		ack, nilIfEmpty(update.ExternalMessageID), nilIfEmpty(update.ErrorNote), now,
	)
	if err != nil {
		return fmt.Errorf("upsert message status failed: %w", err)
	}
	slog.Debug("PostgresStore.UpsertStatus", "appointmentID", update.AppointmentID, "date", date, "ack", ack)
	return nil
}

// BatchUpdateStatuses applies all updates in one multi-row INSERT ... ON
// CONFLICT statement so latency stays bounded under load. Last-writer-wins per
// (appointment, date): re-applying an identical batch changes nothing
// observable.
func (s *PostgresStore) BatchUpdateStatuses(updates []models.StatusUpdate, date string) (int, error) {
	updates = dedupeByAppointment(updates)
	if len(updates) == 0 {
		return 0, nil
	}
	now := time.Now()

	var sb strings.Builder
	sb.WriteString(`INSERT INTO message_status (appointment_id, message_date, recipient_phone, recipient_name, ack, external_message_id, error_note, sent_at, updated_at) VALUES `)
	args := make([]interface{}, 0, len(updates)*8)
	for i, u := range updates {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 8
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+8)
		args = append(args,
			u.AppointmentID, date, u.RecipientPhone, u.RecipientName,
			models.StatusToAck(u.Status), nilIfEmpty(u.ExternalMessageID), nilIfEmpty(u.ErrorNote), now,
		)
	}
	sb.WriteString(` ON CONFLICT (appointment_id, message_date) DO UPDATE SET
	   ack = EXCLUDED.ack,
	   external_message_id = COALESCE(EXCLUDED.external_message_id, message_status.external_message_id),
	   error_note = EXCLUDED.error_note,
	   recipient_phone = CASE WHEN EXCLUDED.recipient_phone <> '' THEN EXCLUDED.recipient_phone ELSE message_status.recipient_phone END,
	   recipient_name = CASE WHEN EXCLUDED.recipient_name <> '' THEN EXCLUDED.recipient_name ELSE message_status.recipient_name END,
	   updated_at = EXCLUDED.updated_at`)

	result, err := s.db.Exec(sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("batch update statuses failed: %w", err)
	}
	n, _ := result.RowsAffected()
	slog.Debug("PostgresStore.BatchUpdateStatuses", "requested", len(updates), "written", n, "date", date)
	return len(updates), nil
}

func (s *PostgresStore) ListStatusesForDate(date string) ([]models.MessageStatusRecord, error) {
	rows, err := s.db.Query(
		`SELECT appointment_id, message_date, recipient_phone, recipient_name, ack, external_message_id, error_note, sent_at, updated_at
		 FROM message_status WHERE message_date = $1 ORDER BY appointment_id ASC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query message statuses failed: %w", err)
	}
	defer rows.Close()

	var records []models.MessageStatusRecord
	for rows.Next() {
		r, err := scanStatusRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message status iteration failed: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) ResetStatusesForDate(date string) (int, error) {
	result, err := s.db.Exec(`DELETE FROM message_status WHERE message_date = $1`, date)
	if err != nil {
		return 0, fmt.Errorf("reset statuses failed: %w", err)
	}
	n, _ := result.RowsAffected()
	slog.Info("PostgresStore.ResetStatusesForDate", "date", date, "removed", n)
	return int(n), nil
}

func (s *PostgresStore) ListReminderTargets(date string) ([]models.ReminderTarget, error) {
	rows, err := s.db.Query(
		`SELECT id, patient_name, phone FROM appointments
		 WHERE appointment_date = $1 AND phone <> '' ORDER BY id ASC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query reminder targets failed: %w", err)
	}
	defer rows.Close()

	var targets []models.ReminderTarget
	for rows.Next() {
		var t models.ReminderTarget
		if err := rows.Scan(&t.AppointmentID, &t.PatientName, &t.Phone); err != nil {
			return nil, fmt.Errorf("scan reminder target failed: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reminder target iteration failed: %w", err)
	}
	return targets, nil
}

func (s *PostgresStore) EnqueueSyncItem(tableName, recordID string, op SyncOperation, jsonData string) (int64, error) {
	var queueID int64
	err := s.db.QueryRow(
		`INSERT INTO sync_queue (table_name, record_id, operation, json_data, status, attempts, created_at)
		 VALUES ($1, $2, $3, $4, 'Pending', 0, $5) RETURNING queue_id`,
		tableName, recordID, op, nilIfEmpty(jsonData), time.Now(),
	).Scan(&queueID)
	if err != nil {
		return 0, fmt.Errorf("enqueue sync item failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueSyncItem", "queueID", queueID, "table", tableName, "recordID", recordID, "op", op)
	return queueID, nil
}

// ListPendingItems returns pending items in queue_id order. FIFO ordering
// preserves the causal order of changes to the same row. Claiming is implicit:
// the single-process SyncProcessor is the only consumer and never overlaps
// poll cycles.
func (s *PostgresStore) ListPendingItems(limit int) ([]SyncQueueItem, error) {
	rows, err := s.db.Query(
		`SELECT queue_id, table_name, record_id, operation, json_data, status, attempts, last_error, created_at
		 FROM sync_queue WHERE status = 'Pending' ORDER BY queue_id ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending sync items failed: %w", err)
	}
	defer rows.Close()
	return collectSyncItems(rows)
}

func (s *PostgresStore) MarkItemSynced(queueID int64) error {
	_, err := s.db.Exec(`UPDATE sync_queue SET status = 'Synced', last_error = NULL WHERE queue_id = $1`, queueID)
	if err != nil {
		return fmt.Errorf("mark sync item synced failed: %w", err)
	}
	return nil
}

// RecordItemFailure increments attempts atomically and flips the item to
// Failed once attempts reaches maxAttempts. Attempts is monotone
// non-decreasing; a Failed item never returns to Pending automatically.
func (s *PostgresStore) RecordItemFailure(queueID int64, errMsg string, maxAttempts int) (SyncStatus, error) {
	var status SyncStatus
	err := s.db.QueryRow(
		`UPDATE sync_queue SET
		   attempts = attempts + 1,
		   last_error = $1,
		   status = CASE WHEN attempts + 1 >= $2 THEN 'Failed' ELSE 'Pending' END
		 WHERE queue_id = $3
		 RETURNING status`,
		errMsg, maxAttempts, queueID,
	).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("record sync item failure failed: %w", err)
	}
	if status == SyncStatusFailed {
		slog.Warn("PostgresStore.RecordItemFailure: item exhausted retries", "queueID", queueID, "maxAttempts", maxAttempts, "lastError", errMsg)
	}
	return status, nil
}

func (s *PostgresStore) ListFailedItems(limit int) ([]SyncQueueItem, error) {
	rows, err := s.db.Query(
		`SELECT queue_id, table_name, record_id, operation, json_data, status, attempts, last_error, created_at
		 FROM sync_queue WHERE status = 'Failed' ORDER BY queue_id ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list failed sync items failed: %w", err)
	}
	defer rows.Close()
	return collectSyncItems(rows)
}

func (s *PostgresStore) SyncQueueStatus() (QueueStatus, error) {
	var qs QueueStatus
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return qs, fmt.Errorf("sync queue status query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status SyncStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return qs, fmt.Errorf("scan sync queue status failed: %w", err)
		}
		switch status {
		case SyncStatusPending:
			qs.Pending = count
		case SyncStatusSynced:
			qs.Synced = count
		case SyncStatusFailed:
			qs.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return qs, fmt.Errorf("sync queue status iteration failed: %w", err)
	}

	var oldest sql.NullTime
	err = s.db.QueryRow(`SELECT MIN(created_at) FROM sync_queue WHERE status = 'Pending'`).Scan(&oldest)
	if err != nil {
		return qs, fmt.Errorf("oldest pending query failed: %w", err)
	}
	if oldest.Valid {
		qs.OldestPendingAt = &oldest.Time
		qs.OldestPendingAge = time.Since(oldest.Time).Round(time.Second).String()
	}
	return qs, nil
}

func collectSyncItems(rows *sql.Rows) ([]SyncQueueItem, error) {
	var items []SyncQueueItem
	for rows.Next() {
		item, err := scanSyncItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync item iteration failed: %w", err)
	}
	return items, nil
}
