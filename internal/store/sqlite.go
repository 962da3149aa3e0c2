// Package store provides storage backends for RelayCore.
//
// This file implements the SQLite-backed portal store. It is the replication
// target of the sync queue and doubles as a single-file backend for the
// message status and sync queue repositories in dev deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/MapleDental/RelayCore/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// portalTables maps source table names to their portal replica tables. Only
// whitelisted tables are replicated; the sync handler for anything else fails.
var portalTables = map[string]string{
	"patients":     "portal_patients",
	"appointments": "portal_appointments",
	"aligner_sets": "portal_aligner_sets",
	"treatments":   "portal_treatments",
	"invoices":     "portal_invoices",
}

// Compile-time checks that SQLiteStore implements the repository interfaces.
var (
	_ MessageStatusRepo = (*SQLiteStore)(nil)
	_ SyncQueueRepo     = (*SQLiteStore)(nil)
	_ PortalRepo        = (*SQLiteStore)(nil)
)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists (strip file: URI prefix and query params).
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertStatus(update models.StatusUpdate, date string) error {
	now := time.Now()
	ack := models.StatusToAck(update.Status)
	_, err := s.db.Exec(
		`INSERT INTO message_status (appointment_id, message_date, recipient_phone, recipient_name, ack, external_message_id, error_note, sent_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (appointment_id, message_date) DO UPDATE SET
		   ack = excluded.ack,
		   external_message_id = COALESCE(excluded.external_message_id, message_status.external_message_id),
		   error_note = excluded.error_note,
		   recipient_phone = CASE WHEN excluded.recipient_phone <> '' THEN excluded.recipient_phone ELSE message_status.recipient_phone END,
		   recipient_name = CASE WHEN excluded.recipient_name <> '' THEN excluded.recipient_name ELSE message_status.recipient_name END,
		   updated_at = excluded.updated_at`,
		update.AppointmentID, date, update.RecipientPhone, update.RecipientName,
		ack, nilIfEmpty(update.ExternalMessageID), nilIfEmpty(update.ErrorNote), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert message status failed: %w", err)
	}
	slog.Debug("SQLiteStore.UpsertStatus", "appointmentID", update.AppointmentID, "date", date, "ack", ack)
	return nil
}

// BatchUpdateStatuses applies all updates in one multi-row statement,
// last-writer-wins per (appointment, date).
func (s *SQLiteStore) BatchUpdateStatuses(updates []models.StatusUpdate, date string) (int, error) {
	updates = dedupeByAppointment(updates)
	if len(updates) == 0 {
		return 0, nil
	}
	now := time.Now()

	var sb strings.Builder
	sb.WriteString(`INSERT INTO message_status (appointment_id, message_date, recipient_phone, recipient_name, ack, external_message_id, error_note, sent_at, updated_at) VALUES `)
	args := make([]interface{}, 0, len(updates)*9)
	for i, u := range updates {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			u.AppointmentID, date, u.RecipientPhone, u.RecipientName,
			models.StatusToAck(u.Status), nilIfEmpty(u.ExternalMessageID), nilIfEmpty(u.ErrorNote), now, now,
		)
	}
	sb.WriteString(` ON CONFLICT (appointment_id, message_date) DO UPDATE SET
	   ack = excluded.ack,
	   external_message_id = COALESCE(excluded.external_message_id, message_status.external_message_id),
	   error_note = excluded.error_note,
	   recipient_phone = CASE WHEN excluded.recipient_phone <> '' THEN excluded.recipient_phone ELSE message_status.recipient_phone END,
	   recipient_name = CASE WHEN excluded.recipient_name <> '' THEN excluded.recipient_name ELSE message_status.recipient_name END,
	   updated_at = excluded.updated_at`)

	if _, err := s.db.Exec(sb.String(), args...); err != nil {
		return 0, fmt.Errorf("batch update statuses failed: %w", err)
	}
	slog.Debug("SQLiteStore.BatchUpdateStatuses", "count", len(updates), "date", date)
	return len(updates), nil
}

func (s *SQLiteStore) ListStatusesForDate(date string) ([]models.MessageStatusRecord, error) {
	rows, err := s.db.Query(
		`SELECT appointment_id, message_date, recipient_phone, recipient_name, ack, external_message_id, error_note, sent_at, updated_at
		 FROM message_status WHERE message_date = ? ORDER BY appointment_id ASC`,
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

func (s *SQLiteStore) ResetStatusesForDate(date string) (int, error) {
	result, err := s.db.Exec(`DELETE FROM message_status WHERE message_date = ?`, date)
	if err != nil {
		return 0, fmt.Errorf("reset statuses failed: %w", err)
	}
	n, _ := result.RowsAffected()
	slog.Info("SQLiteStore.ResetStatusesForDate", "date", date, "removed", n)
	return int(n), nil
}

func (s *SQLiteStore) ListReminderTargets(date string) ([]models.ReminderTarget, error) {
	rows, err := s.db.Query(
		`SELECT id, patient_name, phone FROM appointments
		 WHERE appointment_date = ? AND phone <> '' ORDER BY id ASC`,
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

func (s *SQLiteStore) EnqueueSyncItem(tableName, recordID string, op SyncOperation, jsonData string) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO sync_queue (table_name, record_id, operation, json_data, status, attempts, created_at)
		 VALUES (?, ?, ?, ?, 'Pending', 0, ?)`,
		tableName, recordID, op, nilIfEmpty(jsonData), time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue sync item failed: %w", err)
	}
	queueID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue sync item id failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueSyncItem", "queueID", queueID, "table", tableName, "recordID", recordID, "op", op)
	return queueID, nil
}

func (s *SQLiteStore) ListPendingItems(limit int) ([]SyncQueueItem, error) {
	rows, err := s.db.Query(
		`SELECT queue_id, table_name, record_id, operation, json_data, status, attempts, last_error, created_at
		 FROM sync_queue WHERE status = 'Pending' ORDER BY queue_id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending sync items failed: %w", err)
	}
	defer rows.Close()
	return collectSyncItems(rows)
}

func (s *SQLiteStore) MarkItemSynced(queueID int64) error {
	_, err := s.db.Exec(`UPDATE sync_queue SET status = 'Synced', last_error = NULL WHERE queue_id = ?`, queueID)
	if err != nil {
		return fmt.Errorf("mark sync item synced failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordItemFailure(queueID int64, errMsg string, maxAttempts int) (SyncStatus, error) {
	_, err := s.db.Exec(
		`UPDATE sync_queue SET
		   attempts = attempts + 1,
		   last_error = ?,
		   status = CASE WHEN attempts + 1 >= ? THEN 'Failed' ELSE 'Pending' END
		 WHERE queue_id = ?`,
		errMsg, maxAttempts, queueID,
	)
	if err != nil {
		return "", fmt.Errorf("record sync item failure failed: %w", err)
	}
	var status SyncStatus
	if err := s.db.QueryRow(`SELECT status FROM sync_queue WHERE queue_id = ?`, queueID).Scan(&status); err != nil {
		return "", fmt.Errorf("read sync item status failed: %w", err)
	}
	if status == SyncStatusFailed {
		slog.Warn("SQLiteStore.RecordItemFailure: item exhausted retries", "queueID", queueID, "maxAttempts", maxAttempts, "lastError", errMsg)
	}
	return status, nil
}

func (s *SQLiteStore) ListFailedItems(limit int) ([]SyncQueueItem, error) {
	rows, err := s.db.Query(
		`SELECT queue_id, table_name, record_id, operation, json_data, status, attempts, last_error, created_at
		 FROM sync_queue WHERE status = 'Failed' ORDER BY queue_id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list failed sync items failed: %w", err)
	}
	defer rows.Close()
	return collectSyncItems(rows)
}

func (s *SQLiteStore) SyncQueueStatus() (QueueStatus, error) {
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

// IsReplicatedTable reports whether a source table is replicated to the portal.
func IsReplicatedTable(tableName string) bool {
	_, ok := portalTables[tableName]
	return ok
}

// ReplicatedTables returns the replication whitelist (source table names).
func ReplicatedTables() []string {
	tables := make([]string, 0, len(portalTables))
	for t := range portalTables {
		tables = append(tables, t)
	}
	return tables
}

func (s *SQLiteStore) UpsertPortalRecord(tableName, recordID, jsonData string) error {
	portal, ok := portalTables[tableName]
	if !ok {
		return fmt.Errorf("table %q is not replicated to the portal", tableName)
	}
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO `+portal+` (record_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (record_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		recordID, jsonData, now,
	)
	if err != nil {
		return fmt.Errorf("upsert portal record failed for %s/%s: %w", tableName, recordID, err)
	}
	slog.Debug("SQLiteStore.UpsertPortalRecord", "table", tableName, "recordID", recordID)
	return nil
}

func (s *SQLiteStore) DeletePortalRecord(tableName, recordID string) error {
	portal, ok := portalTables[tableName]
	if !ok {
		return fmt.Errorf("table %q is not replicated to the portal", tableName)
	}
	_, err := s.db.Exec(`DELETE FROM `+portal+` WHERE record_id = ?`, recordID)
	if err != nil {
		return fmt.Errorf("delete portal record failed for %s/%s: %w", tableName, recordID, err)
	}
	slog.Debug("SQLiteStore.DeletePortalRecord", "table", tableName, "recordID", recordID)
	return nil
}
