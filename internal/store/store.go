// Package store provides storage backends for RelayCore.
//
// The system of record is PostgreSQL; the patient-portal read store is SQLite.
// Both backends implement the same repository interfaces so single-file dev
// deployments can run everything on SQLite.
package store

import (
	"time"

	"github.com/MapleDental/RelayCore/internal/models"
)

// Opts holds configuration options for store construction.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// MessageStatusRepo persists the delivery lifecycle of outbound messages.
type MessageStatusRepo interface {
	// UpsertStatus inserts or updates the status row for (appointment, date).
	// A repeated callback for the same appointment updates in place; it never
	// inserts a duplicate.
	UpsertStatus(update models.StatusUpdate, date string) error

	// BatchUpdateStatuses applies many updates in a single round trip and
	// returns the number of rows written. Re-applying the same batch is a
	// no-op in terms of observable state (last-writer-wins per id).
	BatchUpdateStatuses(updates []models.StatusUpdate, date string) (int, error)

	// ListStatusesForDate returns all status records for a date.
	ListStatusesForDate(date string) ([]models.MessageStatusRecord, error)

	// ResetStatusesForDate clears all status records for a date so messaging
	// can be retried from scratch. Returns the number of rows removed.
	ResetStatusesForDate(date string) (int, error)

	// ListReminderTargets returns the recipients that should receive a message
	// for a date, derived from the appointment book.
	ListReminderTargets(date string) ([]models.ReminderTarget, error)
}

// SyncOperation is the row-level change kind captured by database triggers.
type SyncOperation string

const (
	SyncOpInsert SyncOperation = "INSERT"
	SyncOpUpdate SyncOperation = "UPDATE"
	SyncOpDelete SyncOperation = "DELETE"
)

// SyncStatus is the lifecycle state of a sync queue item.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "Pending"
	SyncStatusSynced  SyncStatus = "Synced"
	SyncStatusFailed  SyncStatus = "Failed"
)

// SyncQueueItem is one captured database change awaiting replication to the
// portal store. QueueID is a monotonically increasing identity used for FIFO
// ordering.
type SyncQueueItem struct {
	QueueID   int64         `json:"queue_id"`
	TableName string        `json:"table_name"`
	RecordID  string        `json:"record_id"`
	Operation SyncOperation `json:"operation"`
	JSONData  string        `json:"json_data,omitempty"`
	Status    SyncStatus    `json:"status"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// QueueStatus summarizes the sync queue for operators.
type QueueStatus struct {
	Pending          int        `json:"pending"`
	Synced           int        `json:"synced"`
	Failed           int        `json:"failed"`
	OldestPendingAge string     `json:"oldest_pending_age,omitempty"`
	OldestPendingAt  *time.Time `json:"oldest_pending_at,omitempty"`
}

// SyncQueueRepo owns the durable replication queue. Items are populated by
// database triggers external to this service and drained exclusively by the
// SyncProcessor.
type SyncQueueRepo interface {
	// EnqueueSyncItem inserts a change record. Used by tests and by backfill
	// tooling; production rows come from triggers.
	EnqueueSyncItem(tableName, recordID string, op SyncOperation, jsonData string) (int64, error)

	// ListPendingItems returns up to limit Pending items in queue_id order.
	ListPendingItems(limit int) ([]SyncQueueItem, error)

	// MarkItemSynced marks an item successfully replicated.
	MarkItemSynced(queueID int64) error

	// RecordItemFailure increments attempts and stores the error. Once
	// attempts reaches maxAttempts the item flips to Failed (terminal) and is
	// excluded from further polls. Returns the resulting status.
	RecordItemFailure(queueID int64, errMsg string, maxAttempts int) (SyncStatus, error)

	// ListFailedItems returns terminally failed items for operator inspection.
	ListFailedItems(limit int) ([]SyncQueueItem, error)

	// SyncQueueStatus returns queue counts and the oldest pending age.
	SyncQueueStatus() (QueueStatus, error)
}

// PortalRepo is the secondary (portal) store replication target.
type PortalRepo interface {
	// UpsertPortalRecord writes the JSON snapshot of a source row into the
	// portal replica table for tableName.
	UpsertPortalRecord(tableName, recordID, jsonData string) error

	// DeletePortalRecord removes a replicated row.
	DeletePortalRecord(tableName, recordID string) error
}
