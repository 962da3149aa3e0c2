package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/MapleDental/RelayCore/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" for anything else (file paths, file: URIs).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	// Key-value form: "host=... user=... dbname=..."
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// scanStatusRecord scans a MessageStatusRecord row.
func scanStatusRecord(rows *sql.Rows) (models.MessageStatusRecord, error) {
	var r models.MessageStatusRecord
	var externalID, errorNote sql.NullString
	err := rows.Scan(
		&r.AppointmentID, &r.MessageDate, &r.RecipientPhone, &r.RecipientName,
		&r.Ack, &externalID, &errorNote, &r.SentAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, fmt.Errorf("scan message status failed: %w", err)
	}
	r.ExternalMessageID = externalID.String
	r.ErrorNote = errorNote.String
	return r, nil
}

// dedupeByAppointment keeps the last entry per appointment id, preserving
// first-seen order. ON CONFLICT upserts reject a second hit on the same row
// within one statement, and last-writer-wins is the documented batch
// semantics anyway.
func dedupeByAppointment(updates []models.StatusUpdate) []models.StatusUpdate {
	last := make(map[int64]models.StatusUpdate, len(updates))
	order := make([]int64, 0, len(updates))
	for _, u := range updates {
		if _, seen := last[u.AppointmentID]; !seen {
			order = append(order, u.AppointmentID)
		}
		last[u.AppointmentID] = u
	}
	out := make([]models.StatusUpdate, 0, len(order))
	for _, id := range order {
		out = append(out, last[id])
	}
	return out
}

// scanSyncItem scans a SyncQueueItem row.
func scanSyncItem(rows *sql.Rows) (SyncQueueItem, error) {
	var item SyncQueueItem
	var jsonData, lastError sql.NullString
	err := rows.Scan(
		&item.QueueID, &item.TableName, &item.RecordID, &item.Operation,
		&jsonData, &item.Status, &item.Attempts, &lastError, &item.CreatedAt,
	)
	if err != nil {
		return item, fmt.Errorf("scan sync queue item failed: %w", err)
	}
	item.JSONData = jsonData.String
	item.LastError = lastError.String
	return item, nil
}
