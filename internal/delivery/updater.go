package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MapleDental/RelayCore/internal/breaker"
	"github.com/MapleDental/RelayCore/internal/events"
	"github.com/MapleDental/RelayCore/internal/models"
	"github.com/MapleDental/RelayCore/internal/store"
)

// Broadcaster pushes envelopes to connected live clients. Satisfied by
// *events.Hub; a nil-safe no-op keeps the updater usable in tests.
type Broadcaster interface {
	BroadcastEvent(eventType string, data map[string]interface{})
}

// Updater applies delivery status transitions. Database writes run through
// the database circuit breaker; successful batches emit a single broadcast
// event rather than one per row.
type Updater struct {
	repo        store.MessageStatusRepo
	db          *breaker.Breaker
	broadcaster Broadcaster
	now         func() time.Time
}

// NewUpdater creates an Updater over the given status repository.
func NewUpdater(repo store.MessageStatusRepo, db *breaker.Breaker, broadcaster Broadcaster) *Updater {
	return &Updater{
		repo:        repo,
		db:          db,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// BatchUpdate validates and persists a batch of status transitions in one
// round trip. Entries are processed independently: a bad entry is reported in
// the result and never aborts the batch. A nil or empty batch is rejected
// before any side effect. Applying the same batch twice yields the same final
// state (last-writer-wins per appointment).
func (u *Updater) BatchUpdate(ctx context.Context, updates []models.StatusUpdate) (models.BatchUpdateResult, error) {
	var result models.BatchUpdateResult
	if len(updates) == 0 {
		return result, models.ErrEmptyBatch
	}

	valid := make([]models.StatusUpdate, 0, len(updates))
	for _, entry := range updates {
		if err := entry.Validate(); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, models.BatchUpdateError{
				AppointmentID: entry.AppointmentID,
				Error:         err.Error(),
			})
			continue
		}
		valid = append(valid, entry)
	}
	if len(valid) == 0 {
		slog.Warn("Updater.BatchUpdate: no valid entries in batch", "total", len(updates))
		return result, nil
	}

	date := u.today()
	err := u.db.Execute(ctx, func(ctx context.Context) error {
		n, err := u.repo.BatchUpdateStatuses(valid, date)
		if err != nil {
			return err
		}
		result.Updated = n
		return nil
	})
	if err != nil {
		if breaker.IsOpen(err) {
			slog.Warn("Updater.BatchUpdate: database breaker open, skipping batch", "entries", len(valid))
			return result, err
		}
		slog.Error("Updater.BatchUpdate: persist failed", "entries", len(valid), "error", err)
		for _, entry := range valid {
			result.Failed++
			result.Errors = append(result.Errors, models.BatchUpdateError{
				AppointmentID: entry.AppointmentID,
				Error:         fmt.Sprintf("persist failed: %v", err),
			})
		}
		return result, nil
	}

	// One event per batch so subscribers re-render in a single pass.
	if u.broadcaster != nil {
		u.broadcaster.BroadcastEvent(events.EventWhatsAppBatchStatus, map[string]interface{}{
			"updates": batchEventEntries(valid),
			"date":    date,
		})
	}
	slog.Info("Updater.BatchUpdate: batch applied", "updated", result.Updated, "failed", result.Failed, "date", date)
	return result, nil
}

// RecordUpdate applies a single status transition, typically from a carrier
// receipt, and broadcasts the individual status event.
func (u *Updater) RecordUpdate(ctx context.Context, update models.StatusUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}

	date := u.today()
	err := u.db.Execute(ctx, func(ctx context.Context) error {
		return u.repo.UpsertStatus(update, date)
	})
	if err != nil {
		if breaker.IsOpen(err) {
			slog.Warn("Updater.RecordUpdate: database breaker open, dropping update", "appointmentID", update.AppointmentID)
		} else {
			slog.Error("Updater.RecordUpdate: persist failed", "appointmentID", update.AppointmentID, "error", err)
		}
		return err
	}

	if u.broadcaster != nil {
		u.broadcaster.BroadcastEvent(events.EventWhatsAppStatus, map[string]interface{}{
			"appointmentId": update.AppointmentID,
			"status":        update.Status,
			"ack":           int(models.StatusToAck(update.Status)),
			"messageId":     update.ExternalMessageID,
			"date":          date,
		})
	}
	return nil
}

// SummaryForDate computes the aggregator output for a date.
func (u *Updater) SummaryForDate(ctx context.Context, date string) (models.DeliverySummary, []models.RecipientDetail, error) {
	var (
		targets []models.ReminderTarget
		known   []models.MessageStatusRecord
	)
	err := u.db.Execute(ctx, func(ctx context.Context) error {
		var err error
		if targets, err = u.repo.ListReminderTargets(date); err != nil {
			return err
		}
		known, err = u.repo.ListStatusesForDate(date)
		return err
	})
	if err != nil {
		return models.DeliverySummary{}, nil, err
	}
	summary, details := Aggregate(targets, known)
	return summary, details, nil
}

// ResetDate clears all status records for a date so the day's messaging can
// be retried from scratch, and notifies subscribers.
func (u *Updater) ResetDate(ctx context.Context, date string) (int, error) {
	var removed int
	err := u.db.Execute(ctx, func(ctx context.Context) error {
		var err error
		removed, err = u.repo.ResetStatusesForDate(date)
		return err
	})
	if err != nil {
		return 0, err
	}

	if u.broadcaster != nil {
		u.broadcaster.BroadcastEvent(events.EventDataUpdated, map[string]interface{}{
			"table": "message_status",
			"date":  date,
		})
	}
	slog.Info("Updater.ResetDate: statuses cleared", "date", date, "removed", removed)
	return removed, nil
}

// batchEventEntries flattens status updates into the plain JSON values the
// event registry accepts for the updates array. Typed structs would fail
// envelope field validation on the broadcast path.
func batchEventEntries(updates []models.StatusUpdate) []interface{} {
	entries := make([]interface{}, 0, len(updates))
	for _, entry := range updates {
		entries = append(entries, map[string]interface{}{
			"appointmentId": entry.AppointmentID,
			"status":        entry.Status,
			"ack":           int(models.StatusToAck(entry.Status)),
			"messageId":     entry.ExternalMessageID,
		})
	}
	return entries
}

func (u *Updater) today() string {
	return u.now().Format("2006-01-02")
}

// StatusPump bridges the messaging service's status update stream into the
// Updater until the channel closes or the context is cancelled.
func StatusPump(ctx context.Context, updates <-chan models.StatusUpdate, updater *Updater) {
	slog.Debug("StatusPump: starting")
	for {
		select {
		case <-ctx.Done():
			slog.Debug("StatusPump: context cancelled")
			return
		case update, ok := <-updates:
			if !ok {
				slog.Debug("StatusPump: updates channel closed")
				return
			}
			if err := updater.RecordUpdate(ctx, update); err != nil {
				slog.Error("StatusPump: failed to record update", "appointmentID", update.AppointmentID, "error", err)
			}
		}
	}
}
