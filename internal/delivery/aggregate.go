// Package delivery tracks the lifecycle of outbound messages: batch status
// persistence, carrier-receipt reconciliation, and the per-date count and
// detail aggregation consumed by operator views.
package delivery

import (
	"strings"

	"github.com/MapleDental/RelayCore/internal/models"
)

// Aggregate reconciles the recipients that should receive a message for a
// date (the appointment book) against the status records already known,
// producing bucketed counts and a merged per-recipient view. It is a pure
// function over its two inputs.
//
// The join key is appointment id, falling back to recipient phone for status
// rows recorded before the appointment linkage existed. Recipients with no
// known status count as pending; known statuses with no matching appointment
// are still counted so operator totals never understate the day.
func Aggregate(targets []models.ReminderTarget, known []models.MessageStatusRecord) (models.DeliverySummary, []models.RecipientDetail) {
	// Indexes into known, keyed by record index so unlinked rows (no
	// appointment id yet) never shadow one another in the unmatched pass.
	byAppointment := make(map[int64]int, len(known))
	byPhone := make(map[string]int, len(known))
	for i, r := range known {
		if r.AppointmentID > 0 {
			byAppointment[r.AppointmentID] = i
		}
		if phone := normalizePhone(r.RecipientPhone); phone != "" {
			byPhone[phone] = i
		}
	}

	var summary models.DeliverySummary
	details := make([]models.RecipientDetail, 0, len(targets))
	matched := make([]bool, len(known))

	for _, t := range targets {
		detail := models.RecipientDetail{
			AppointmentID: t.AppointmentID,
			PatientName:   t.PatientName,
			Phone:         t.Phone,
			Ack:           models.AckPending,
			Status:        models.AckPending.String(),
		}

		idx, ok := byAppointment[t.AppointmentID]
		if !ok {
			idx, ok = byPhone[normalizePhone(t.Phone)]
		}
		if ok {
			record := known[idx]
			detail.Ack = record.Ack
			detail.Status = record.Ack.String()
			detail.ExternalMessageID = record.ExternalMessageID
			detail.ErrorNote = record.ErrorNote
			matched[idx] = true
		}

		countAck(&summary, detail.Ack)
		details = append(details, detail)
	}

	// Status rows with no appointment in the should-send list (walk-ins,
	// rescheduled same-day) still appear in the totals and detail.
	for i, r := range known {
		if matched[i] {
			continue
		}
		countAck(&summary, r.Ack)
		details = append(details, models.RecipientDetail{
			AppointmentID:     r.AppointmentID,
			PatientName:       r.RecipientName,
			Phone:             r.RecipientPhone,
			Ack:               r.Ack,
			Status:            r.Ack.String(),
			ExternalMessageID: r.ExternalMessageID,
			ErrorNote:         r.ErrorNote,
		})
	}

	return summary, details
}

func countAck(summary *models.DeliverySummary, ack models.AckCode) {
	summary.Total++
	switch ack {
	case models.AckError:
		summary.Failed++
	case models.AckServer:
		summary.Server++
	case models.AckDevice:
		summary.Device++
	case models.AckRead:
		summary.Read++
	case models.AckPlayed:
		summary.Played++
	default:
		summary.Pending++
	}
}

// normalizePhone strips formatting so +1 (555) 000-1111 and +15550001111 join.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, c := range phone {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}
