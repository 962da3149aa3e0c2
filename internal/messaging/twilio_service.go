package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MapleDental/RelayCore/internal/models"
	"github.com/MapleDental/RelayCore/internal/twiliosms"
)

// TwilioService implements Service over SMS, the fallback channel when a
// patient has no WhatsApp presence. Delivery progress arrives out of band via
// Twilio's status callback webhook rather than a live event stream, so Start
// is a no-op and the webhook handler feeds ParseStatusCallback results into
// the same status update channel.
type TwilioService struct {
	client  twiliosms.Sender
	updates chan models.StatusUpdate
	done    chan struct{}

	mu      sync.RWMutex
	sends   map[string]int64 // message SID -> appointment id
	stopped bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService wrapping the given SMS sender.
func NewTwilioService(client twiliosms.Sender) *TwilioService {
	return &TwilioService{
		client:  client,
		updates: make(chan models.StatusUpdate, DefaultChannelBufferSize),
		done:    make(chan struct{}),
		sends:   make(map[string]int64),
	}
}

// ValidateAndCanonicalizeRecipient applies the shared phone rules.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start is a no-op: Twilio reports progress through the status webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the status channel after a short drain window.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.updates)
	}()

	return nil
}

// SendMessage sends an SMS reminder and emits the initial status update.
func (s *TwilioService) SendMessage(ctx context.Context, appointmentID int64, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err, "appointmentID", appointmentID)
		return err
	}

	sid, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		s.emit(models.StatusUpdate{
			AppointmentID:  appointmentID,
			Status:         models.AckError.String(),
			ErrorNote:      err.Error(),
			RecipientPhone: canonicalTo,
		})
		return err
	}

	s.mu.Lock()
	s.sends[sid] = appointmentID
	s.mu.Unlock()

	s.emit(models.StatusUpdate{
		AppointmentID:     appointmentID,
		Status:            models.AckServer.String(),
		ExternalMessageID: sid,
		RecipientPhone:    canonicalTo,
	})
	return nil
}

// StatusUpdates returns the stream of delivery status transitions.
func (s *TwilioService) StatusUpdates() <-chan models.StatusUpdate {
	return s.updates
}

// HandleStatusCallback resolves a parsed Twilio callback to an appointment and
// feeds it into the status stream. Callbacks for unknown message SIDs are
// dropped (the send predates this process or belongs to another channel).
func (s *TwilioService) HandleStatusCallback(update models.StatusUpdate) bool {
	s.mu.RLock()
	appointmentID, ok := s.sends[update.ExternalMessageID]
	s.mu.RUnlock()
	if !ok {
		slog.Debug("TwilioService.HandleStatusCallback: unknown message SID", "sid", update.ExternalMessageID)
		return false
	}
	update.AppointmentID = appointmentID
	s.emit(update)
	return true
}

// emit holds the read lock across the send so Stop cannot mark the service
// stopped (and later close the channel) under an in-flight emit.
func (s *TwilioService) emit(update models.StatusUpdate) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}

	select {
	case s.updates <- update:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService: status channel blocked, dropping update",
			"appointmentID", update.AppointmentID, "status", update.Status)
	}
}

// ParseStatusCallback maps a Twilio status callback form to a status update.
// Twilio statuses collapse onto the ack ladder: queued/accepted/sending stay
// pending, sent maps to server, delivered to device, read to read, and
// failed/undelivered to error. The appointment id is taken from the form when
// the callback URL carries one, otherwise left for SID resolution.
func ParseStatusCallback(form url.Values) (models.StatusUpdate, error) {
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	status := form.Get("MessageStatus")
	if status == "" {
		status = form.Get("SmsStatus")
	}
	if sid == "" || status == "" {
		return models.StatusUpdate{}, fmt.Errorf("status callback missing MessageSid or MessageStatus")
	}

	var ack models.AckCode
	switch status {
	case "queued", "accepted", "sending", "scheduled":
		ack = models.AckPending
	case "sent":
		ack = models.AckServer
	case "delivered":
		ack = models.AckDevice
	case "read":
		ack = models.AckRead
	case "failed", "undelivered", "canceled":
		ack = models.AckError
	default:
		slog.Warn("ParseStatusCallback: unrecognized Twilio status", "status", status, "sid", sid)
		ack = models.AckPending
	}

	update := models.StatusUpdate{
		Status:            ack.String(),
		ExternalMessageID: sid,
		RecipientPhone:    form.Get("To"),
	}
	if ack == models.AckError {
		update.ErrorNote = fmt.Sprintf("twilio status %s (code %s)", status, form.Get("ErrorCode"))
	}
	if raw := form.Get("AppointmentId"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			update.AppointmentID = id
		}
	}
	return update, nil
}
