package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MapleDental/RelayCore/internal/models"
	"github.com/MapleDental/RelayCore/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
//
// Delivery receipts arrive keyed by carrier message id, not appointment, so the
// service records the message id of every accepted send and resolves receipts
// through that table. Entries are dropped once a read or played receipt arrives;
// daily reminder volume keeps the table small between restarts.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // nil when constructed with a mock sender
	updates  chan models.StatusUpdate
	done     chan struct{}

	mu      sync.RWMutex
	sends   map[string]sendInfo // carrier message id -> send
	stopped bool
}

type sendInfo struct {
	appointmentID int64
	phone         string
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:  client,
		updates: make(chan models.StatusUpdate, DefaultChannelBufferSize),
		done:    make(chan struct{}),
		sends:   make(map[string]sendInfo),
	}

	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService: created with full client for receipt handling")
	} else {
		slog.Debug("WhatsAppService: created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient applies the shared phone rules.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start begins receipt event handling when a full client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil {
		slog.Debug("WhatsAppService.Start: no full client, skipping receipt handling")
		return nil
	}
	go s.handleEvents(ctx)
	return nil
}

// Stop stops background processing and closes the status channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.updates)
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a reminder and emits the initial status update: server ack
// on carrier accept, error ack on failure.
func (s *WhatsAppService) SendMessage(ctx context.Context, appointmentID int64, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: invalid recipient", "error", err, "appointmentID", appointmentID)
		return err
	}

	messageID, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "appointmentID", appointmentID)
		s.emit(models.StatusUpdate{
			AppointmentID:  appointmentID,
			Status:         models.AckError.String(),
			ErrorNote:      err.Error(),
			RecipientPhone: canonicalTo,
		})
		return err
	}

	s.mu.Lock()
	s.sends[messageID] = sendInfo{appointmentID: appointmentID, phone: canonicalTo}
	s.mu.Unlock()

	s.emit(models.StatusUpdate{
		AppointmentID:     appointmentID,
		Status:            models.AckServer.String(),
		ExternalMessageID: messageID,
		RecipientPhone:    canonicalTo,
	})
	slog.Info("WhatsAppService.SendMessage: sent", "appointmentID", appointmentID, "messageID", messageID)
	return nil
}

// StatusUpdates returns the stream of delivery status transitions.
func (s *WhatsAppService) StatusUpdates() <-chan models.StatusUpdate {
	return s.updates
}

// handleEvents subscribes to whatsmeow events and feeds delivery receipts into
// the status stream.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService.handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if receipt, ok := evt.(*events.Receipt); ok {
			s.handleReceipt(receipt)
		}
	})
	slog.Debug("WhatsAppService.handleEvents: receipt handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService.handleEvents: stopping, context cancelled")
}

// handleReceipt maps a whatsmeow receipt to per-appointment status updates.
func (s *WhatsAppService) handleReceipt(evt *events.Receipt) {
	var status string
	terminal := false
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.AckDevice.String()
	case events.ReceiptTypeRead:
		status = models.AckRead.String()
		terminal = true
	case events.ReceiptTypePlayed:
		status = models.AckPlayed.String()
		terminal = true
	default:
		// Self-read and sender receipts carry nothing for delivery tracking.
		return
	}

	for _, messageID := range evt.MessageIDs {
		id := string(messageID)
		s.mu.Lock()
		info, ok := s.sends[id]
		if ok && terminal {
			delete(s.sends, id)
		}
		s.mu.Unlock()
		if !ok {
			slog.Debug("WhatsAppService.handleReceipt: receipt for unknown message", "messageID", id, "type", evt.Type)
			continue
		}

		s.emit(models.StatusUpdate{
			AppointmentID:     info.appointmentID,
			Status:            status,
			ExternalMessageID: id,
			RecipientPhone:    info.phone,
		})
	}
}

// emit pushes a status update without blocking the carrier event loop. The
// read lock is held across the send so Stop cannot close the channel under
// an in-flight emit; Stop blocks for at most the channel timeout.
func (s *WhatsAppService) emit(update models.StatusUpdate) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}

	select {
	case s.updates <- update:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService: status channel blocked, dropping update",
			"appointmentID", update.AppointmentID, "status", update.Status)
	}
}
