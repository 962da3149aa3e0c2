// Package messaging defines the pluggable reminder delivery abstraction and
// its WhatsApp and Twilio SMS implementations.
//
// A Service sends reminder messages and reports delivery progress as a stream
// of status updates keyed by appointment. Carrier receipts arriving after the
// send are matched back to the appointment through the carrier message id.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/MapleDental/RelayCore/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer for the status update channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel emits.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by SendMessage after Stop.
var ErrServiceStopped = errors.New("messaging service is stopped")

// Service defines a pluggable reminder delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Each service applies its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a reminder for an appointment. A successful carrier
	// accept emits a server-ack status update; a failure emits an error-ack
	// update and returns the error.
	SendMessage(ctx context.Context, appointmentID int64, to string, body string) error

	// Start begins any background processing (e.g., receipt event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// StatusUpdates returns the stream of delivery status transitions.
	StatusUpdates() <-chan models.StatusUpdate
}

var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// canonicalizePhone strips all non-numeric characters and requires at least
// six digits, the shared recipient rule for phone-based carriers.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := nonDigitRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short (minimum 6 digits required)")
	}
	return canonical, nil
}
