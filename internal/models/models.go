// Package models defines the core data structures for RelayCore.
//
// It includes the delivery ack model, message status records, batch update
// types, and the standard API response shapes shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// AckCode is the numeric delivery-status signal reported by the messaging client.
type AckCode int

const (
	// AckError indicates the delivery attempt failed terminally.
	AckError AckCode = -1
	// AckPending indicates the message is enqueued but not yet accepted by the carrier.
	AckPending AckCode = 0
	// AckServer indicates the carrier accepted the message.
	AckServer AckCode = 1
	// AckDevice indicates the message reached the recipient device.
	AckDevice AckCode = 2
	// AckRead indicates the recipient opened the message.
	AckRead AckCode = 3
	// AckPlayed indicates media content was played (voice/video notes).
	AckPlayed AckCode = 4
)

// String returns the canonical status name for an ack code.
func (a AckCode) String() string {
	switch a {
	case AckError:
		return "error"
	case AckServer:
		return "server"
	case AckDevice:
		return "device"
	case AckRead:
		return "read"
	case AckPlayed:
		return "played"
	default:
		return "pending"
	}
}

// StatusToAck maps a carrier status string to its ack code. The mapping is
// total: unrecognized strings map to AckPending rather than erroring, so a
// delivery record is never lost over a parsing mismatch. Case-insensitive.
func StatusToAck(status string) AckCode {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "ERROR":
		return AckError
	case "SERVER":
		return AckServer
	case "DEVICE":
		return AckDevice
	case "READ":
		return AckRead
	case "PLAYED":
		return AckPlayed
	default:
		return AckPending
	}
}

// MessageStatusRecord is one row per outbound message attempt. At most one
// active record exists per (appointment, date); later carrier callbacks with
// the same external message id update the row in place.
type MessageStatusRecord struct {
	AppointmentID     int64     `json:"appointment_id"`
	MessageDate       string    `json:"message_date"` // YYYY-MM-DD
	RecipientPhone    string    `json:"recipient_phone"`
	RecipientName     string    `json:"recipient_name"`
	Ack               AckCode   `json:"ack"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
	ErrorNote         string    `json:"error_note,omitempty"`
	SentAt            time.Time `json:"sent_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// StatusUpdate is a single entry in a batch status update. Status carries the
// carrier's string form; it is mapped through StatusToAck on persist.
type StatusUpdate struct {
	AppointmentID     int64  `json:"appointmentId"`
	Status            string `json:"status"`
	ExternalMessageID string `json:"messageId,omitempty"`
	ErrorNote         string `json:"error,omitempty"`
	RecipientPhone    string `json:"phone,omitempty"`
	RecipientName     string `json:"name,omitempty"`
}

// Validation error variables shared across the batch and event boundaries.
var (
	ErrEmptyBatch         = errors.New("updates must be a non-empty list")
	ErrMissingAppointment = errors.New("appointmentId is required")
	ErrMissingStatus      = errors.New("status is required")
	ErrInvalidDate        = errors.New("date must be in YYYY-MM-DD format")
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrEmptyBody          = errors.New("message body cannot be empty")
)

// Validate checks a single batch entry. Entries are validated independently so
// one bad entry never aborts the batch.
func (u *StatusUpdate) Validate() error {
	if u.AppointmentID <= 0 {
		return ErrMissingAppointment
	}
	if strings.TrimSpace(u.Status) == "" {
		return ErrMissingStatus
	}
	return nil
}

// BatchUpdateError describes a single rejected entry in a batch update.
type BatchUpdateError struct {
	AppointmentID int64  `json:"appointment_id"`
	Error         string `json:"error"`
}

// BatchUpdateResult reports per-item outcomes of a batch status update.
type BatchUpdateResult struct {
	Updated int                `json:"updated"`
	Failed  int                `json:"failed"`
	Errors  []BatchUpdateError `json:"errors,omitempty"`
}

// ReminderTarget is one "should send" recipient for a date, derived from the
// appointment book. It is the left side of the aggregator join.
type ReminderTarget struct {
	AppointmentID int64  `json:"appointment_id"`
	PatientName   string `json:"patient_name"`
	Phone         string `json:"phone"`
}

// DeliverySummary is the aggregator's count output for a date.
type DeliverySummary struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Server  int `json:"server"`
	Device  int `json:"device"`
	Read    int `json:"read"`
	Played  int `json:"played"`
	Failed  int `json:"failed"`
}

// RecipientDetail is one row of the merged per-recipient view: the known
// status overlaid on the should-send list. Recipients with no known status
// default to pending.
type RecipientDetail struct {
	AppointmentID     int64   `json:"appointment_id"`
	PatientName       string  `json:"patient_name"`
	Phone             string  `json:"phone"`
	Status            string  `json:"status"`
	Ack               AckCode `json:"ack"`
	ExternalMessageID string  `json:"external_message_id,omitempty"`
	ErrorNote         string  `json:"error_note,omitempty"`
}

// ValidDate reports whether a date parameter is in YYYY-MM-DD form.
func ValidDate(date string) bool {
	_, err := time.Parse("2006-01-02", date)
	return err == nil
}

// API Response types for consistent JSON responses

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with the given message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
