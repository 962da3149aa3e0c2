// Package events defines the typed, validated pub/sub contract used to push
// state changes to connected live clients.
//
// Every broadcast travels in a standard envelope {type, data, timestamp, id}.
// The type vocabulary is closed and grouped by category; the data shape per
// type is declared in a metadata table and enforced at the boundary before
// anything reaches other clients. Live delivery is fire-and-forget: anything
// that must survive a disconnected client belongs in the database, not here.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category groups event types by the kind of subscriber interested in them.
type Category string

const (
	CategoryConnection   Category = "connection"
	CategoryAppointments Category = "appointments"
	CategoryPatient      Category = "patient"
	CategoryMessaging    Category = "messaging"
	CategorySystem       Category = "system"
)

// Event type vocabulary. Closed: unknown types are rejected, never passed
// through.
const (
	EventPing                  = "ping"
	EventPong                  = "pong"
	EventHeartbeat             = "heartbeat"
	EventAck                   = "ack"
	EventConnectionEstablished = "connection_established"

	EventAppointmentCreated = "appointment_created"
	EventAppointmentUpdated = "appointment_updated"
	EventAppointmentDeleted = "appointment_deleted"
	EventDataUpdated        = "data_updated"

	EventPatientUpdated = "patient_updated"

	EventWhatsAppStatus      = "whatsapp_message_status"
	EventWhatsAppBatchStatus = "whatsapp_message_batch_status"

	EventSystemError     = "system_error"
	EventSyncQueueStatus = "sync_queue_status"
)

// FieldType is the primitive type a data field must carry.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

// FieldSpec declares one data field of an event type.
type FieldSpec struct {
	Type     FieldType
	Optional bool
}

// eventSpec is the registry entry for one event type.
type eventSpec struct {
	Category Category
	// Control messages carry no payload and are exempt from the data
	// requirement.
	Control bool
	Fields  map[string]FieldSpec
}

var registry = map[string]eventSpec{
	EventPing:      {Category: CategoryConnection, Control: true},
	EventPong:      {Category: CategoryConnection, Control: true},
	EventHeartbeat: {Category: CategoryConnection, Control: true},
	EventAck:       {Category: CategoryConnection, Control: true},
	EventConnectionEstablished: {Category: CategoryConnection, Fields: map[string]FieldSpec{
		"clientId":   {Type: FieldString},
		"categories": {Type: FieldArray, Optional: true},
	}},

	EventAppointmentCreated: {Category: CategoryAppointments, Fields: map[string]FieldSpec{
		"appointmentId": {Type: FieldNumber},
		"date":          {Type: FieldString},
		"patientName":   {Type: FieldString, Optional: true},
	}},
	EventAppointmentUpdated: {Category: CategoryAppointments, Fields: map[string]FieldSpec{
		"appointmentId": {Type: FieldNumber},
		"date":          {Type: FieldString, Optional: true},
		"changes":       {Type: FieldObject, Optional: true},
	}},
	EventAppointmentDeleted: {Category: CategoryAppointments, Fields: map[string]FieldSpec{
		"appointmentId": {Type: FieldNumber},
	}},
	EventDataUpdated: {Category: CategoryAppointments, Fields: map[string]FieldSpec{
		"table":   {Type: FieldString},
		"date":    {Type: FieldString, Optional: true},
		"summary": {Type: FieldObject, Optional: true},
	}},

	EventPatientUpdated: {Category: CategoryPatient, Fields: map[string]FieldSpec{
		"patientId": {Type: FieldString},
		"changes":   {Type: FieldObject, Optional: true},
	}},

	EventWhatsAppStatus: {Category: CategoryMessaging, Fields: map[string]FieldSpec{
		"appointmentId": {Type: FieldNumber},
		"status":        {Type: FieldString},
		"ack":           {Type: FieldNumber, Optional: true},
		"messageId":     {Type: FieldString, Optional: true},
		"date":          {Type: FieldString, Optional: true},
	}},
	EventWhatsAppBatchStatus: {Category: CategoryMessaging, Fields: map[string]FieldSpec{
		"updates": {Type: FieldArray},
		"date":    {Type: FieldString},
	}},

	EventSystemError: {Category: CategorySystem, Fields: map[string]FieldSpec{
		"message": {Type: FieldString},
		"source":  {Type: FieldString, Optional: true},
	}},
	EventSyncQueueStatus: {Category: CategorySystem, Fields: map[string]FieldSpec{
		"pending": {Type: FieldNumber},
		"synced":  {Type: FieldNumber},
		"failed":  {Type: FieldNumber},
	}},
}

// Envelope is the standard wrapper for every broadcast event.
type Envelope struct {
	Type          string                 `json:"type"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Timestamp     int64                  `json:"timestamp"` // unix milliseconds
	ID            string                 `json:"id"`
	Source        string                 `json:"source,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

// Metadata carries optional envelope fields for CreateMessage.
type Metadata struct {
	Source        string
	CorrelationID string
}

// IsValidEvent reports whether eventType belongs to the registry.
func IsValidEvent(eventType string) bool {
	_, ok := registry[eventType]
	return ok
}

// EventCategory returns the category of a registered event type.
func EventCategory(eventType string) (Category, bool) {
	spec, ok := registry[eventType]
	if !ok {
		return "", false
	}
	return spec.Category, true
}

// CreateMessage builds a validated envelope for an outbound event. Unknown
// types and malformed data are rejected with an explicit error.
func CreateMessage(eventType string, data map[string]interface{}, meta *Metadata) (*Envelope, error) {
	spec, ok := registry[eventType]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if !spec.Control && data == nil {
		return nil, fmt.Errorf("event type %q requires data", eventType)
	}

	env := &Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.NewString(),
	}
	if meta != nil {
		env.Source = meta.Source
		env.CorrelationID = meta.CorrelationID
	}

	if result := validateEnvelope(env, spec); !result.Valid {
		return nil, fmt.Errorf("invalid %q event: %v", eventType, result.Errors)
	}
	return env, nil
}
