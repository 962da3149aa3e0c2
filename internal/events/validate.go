package events

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// forbiddenProperties are rejected anywhere in an inbound message before type
// lookup, blocking prototype-pollution payloads aimed at browser clients.
var forbiddenProperties = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// ValidationResult reports the outcome of validating a message.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func invalid(errs ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: errs}
}

// Validate checks a raw inbound message against the envelope contract and the
// per-type field metadata. The forbidden-property check runs before type
// lookup so a hostile type name never reaches the registry.
func Validate(raw map[string]interface{}) ValidationResult {
	if raw == nil {
		return invalid("Message is empty")
	}
	if err := checkForbidden(raw, 0); err != nil {
		return invalid(err.Error())
	}

	typeVal, ok := raw["type"]
	if !ok {
		return invalid("Message missing type field")
	}
	eventType, ok := typeVal.(string)
	if !ok || eventType == "" {
		return invalid("Message type must be a non-empty string")
	}
	spec, ok := registry[eventType]
	if !ok {
		return invalid(fmt.Sprintf("Unknown event type %q", eventType))
	}

	dataVal, hasData := raw["data"]
	if !hasData || dataVal == nil {
		if spec.Control {
			return ValidationResult{Valid: true}
		}
		return invalid("Message missing data field")
	}
	data, ok := dataVal.(map[string]interface{})
	if !ok {
		return invalid("Message data must be an object")
	}

	var errs []string
	for name, field := range spec.Fields {
		value, present := data[name]
		if !present {
			if !field.Optional {
				errs = append(errs, fmt.Sprintf("Missing required field %q", name))
			}
			continue
		}
		if !matchesType(value, field.Type) {
			errs = append(errs, fmt.Sprintf("Field %q must be of type %s", name, field.Type))
		}
	}
	if len(errs) > 0 {
		return ValidationResult{Valid: false, Errors: errs}
	}
	return ValidationResult{Valid: true}
}

// Normalize validates a raw inbound message, sanitizes its strings, and fills
// in any missing envelope fields. Returns nil for invalid messages.
func Normalize(raw map[string]interface{}) *Envelope {
	result := Validate(raw)
	if !result.Valid {
		return nil
	}

	env := &Envelope{Type: raw["type"].(string)}
	if data, ok := raw["data"].(map[string]interface{}); ok {
		env.Data = sanitizeMap(data)
	}
	if ts, ok := numberValue(raw["timestamp"]); ok {
		env.Timestamp = int64(ts)
	} else {
		env.Timestamp = time.Now().UnixMilli()
	}
	if id, ok := raw["id"].(string); ok && id != "" {
		env.ID = SanitizeString(id)
	} else {
		env.ID = uuid.NewString()
	}
	if source, ok := raw["source"].(string); ok {
		env.Source = SanitizeString(source)
	}
	if cid, ok := raw["correlationId"].(string); ok {
		env.CorrelationID = SanitizeString(cid)
	}
	return env
}

const maxNestingDepth = 16

// checkForbidden walks the message looking for prototype-pollution property
// names at any depth.
func checkForbidden(value interface{}, depth int) error {
	if depth > maxNestingDepth {
		return fmt.Errorf("message nesting exceeds %d levels", maxNestingDepth)
	}
	switch v := value.(type) {
	case map[string]interface{}:
		for key, nested := range v {
			if forbiddenProperties[key] {
				return fmt.Errorf("message contains forbidden property %q", key)
			}
			if err := checkForbidden(nested, depth+1); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, item := range v {
			if err := checkForbidden(item, depth+1); err != nil {
				return err
			}
		}
	case string:
		if forbiddenProperties[v] {
			return fmt.Errorf("message contains forbidden property %q", v)
		}
	}
	return nil
}

func matchesType(value interface{}, ft FieldType) bool {
	switch ft {
	case FieldString:
		_, ok := value.(string)
		return ok
	case FieldNumber:
		_, ok := numberValue(value)
		return ok
	case FieldBoolean:
		_, ok := value.(bool)
		return ok
	case FieldObject:
		_, ok := value.(map[string]interface{})
		return ok
	case FieldArray:
		_, ok := value.([]interface{})
		return ok
	}
	return false
}

// numberValue accepts the numeric types JSON decoding and internal callers
// produce.
func numberValue(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

var (
	scriptTagPattern = regexp.MustCompile(`(?is)<\s*script\b.*?(?:<\s*/\s*script\s*>|$)`)
	iframeTagPattern = regexp.MustCompile(`(?is)<\s*iframe\b.*?(?:<\s*/\s*iframe\s*>|$)`)
	jsURLPattern     = regexp.MustCompile(`(?i)javascript\s*:`)
	eventAttrPattern = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
)

// SanitizeString strips script/iframe tags, javascript: URLs, and inline
// event handler attributes from a string before it can be echoed to clients.
func SanitizeString(s string) string {
	s = scriptTagPattern.ReplaceAllString(s, "")
	s = iframeTagPattern.ReplaceAllString(s, "")
	s = jsURLPattern.ReplaceAllString(s, "")
	s = eventAttrPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// sanitizeMap returns a copy of data with every string value sanitized,
// recursing into nested objects and arrays.
func sanitizeMap(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		out[key] = sanitizeValue(value)
	}
	return out
}

func sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return SanitizeString(v)
	case map[string]interface{}:
		return sanitizeMap(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return value
	}
}

// validateEnvelope checks an internally-built envelope against its spec.
func validateEnvelope(env *Envelope, spec eventSpec) ValidationResult {
	if !spec.Control && env.Data == nil {
		return invalid("Message missing data field")
	}
	var errs []string
	for name, field := range spec.Fields {
		value, present := env.Data[name]
		if !present {
			if !field.Optional {
				errs = append(errs, fmt.Sprintf("Missing required field %q", name))
			}
			continue
		}
		if !matchesType(value, field.Type) {
			errs = append(errs, fmt.Sprintf("Field %q must be of type %s", name, field.Type))
		}
	}
	if len(errs) > 0 {
		return ValidationResult{Valid: false, Errors: errs}
	}
	return ValidationResult{Valid: true}
}
