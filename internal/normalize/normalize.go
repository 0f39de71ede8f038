package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"reqguard/internal/model"
)

// eventFields mirrors model.SecurityEvent with the loosely typed fields left
// raw. encoding/json matches keys case-insensitively, so both the PascalCase
// producer shape and camelCase variants land here.
type eventFields struct {
	ServiceName string           `json:"ServiceName"`
	IP          string           `json:"Ip"`
	EventType   *model.EventType `json:"EventType"`
	Severity    *model.Severity  `json:"Severity"`
	Description string           `json:"Description"`
	OccurredAt  json.RawMessage  `json:"OccurredAt"`
	RequestID   string           `json:"RequestId"`
	Method      string           `json:"Method"`
	Path        string           `json:"Path"`
	StatusCode  json.RawMessage  `json:"StatusCode"`
	UserAgent   string           `json:"UserAgent"`
	Request     json.RawMessage  `json:"Request"`
}

// Event decodes a published event, tolerating the variations older
// producers emit, and validates the required fields.
func Event(data []byte) (model.SecurityEvent, error) {
	var f eventFields
	if err := json.Unmarshal(data, &f); err != nil {
		return model.SecurityEvent{}, fmt.Errorf("decode event: %w", err)
	}
	if strings.TrimSpace(f.ServiceName) == "" {
		return model.SecurityEvent{}, errors.New("missing field: ServiceName")
	}
	if strings.TrimSpace(f.IP) == "" {
		return model.SecurityEvent{}, errors.New("missing field: Ip")
	}
	if strings.TrimSpace(f.Description) == "" {
		return model.SecurityEvent{}, errors.New("missing field: Description")
	}
	if f.EventType == nil {
		return model.SecurityEvent{}, errors.New("missing field: EventType")
	}
	if f.Severity == nil {
		return model.SecurityEvent{}, errors.New("missing field: Severity")
	}
	if !f.Severity.Valid() {
		return model.SecurityEvent{}, fmt.Errorf("invalid Severity: %d", int(*f.Severity))
	}
	occurred, err := occurredAt(f.OccurredAt)
	if err != nil {
		return model.SecurityEvent{}, err
	}
	return model.SecurityEvent{
		ServiceName: f.ServiceName,
		IP:          f.IP,
		EventType:   *f.EventType,
		Severity:    *f.Severity,
		Description: f.Description,
		OccurredAt:  occurred,
		RequestID:   f.RequestID,
		Method:      f.Method,
		Path:        f.Path,
		StatusCode:  statusCode(f.StatusCode),
		UserAgent:   f.UserAgent,
		Request:     requestContext(f.Request),
	}, nil
}

func occurredAt(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, errors.New("missing field: OccurredAt")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("invalid OccurredAt: %s", string(raw))
	}
	ts, err := ParseTimestamp(s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid OccurredAt: %w", err)
	}
	return ts.UTC(), nil
}

// statusCode returns 0 for anything that is not a number or numeric string.
func statusCode(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return v
		}
	}
	return 0
}

// requestContext keeps objects and arrays as-is, unwraps JSON carried inside
// a string and wraps anything else as {"raw": ...}.
func requestContext(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	switch trimmed[0] {
	case '{', '[':
		return json.RawMessage(trimmed)
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		if json.Valid([]byte(s)) && (s[0] == '{' || s[0] == '[') {
			return json.RawMessage(s)
		}
		wrapped, _ := json.Marshal(map[string]string{"raw": s})
		return wrapped
	default:
		wrapped, _ := json.Marshal(map[string]string{"raw": trimmed})
		return wrapped
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05Z0700",
}

// ParseTimestamp accepts ISO-8601 with or without a zone; zoneless values
// are interpreted in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil && hasZone(layout) {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func hasZone(layout string) bool {
	return strings.Contains(layout, "Z07")
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
