package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type EventType int

const (
	EventUnknown              EventType = 0
	EventSQLInjection         EventType = 1
	EventXSS                  EventType = 2
	EventRateLimiting         EventType = 10
	EventTooManyRequestsBurst EventType = 11
	EventSuspiciousScan       EventType = 12
	EventBotDetected          EventType = 13
	EventWafRuleTriggered     EventType = 20
	EventFirewallBlock        EventType = 21
)

var eventTypeNames = map[EventType]string{
	EventUnknown:              "Unknown",
	EventSQLInjection:         "SQLInjection",
	EventXSS:                  "XSS",
	EventRateLimiting:         "RateLimiting",
	EventTooManyRequestsBurst: "TooManyRequestsBurst",
	EventSuspiciousScan:       "SuspiciousScan",
	EventBotDetected:          "BotDetected",
	EventWafRuleTriggered:     "WafRuleTriggered",
	EventFirewallBlock:        "FirewallBlock",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "EventType(" + strconv.Itoa(int(t)) + ")"
}

func (t EventType) Valid() bool {
	_, ok := eventTypeNames[t]
	return ok
}

func (t *EventType) UnmarshalJSON(data []byte) error {
	v, err := parseEnum(data, "EventType", func(name string) (int, bool) {
		for k, n := range eventTypeNames {
			if strings.EqualFold(n, name) {
				return int(k), true
			}
		}
		return 0, false
	})
	if err != nil {
		return err
	}
	*t = EventType(v)
	return nil
}

type Severity int

const (
	SeverityInfo    Severity = 0
	SeverityWarning Severity = 1
	SeverityError   Severity = 2
	SeverityAttack  Severity = 3
)

var severityNames = [...]string{"Info", "Warning", "Error", "Attack"}

func (s Severity) String() string {
	if s.Valid() {
		return severityNames[s]
	}
	return "Severity(" + strconv.Itoa(int(s)) + ")"
}

func (s Severity) Valid() bool {
	return s >= SeverityInfo && s <= SeverityAttack
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	v, err := parseEnum(data, "Severity", func(name string) (int, bool) {
		for i, n := range severityNames {
			if strings.EqualFold(n, name) {
				return i, true
			}
		}
		return 0, false
	})
	if err != nil {
		return err
	}
	*s = Severity(v)
	return nil
}

// parseEnum accepts a JSON number, a numeric string or an enum name.
func parseEnum(data []byte, field string, byName func(string) (int, bool)) (int, error) {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("invalid %s: %s", field, string(data))
	}
	s = strings.TrimSpace(s)
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	if v, ok := byName(s); ok {
		return v, nil
	}
	return 0, fmt.Errorf("invalid %s: %q", field, s)
}

// SecurityEvent is the single outbound artifact. Field names are part of the
// wire contract with the persistence worker and must not change.
type SecurityEvent struct {
	ServiceName string          `json:"ServiceName"`
	IP          string          `json:"Ip"`
	EventType   EventType       `json:"EventType"`
	Severity    Severity        `json:"Severity"`
	Description string          `json:"Description"`
	OccurredAt  time.Time       `json:"OccurredAt"`
	RequestID   string          `json:"RequestId,omitempty"`
	Method      string          `json:"Method,omitempty"`
	Path        string          `json:"Path,omitempty"`
	StatusCode  int             `json:"StatusCode,omitempty"`
	UserAgent   string          `json:"UserAgent,omitempty"`
	Request     json.RawMessage `json:"Request,omitempty"`
}

// RequestContext is the snapshot stored in SecurityEvent.Request.
type RequestContext struct {
	URL       string         `json:"url"`
	Method    string         `json:"method"`
	Path      string         `json:"path"`
	Query     string         `json:"query"`
	UserAgent string         `json:"userAgent"`
	Extra     map[string]any `json:"extra,omitempty"`
}

func (e SecurityEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// RequestContext decodes the Request snapshot. ok is false when the event
// carries none or it is not an object.
func (e SecurityEvent) RequestContext() (RequestContext, bool) {
	var rc RequestContext
	if len(e.Request) == 0 {
		return rc, false
	}
	if err := json.Unmarshal(e.Request, &rc); err != nil {
		return rc, false
	}
	return rc, true
}
