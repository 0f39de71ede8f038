package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// jsonDuration reads either a Go duration string ("10s") or integer
// nanoseconds. YAML needs no help: yaml.v3 already parses duration strings.
type jsonDuration time.Duration

func (d *jsonDuration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = jsonDuration(parsed)
	case float64:
		*d = jsonDuration(time.Duration(x))
	case nil:
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

func (d *DetectionConfig) UnmarshalJSON(data []byte) error {
	type plain DetectionConfig
	aux := struct {
		*plain
		Window      *jsonDuration `json:"window"`
		BurstWindow *jsonDuration `json:"burstWindow"`
		ScanWindow  *jsonDuration `json:"scanWindow"`
	}{
		plain:       (*plain)(d),
		Window:      (*jsonDuration)(&d.Window),
		BurstWindow: (*jsonDuration)(&d.BurstWindow),
		ScanWindow:  (*jsonDuration)(&d.ScanWindow),
	}
	return json.Unmarshal(data, &aux)
}

func (d DetectionConfig) MarshalJSON() ([]byte, error) {
	type plain DetectionConfig
	return json.Marshal(struct {
		plain
		Window      string `json:"window"`
		BurstWindow string `json:"burstWindow"`
		ScanWindow  string `json:"scanWindow"`
	}{plain(d), d.Window.String(), d.BurstWindow.String(), d.ScanWindow.String()})
}

func (c *CountersConfig) UnmarshalJSON(data []byte) error {
	type plain CountersConfig
	aux := struct {
		*plain
		ReapInterval *jsonDuration `json:"reap_interval"`
	}{plain: (*plain)(c), ReapInterval: (*jsonDuration)(&c.ReapInterval)}
	return json.Unmarshal(data, &aux)
}

func (c CountersConfig) MarshalJSON() ([]byte, error) {
	type plain CountersConfig
	return json.Marshal(struct {
		plain
		ReapInterval string `json:"reap_interval"`
	}{plain(c), c.ReapInterval.String()})
}

func (e *EventsConfig) UnmarshalJSON(data []byte) error {
	type plain EventsConfig
	aux := struct {
		*plain
		PublishTimeout *jsonDuration `json:"publish_timeout"`
	}{plain: (*plain)(e), PublishTimeout: (*jsonDuration)(&e.PublishTimeout)}
	return json.Unmarshal(data, &aux)
}

func (e EventsConfig) MarshalJSON() ([]byte, error) {
	type plain EventsConfig
	return json.Marshal(struct {
		plain
		PublishTimeout string `json:"publish_timeout"`
	}{plain(e), e.PublishTimeout.String()})
}
