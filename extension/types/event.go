package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Lifecycle event names published on the event bus
const (
	EventPluginLoaded      = "plugin.loaded"
	EventPluginLoadFailed  = "plugin.load_failed"
	EventPluginUnloaded    = "plugin.unloaded"
	EventSecurityViolation = "security.violation"
)

// EventData is the envelope every bus subscriber receives
type EventData struct {
	Time      time.Time `json:"time"`
	Source    string    `json:"source"`
	EventType string    `json:"event_type"`
	Data      any       `json:"data"`
}

// EventPayload returns the event payload as a map. It accepts the envelope,
// a bare map, or JSON as a string or bytes.
func EventPayload(data any) (map[string]any, error) {
	switch v := data.(type) {
	case EventData:
		return EventPayload(v.Data)
	case *EventData:
		if v == nil {
			return map[string]any{}, nil
		}
		return EventPayload(v.Data)
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case string:
		return decodePayload([]byte(v))
	case []byte:
		return decodePayload(v)
	}

	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return decodePayload(b)
}

func decodePayload(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return out, nil
}

// PayloadValue returns payload[key] as T, or the zero value when the key is
// missing or holds another type
func PayloadValue[T any](payload map[string]any, key string) T {
	v, _ := payload[key].(T)
	return v
}
