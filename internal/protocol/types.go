// Package protocol defines the JSON text frames exchanged on a trip's
// duplex channel.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Inbound frame types pushed by the server. Frames carry "type" (or
// "update_type" for plain realtime updates) plus message, payload or data.
const (
	TypeWeatherAlert   = "weather_alert"
	TypeVenueClosure   = "venue_closure"
	TypeTransportDelay = "transport_delay"
	TypeHealth         = "health"
	TypeUpdates        = "updates"
	TypeReplanResult   = "replan_result"
)

// Outbound frame types sent by the client.
const (
	TypeGetUpdates    = "get_updates"
	TypeTriggerReplan = "trigger_replan"
	TypeVerifyFacts   = "verify_facts"
)

// ClientFrame is a client-to-server frame: {type, msg_id, timestamp, ...params}.
type ClientFrame struct {
	Type      string
	MsgID     string
	Timestamp int64
	Params    map[string]any
}

// NewClientFrame stamps a frame with a fresh msg_id and the current time.
func NewClientFrame(typ string, params map[string]any) ClientFrame {
	return ClientFrame{
		Type:      typ,
		MsgID:     uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Params:    params,
	}
}

// MarshalJSON flattens Params next to the reserved keys. Reserved keys win.
func (f ClientFrame) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(f.Params)+3)
	for k, v := range f.Params {
		out[k] = v
	}
	out["type"] = f.Type
	out["msg_id"] = f.MsgID
	out["timestamp"] = f.Timestamp
	return json.Marshal(out)
}

func GetUpdates() ClientFrame {
	return NewClientFrame(TypeGetUpdates, nil)
}

func TriggerReplan(eventDetails map[string]any) ClientFrame {
	if eventDetails == nil {
		eventDetails = map[string]any{}
	}
	return NewClientFrame(TypeTriggerReplan, map[string]any{"event_details": eventDetails})
}

func VerifyFacts(claims []string) ClientFrame {
	return NewClientFrame(TypeVerifyFacts, map[string]any{"claims": claims})
}
