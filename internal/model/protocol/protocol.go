package protocol

import (
	"encoding/json"
	"fmt"
)

// Event names carried on the realtime channel.
const (
	EventGetStims    = "getStims"
	EventStims       = "stims"
	EventCurrentData = "currentData"
	EventHello       = "helloEvent"
	EventError       = "error"
)

// Frame is a single named message on the realtime channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes data as the payload of a named event.
func NewFrame(event string, data any) (Frame, error) {
	if data == nil {
		return Frame{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: raw}, nil
}

// GetStims asks the gateway to open a session and assign a trial set.
type GetStims struct {
	ProjName string `json:"proj_name"`
	ExpName  string `json:"exp_name"`
	IterName string `json:"iter_name"`
}

// Stims answers GetStims with the generated session id and the trial set.
type Stims struct {
	GameID  string            `json:"gameid"`
	InputID string            `json:"inputid"`
	Stims   []json.RawMessage `json:"stims"`
}

// ErrorPayload reports a protocol-level problem back to the sender.
type ErrorPayload struct {
	Message string `json:"message"`
}
