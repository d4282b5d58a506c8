// Package wire defines the JSON frames exchanged with the orchestration server.
//
// Every frame, in both directions, is a UTF-8 text message shaped as
// {"event": <string>, "data": <any JSON>}.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedEnvelope is returned when a frame is not a valid envelope.
	ErrMalformedEnvelope = errors.New("wire: malformed envelope")
	// ErrInvalidPayload is returned when an envelope's data does not match the
	// schema of its event.
	ErrInvalidPayload = errors.New("wire: invalid payload")
)

// Envelope is the unit of wire transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode marshals payload into an envelope tagged with event.
func Encode(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, fmt.Errorf("%w: empty event", ErrMalformedEnvelope)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode parses raw into an Envelope. Both the event and data keys must be
// present and event must be a JSON string; data may hold any JSON value,
// including null.
func Decode(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}

	rawEvent, ok := fields["event"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedEnvelope)
	}
	var event string
	if err := json.Unmarshal(rawEvent, &event); err != nil || isNull(rawEvent) {
		return Envelope{}, fmt.Errorf("%w: event is not a string", ErrMalformedEnvelope)
	}

	data, ok := fields["data"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}
	return Envelope{Event: event, Data: data}, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Event, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
