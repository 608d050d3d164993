package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	fieldEvent   = "event"
	fieldPayload = "payload"
)

// ErrMissingEvent is returned when a decoded envelope has no event name.
var ErrMissingEvent = errors.New("frame has no event")

// Frame is a single event on the wire: an event name plus a JSON object payload.
type Frame struct {
	Event   Event
	Payload json.RawMessage
}

// NewFrame builds a frame, marshaling payload to JSON. A nil payload yields an empty object.
func NewFrame(event Event, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event, Payload: json.RawMessage("{}")}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Frame{Event: event, Payload: data}, nil
}

// Encode encodes the frame as a protobuf Struct envelope.
func (f Frame) Encode() ([]byte, error) {
	payload := &structpb.Struct{}
	if len(f.Payload) > 0 {
		if err := protojson.Unmarshal(f.Payload, payload); err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", f.Event, err)
		}
	}
	env := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			fieldEvent:   structpb.NewStringValue(string(f.Event)),
			fieldPayload: structpb.NewStructValue(payload),
		},
	}
	data, err := proto.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// Decode decodes a protobuf Struct envelope into the frame.
func (f *Frame) Decode(data []byte) error {
	env := &structpb.Struct{}
	if err := proto.Unmarshal(data, env); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	ev, ok := env.GetFields()[fieldEvent]
	if !ok || ev.GetStringValue() == "" {
		return ErrMissingEvent
	}
	f.Event = Event(ev.GetStringValue())
	f.Payload = json.RawMessage("{}")

	if payload := env.GetFields()[fieldPayload].GetStructValue(); payload != nil {
		raw, err := protojson.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", f.Event, err)
		}
		f.Payload = raw
	}
	return nil
}

// Unmarshal decodes the payload into v.
func (f Frame) Unmarshal(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", f.Event, err)
	}
	return nil
}

// Marshal is a shorthand for NewFrame followed by Encode.
func Marshal(event Event, payload any) ([]byte, error) {
	f, err := NewFrame(event, payload)
	if err != nil {
		return nil, err
	}
	return f.Encode()
}
