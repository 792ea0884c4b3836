// Package event defines the named events exchanged between the relay, the
// upstream vision backend and the viewers, and their JSON framing.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names. These are the wire contract and must not change.
const (
	Frame        = "frame"
	ObjectCounts = "object_counts"
	Control      = "control"
)

// ErrMalformedFrame is returned when a frame event carries no string frame field.
var ErrMalformedFrame = errors.New("frame payload has no string \"frame\" field")

// Envelope is one named event on the socket: {"event": name, "data": payload}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// FrameEvent carries an already-encoded image. The relay never looks inside it.
type FrameEvent struct {
	Frame string
}

// Size reports the payload length in bytes, for observability only.
func (e FrameEvent) Size() int {
	return len(e.Frame)
}

// ObjectCountEvent is the upstream's per-label detection record, kept verbatim.
type ObjectCountEvent json.RawMessage

// ControlCommand is a viewer steering instruction, kept verbatim.
type ControlCommand json.RawMessage

// upstreamFrame is the shape of the upstream frame event data.
type upstreamFrame struct {
	Frame *string `json:"frame"`
}

// DecodeFrame extracts the inner frame string from upstream frame data.
func DecodeFrame(data json.RawMessage) (FrameEvent, error) {
	var f upstreamFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return FrameEvent{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Frame == nil {
		return FrameEvent{}, ErrMalformedFrame
	}
	return FrameEvent{Frame: *f.Frame}, nil
}

// Encode marshals an envelope whose data is already JSON.
func Encode(name string, data json.RawMessage) ([]byte, error) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(Envelope{Event: name, Data: data})
}

// EncodeFrame builds the viewer-facing frame event, whose data is the bare
// frame string rather than the upstream {"frame": ...} wrapper.
func EncodeFrame(evt FrameEvent) ([]byte, error) {
	s, err := json.Marshal(evt.Frame)
	if err != nil {
		return nil, err
	}
	return Encode(Frame, s)
}

// Decode parses one envelope.
func Decode(msg []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, errors.New("decode envelope: missing event name")
	}
	return env, nil
}
