package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotObject is returned when a line decodes to JSON that is not an object.
var ErrNotObject = errors.New("message is not a JSON object")

// Message is a worker → client message. It is kept as a generic object so
// that fields the bridge does not know about are forwarded untouched.
// Numbers are held as json.Number.
type Message map[string]any

// DecodeMessage parses a single JSON object.
func DecodeMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return Message(obj), nil
}

// Type returns the message type, or "" when absent.
func (m Message) Type() MessageType {
	s, _ := m["type"].(string)
	return MessageType(s)
}

// RequestID returns the correlation id, or the zero RequestID when absent.
func (m Message) RequestID() RequestID {
	id, err := NewRequestID(m["requestId"])
	if err != nil {
		return ""
	}
	return id
}

// Output returns the output payload.
func (m Message) Output() any {
	return m["output"]
}

// SetOutput replaces the output payload.
func (m Message) SetOutput(v any) {
	m["output"] = v
}

// NewResponse builds a terminal success message. A nil output is omitted.
func NewResponse(id RequestID, output any) Message {
	m := Message{"type": string(MessageResponse), "requestId": id}
	if output != nil {
		m["output"] = output
	}
	return m
}

// NewError builds a terminal error message. An empty trace is omitted.
func NewError(id RequestID, message, trace string) Message {
	m := Message{"type": string(MessageError), "requestId": id, "error": message}
	if trace != "" {
		m["stackTrace"] = trace
	}
	return m
}

// NewProgress builds a fractional progress notification.
func NewProgress(id RequestID, percentage float64) Message {
	return Message{
		"type":       string(MessageProgress),
		"requestId":  id,
		"percentage": percentage,
		"continue":   true,
	}
}

// NewProgressState builds an indeterminate progress notification. An empty
// name is omitted.
func NewProgressState(id RequestID, name string) Message {
	m := Message{
		"type":       string(MessageProgressState),
		"requestId":  id,
		"percentage": AnimatedPercentage,
		"animated":   true,
		"continue":   true,
	}
	if name != "" {
		m["name"] = name
	}
	return m
}
