package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
)

// Envelope is the JSON frame exchanged on the wire. ID is set when the
// sender expects an acknowledgement, AckID when the frame is one.
type Envelope struct {
	Event string            `json:"event,omitempty"`
	ID    string            `json:"id,omitempty"`
	AckID string            `json:"ack,omitempty"`
	Args  []json.RawMessage `json:"args,omitempty"`
}

// Message is an inbound event or acknowledgement
type Message struct {
	Event string
	Args  []json.RawMessage

	ack   func(args ...interface{}) error
	acked *atomic.Bool
}

// NewMessage builds a message from already encoded arguments. ack may be
// nil when the sender did not ask for an acknowledgement.
func NewMessage(event string, ack func(args ...interface{}) error, args ...interface{}) (Message, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, Args: raw, ack: ack, acked: &atomic.Bool{}}, nil
}

// Decode unmarshals argument i into v
func (m Message) Decode(i int, v interface{}) error {
	if i < 0 || i >= len(m.Args) {
		return fmt.Errorf("%s: missing argument %d", m.Event, i)
	}
	if err := json.Unmarshal(m.Args[i], v); err != nil {
		return fmt.Errorf("%s: invalid argument %d: %w", m.Event, i, err)
	}
	return nil
}

// String decodes argument i as a string, empty when absent
func (m Message) String(i int) string {
	var s string
	_ = m.Decode(i, &s)
	return s
}

// Err decodes argument i following the error-first convention: a missing
// argument or null is no error, a string or an object with a message field
// is an error carrying that text.
func (m Message) Err(i int) error {
	if i < 0 || i >= len(m.Args) {
		return nil
	}
	raw := m.Args[i]
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return errors.New(text)
	}

	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		switch {
		case obj.Message != "":
			return errors.New(obj.Message)
		case obj.Error != "":
			return errors.New(obj.Error)
		}
	}
	return errors.New(string(raw))
}

// WantsAck reports whether the sender is waiting for an acknowledgement
func (m Message) WantsAck() bool {
	return m.ack != nil
}

// Ack answers the sender. Only the first call is delivered.
func (m Message) Ack(args ...interface{}) error {
	if m.ack == nil {
		return nil
	}
	if m.acked != nil && !m.acked.CompareAndSwap(false, true) {
		return ErrAlreadyAcked
	}
	return m.ack(args...)
}

func encodeArgs(args []interface{}) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		if err, ok := arg.(error); ok {
			arg = err.Error()
		}
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}
