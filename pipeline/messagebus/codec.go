package messagebus

import (
	"fmt"
)

// RawMessage passes through a body that could not be decoded into its
// declared type.
type RawMessage struct {
	Type string
	Body []byte
	Err  error
}

func (m RawMessage) MessageType() string { return m.Type }

// MarshalJSON emits Body unchanged when it is valid JSON, otherwise as a
// JSON string.
func (m RawMessage) MarshalJSON() ([]byte, error) {
	if json.Valid(m.Body) {
		return m.Body, nil
	}

	return json.Marshal(string(m.Body))
}

var decoders = map[string]func([]byte) (Message, error){
	TypeEntityChanged:      decodeAs[EntityChangedEvent],
	TypeEntityChangedBatch: decodeAs[EntityChangedBatchEvent],
	TypeSignalRouted:       decodeAs[SignalRoutedEvent],
	TypeSignalRoutedBatch:  decodeAs[SignalRoutedBatchEvent],
}

func decodeAs[T Message](body []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}

	return msg, nil
}

// Decode returns the typed message carried by env.
func Decode(env *Envelope) (Message, error) {
	if env == nil {
		return nil, ErrEnvelopeRequired
	}

	decode, ok := decoders[env.MessageType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.MessageType)
	}

	msg, err := decode(env.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.MessageType, err)
	}

	return msg, nil
}

// DecodeOrRaw is Decode that never fails: unknown types and malformed bodies
// come back as RawMessage with Err set.
func DecodeOrRaw(env *Envelope) Message {
	if env == nil {
		return RawMessage{Err: ErrEnvelopeRequired}
	}

	msg, err := Decode(env)
	if err != nil {
		return RawMessage{Type: env.MessageType, Body: env.Body, Err: err}
	}

	return msg
}
