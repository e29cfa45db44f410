package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Encode serializes an envelope for the wire. Field order is whatever
// encoding/json produces; peers must not depend on it.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses one inbound frame. It rejects frames that are not a JSON
// record (ErrMalformedEnvelope), carry an absent or unrecognized type
// (ErrUnknownType), or miss a field their type requires
// (ErrMalformedEnvelope).
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	switch env.Type {
	case TypeChatMessage, TypeUserJoined, TypeUserLeft, TypeTyping, TypeFileMessage:
	case "":
		return Envelope{}, fmt.Errorf("%w: type missing", ErrUnknownType)
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := validate.Struct(env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}
