package protocol

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Encode marshals one wire frame. payload may be nil for bare opcodes such
// as LEAVE and KEEPALIVE, or a json.RawMessage to pass bytes through
// untouched.
func Encode(opcode string, payload any, listener string) ([]byte, error) {
	env := Envelope{Opcode: opcode, Listener: listener}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", opcode, err)
		}
		env.Payload = raw
	}
	b, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", opcode, err)
	}
	return b, nil
}

// Decode parses and validates one wire frame. Frames that are not JSON or
// carry no opcode are errors; callers drop them without replying.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return &env, nil
}

// DecodePayload unmarshals an envelope payload into T and validates it.
func DecodePayload[T any](env *Envelope) (T, error) {
	var p T
	if len(env.Payload) == 0 {
		return p, fmt.Errorf("%s: empty payload", env.Opcode)
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, fmt.Errorf("%s payload: %w", env.Opcode, err)
	}
	if err := validate.Struct(&p); err != nil {
		return p, fmt.Errorf("%s payload: %w", env.Opcode, err)
	}
	return p, nil
}
