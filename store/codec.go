package store

import (
	"encoding/json"
	"fmt"

	"github.com/DoNewsCode/core/contract"
	"github.com/pkg/errors"
)

var _ contract.Codec = JSONCodec{}

// JSONCodec serializes records as JSON, so they survive the string-only
// primitives of the store and stay readable from redis-cli.
type JSONCodec struct{}

// Marshal serializes the message to bytes
func (JSONCodec) Marshal(message interface{}) ([]byte, error) {
	return json.Marshal(message)
}

// Unmarshal reverses the bytes to message
func (JSONCodec) Unmarshal(data []byte, message interface{}) error {
	return json.Unmarshal(data, message)
}

// DecodeError is the value produced when a stored record cannot be decoded.
// It carries the raw record so that callers scanning many records can report
// the offending one and move on.
type DecodeError struct {
	Err error
	Raw string
}

func (e *DecodeError) Error() string {
	raw := e.Raw
	if len(raw) > 64 {
		raw = raw[:64] + "..."
	}
	return fmt.Sprintf("store: malformed record %q: %s", raw, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes v into a string record.
func Encode(v interface{}) (string, error) {
	b, err := JSONCodec{}.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "store: encode record")
	}
	return string(b), nil
}

// Decode parses a string record into v. Any failure is reported as a
// *DecodeError.
func Decode(raw string, v interface{}) error {
	if err := (JSONCodec{}).Unmarshal([]byte(raw), v); err != nil {
		return &DecodeError{Err: err, Raw: raw}
	}
	return nil
}

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
