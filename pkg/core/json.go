// Package core holds the small shared pieces of the runtime: the Logger
// abstraction and the JSON codec used for persistent-context blobs.
package core

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Error is a coded error used by the core helpers.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// JSONEncode encodes a value to JSON bytes using Sonic.
// Sonic is used instead of encoding/json because the persistent-context
// blob is serialized on every save of an offline or final machine.
func JSONEncode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, &Error{Code: "INVALID_INPUT", Message: "cannot encode nil value"}
	}

	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}

	return data, nil
}

// JSONDecode decodes JSON bytes into a value using Sonic.
func JSONDecode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return &Error{Code: "INVALID_INPUT", Message: "cannot decode empty data"}
	}
	if v == nil {
		return &Error{Code: "INVALID_INPUT", Message: "cannot decode into nil value"}
	}

	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode failed: %w", err)
	}
	return nil
}
