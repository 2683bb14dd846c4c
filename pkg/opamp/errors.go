package opamp

import "fmt"

// WireFormatError reports a malformed inbound frame. It is fatal to
// the session that received it and is never persisted.
type WireFormatError struct {
	Reason string
}

func (e *WireFormatError) Error() string {
	return "wire format error: " + e.Reason
}

func wireErrorf(format string, args ...any) error {
	return &WireFormatError{Reason: fmt.Sprintf(format, args...)}
}
