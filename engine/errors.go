package engine

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration   = errors.New("engine configuration error")
	ErrNotInitialized  = errors.New("engine not initialized")
	ErrShutDown        = errors.New("engine shut down")
	ErrShutdown        = errors.New("engine shutdown failed")
	ErrInterrupted     = errors.New("execution interrupted")
	ErrNamespaceClosed = errors.New("namespace closed")
)

// ConfigError reports an invalid or missing configuration value.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("invalid engine config %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// GuestError is a failure raised by submitted code. It is reported to callers
// as output, not as a Go error crossing the session boundary.
type GuestError struct {
	Type    string // e.g. "ValueError"; may be empty
	Message string
	Trace   []string
}

func (e *GuestError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// Lines formats the error the way it is emitted into the output stream.
func (e *GuestError) Lines() []string {
	lines := make([]string, 0, len(e.Trace)+1)
	lines = append(lines, e.Trace...)
	lines = append(lines, "Error: "+e.Error())
	return lines
}

// AsGuestError unwraps err into a *GuestError when it is one.
func AsGuestError(err error) (*GuestError, bool) {
	var ge *GuestError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
