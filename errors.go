package xstream

import (
	"errors"
	"fmt"
)

var (
	ErrConnectorClosed             = errors.New("xstream: connector is closed")
	ErrChannelClosed               = errors.New("xstream: channel is closed")
	ErrNoBrokerConfigured          = errors.New("xstream: no broker configured")
	ErrInvalidPayload              = errors.New("xstream: payload must not be nil")
	ErrAlreadySettled              = errors.New("xstream: delivery already settled")
	ErrRetriesExhausted            = errors.New("xstream: delivery retries exhausted")
	ErrHandlerPanic                = errors.New("xstream: handler panic")
	ErrObserverPoolShutdownTimeout = errors.New("xstream: observer pool shutdown timeout")
)

type ErrUnknownBroker struct{ name string }

func (e ErrUnknownBroker) Error() string { return fmt.Sprintf("unknown broker: %s", e.name) }

// DecodeError reports a stream entry that could not be turned into a Message.
// The entry is nacked (retryable), never acknowledged silently.
type DecodeError struct {
	EntryID string
	Field   string
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("xstream: decode entry %s: %s (field %q)", e.EntryID, e.Reason, e.Field)
}

// ProcessingError wraps a failure returned (or panicked) by application logic.
type ProcessingError struct {
	EntryID string
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("xstream: processing entry %s: %v", e.EntryID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// TransportError wraps a broker call that failed after its retry budget was spent.
// It never consumes a message retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("xstream: broker %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConfigError reports an invalid channel configuration. A channel with a ConfigError never starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("xstream: config: %s %s", e.Field, e.Reason)
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
