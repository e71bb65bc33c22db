package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrBrokerRequired     = sterrors.New("silverline: broker is required")
	ErrMuxRequired        = sterrors.New("silverline: channel multiplexer is required")
	ErrTopicRequired      = sterrors.New("silverline: topic is required")
	ErrHandlerRequired    = sterrors.New("silverline: handler function is required")
	ErrTopicInUse         = sterrors.New("silverline: topic already has an open channel")
	ErrChannelClosed      = sterrors.New("silverline: channel is closed")
	ErrNotConnected       = sterrors.New("silverline: broker is not connected")
	ErrConnectionLost     = sterrors.New("silverline: broker connection lost")
	ErrMuxClosed          = sterrors.New("silverline: channel multiplexer is closed")
	ErrNoRoute            = sterrors.New("silverline: no channel open for topic")
	ErrAlreadyConnected   = sterrors.New("silverline: broker is already connected")
	ErrConfigRequired     = sterrors.New("silverline: config is required")
	ErrLoggerRequired     = sterrors.New("silverline: logger is required")
	ErrRuntimeIDRequired  = sterrors.New("silverline: runtime id is required")
	ErrModuleIDRequired   = sterrors.New("silverline: module id is required")
	ErrTargetRequired     = sterrors.New("silverline: target runtime is required")
	ErrInvalidUtilization = sterrors.New("silverline: utilization must be within [0, 1]")
	ErrInvalidFileType    = sterrors.New("silverline: file type must be WA or PY")
	ErrInvalidAlpha       = sterrors.New("silverline: concentration parameter must not be negative")
	ErrPriorRequired      = sterrors.New("silverline: prior distribution is required")
	ErrUnknownMode        = sterrors.New("silverline: unknown profiling mode")
	ErrEchoTimeout        = sterrors.New("silverline: echo was not answered in time")
)

// ProtocolError reports a message that violates the wire contract: a payload
// that is not a well-formed envelope, or a delivery on a topic nothing is
// subscribed to. Protocol errors are fatal and never retried.
type ProtocolError struct {
	Topic   string
	Payload []byte
	Err     error
}

// maxPayloadPreview bounds how much of an offending payload is kept in error
// messages and logs.
const maxPayloadPreview = 64

// NewProtocolError captures topic and a truncated copy of payload.
func NewProtocolError(topic string, payload []byte, err error) *ProtocolError {
	return &ProtocolError{
		Topic:   topic,
		Payload: Truncate(payload),
		Err:     err,
	}
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("silverline: protocol error on %q: %v (payload %q)", e.Topic, e.Err, e.Payload)
	}
	return fmt.Sprintf("silverline: protocol error on %q (payload %q)", e.Topic, e.Payload)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Truncate returns at most the first 64 bytes of payload as a fresh slice.
func Truncate(payload []byte) []byte {
	n := len(payload)
	if n > maxPayloadPreview {
		n = maxPayloadPreview
	}
	out := make([]byte, n)
	copy(out, payload[:n])
	return out
}

// RegistrationTimeoutError is returned when the orchestrator did not
// acknowledge a runtime registration within the tick budget.
type RegistrationTimeoutError struct {
	Topic string
	Ticks int
	Tick  time.Duration
}

func (e *RegistrationTimeoutError) Error() string {
	return fmt.Sprintf("silverline: registration on %q not acknowledged after %d ticks of %v", e.Topic, e.Ticks, e.Tick)
}

// UnknownTargetError is returned when an alias does not resolve to any
// runtime or module known to the orchestrator.
type UnknownTargetError struct {
	Kind  string
	Alias string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("silverline: %s not found: %s", e.Kind, e.Alias)
}

// JoinTimeoutError reports a profiling coordinator that never signalled
// completion. It is a warning: the rest of the benchmark report is still
// valid.
type JoinTimeoutError struct {
	Module string
	Idle   time.Duration
}

func (e *JoinTimeoutError) Error() string {
	return fmt.Sprintf("silverline: coordinator for module %s did not complete (no response for %v)", e.Module, e.Idle)
}

// IsProtocolError reports whether err is or wraps a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return sterrors.As(err, &pe)
}

// IsJoinTimeout reports whether err is or wraps a JoinTimeoutError.
func IsJoinTimeout(err error) bool {
	var je *JoinTimeoutError
	return sterrors.As(err, &je)
}
