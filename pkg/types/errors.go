package types

import "fmt"

// ErrorKind is the closed set of failure categories a broker operation can
// produce. The execution path switches on kind, never on error strings.
type ErrorKind string

const (
	// ErrTokenExpired means the access token aged out; recoverable via refresh.
	ErrTokenExpired ErrorKind = "token_expired"
	// ErrTokenInvalid means the refresh grant itself was rejected; the
	// account needs the user to reauthorize.
	ErrTokenInvalid ErrorKind = "token_invalid"
	// ErrBrokerRejected means the broker explicitly rejected the order.
	// Never retried.
	ErrBrokerRejected ErrorKind = "broker_rejected"
	// ErrBrokerTimeout means the request may or may not have reached the
	// broker. Treated as a rejection: retrying risks duplicate fills.
	ErrBrokerTimeout ErrorKind = "broker_timeout"
	// ErrTransportUnreachable means the request provably never left this
	// host (DNS failure, connection refused). Safe to retry inside the
	// adapter only.
	ErrTransportUnreachable ErrorKind = "transport_unreachable"
	// ErrInvariantViolation flags an internal logic bug. The signal is
	// dropped, the service continues, and an operator counter increments.
	ErrInvariantViolation ErrorKind = "invariant_violation"
)

// BrokerError is the structured error returned by every adapter operation.
type BrokerError struct {
	Kind    ErrorKind
	Op      string // adapter operation, e.g. "place_order"
	Message string
	Err     error // underlying transport error, if any
}

func (e *BrokerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// NewBrokerError builds a BrokerError for an operation.
func NewBrokerError(kind ErrorKind, op, message string, err error) *BrokerError {
	return &BrokerError{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from an error, defaulting to
// transport_unreachable for untyped errors.
func KindOf(err error) ErrorKind {
	if be, ok := err.(*BrokerError); ok {
		return be.Kind
	}
	return ErrTransportUnreachable
}
