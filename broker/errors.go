package broker

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes broker failures.
type ErrorCode string

const (
	// ErrCodeSetupFailed indicates the startup sequence (connection,
	// startup hook, or first transaction) failed. Fatal to the broker.
	ErrCodeSetupFailed ErrorCode = "SETUP_FAILED"

	// ErrCodeTransactionFailed indicates user code or the database
	// failed inside a transaction envelope. The transaction was rolled
	// back; the broker remains usable.
	ErrCodeTransactionFailed ErrorCode = "TRANSACTION_FAILED"

	// ErrCodeCursorFailed indicates a row fetch failed mid-iteration.
	// Scoped to that cursor; the broker remains usable.
	ErrCodeCursorFailed ErrorCode = "CURSOR_FAILED"

	// ErrCodeBrokerClosed indicates an operation was attempted after
	// shutdown began. Such calls fail fast rather than queue forever.
	ErrCodeBrokerClosed ErrorCode = "BROKER_CLOSED"
)

// Error is the broker's structured error type. It wraps the underlying
// cause so errors.Is/As keep working through it.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// IsSetupFailure reports whether err stems from a failed broker
// startup sequence. Uses errors.As to handle wrapped errors.
func IsSetupFailure(err error) bool { return hasCode(err, ErrCodeSetupFailed) }

// IsTransactionFailure reports whether err is a rolled-back
// transaction failure.
func IsTransactionFailure(err error) bool { return hasCode(err, ErrCodeTransactionFailed) }

// IsClosed reports whether err was caused by calling into a broker
// after its shutdown began.
func IsClosed(err error) bool { return hasCode(err, ErrCodeBrokerClosed) }

func hasCode(err error, code ErrorCode) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
