// Package errs define a taxonomia de erros devolvida pelas operações públicas:
// configuração, conexão, transação, execução e release.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNoTransaction is returned by commit/rollback when the transaction stack is empty.
	ErrNoTransaction = errors.New("no open transaction")
	// ErrReleased is returned when a handle is used after release.
	ErrReleased = errors.New("connection already released")
	// ErrPoolDrained is returned when borrowing from a pool that has been drained.
	ErrPoolDrained = errors.New("pool drained")
	// ErrIncompleteStream is returned when a stream ends before the final completion event.
	ErrIncompleteStream = errors.New("event stream ended before request completed")
	// ErrUnrecognizedAction is returned by Run for actions that are neither a function nor a Runner.
	ErrUnrecognizedAction = errors.New("unrecognized runnable")
	// ErrSessionBusy is returned when a second request is submitted on a session with one in flight.
	ErrSessionBusy = errors.New("session has a request in flight")
)

// Kind classifies an Error.
type Kind int

const (
	// KindConfig means malformed or contradictory configuration; never reaches the network.
	KindConfig Kind = iota
	// KindConnect means a session could not be established or validated.
	KindConnect
	// KindTransaction means begin/commit/rollback was rejected or the stack state was invalid.
	KindTransaction
	// KindExecution means a request failed on submission or mid-stream.
	KindExecution
	// KindRelease means resolving pending transactions or returning the session failed.
	KindRelease
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindConnect:
		return "connect"
	case KindTransaction:
		return "transaction"
	case KindExecution:
		return "execution"
	case KindRelease:
		return "release"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error carries the failure kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with kind and op. If err is already an *Error of the same kind it is returned as-is.
func New(kind Kind, op string, err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Config builds a KindConfig error from a formatted message.
func Config(format string, args ...any) error {
	return &Error{Kind: KindConfig, Op: "validate", Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

func is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsConfig reports whether err is a configuration error.
func IsConfig(err error) bool { return is(err, KindConfig) }

// IsConnect reports whether err is a connection error.
func IsConnect(err error) bool { return is(err, KindConnect) }

// IsTransaction reports whether err is a transaction error.
func IsTransaction(err error) bool { return is(err, KindTransaction) }

// IsExecution reports whether err is an execution error.
func IsExecution(err error) bool { return is(err, KindExecution) }

// IsRelease reports whether err is a release error.
func IsRelease(err error) bool { return is(err, KindRelease) }
