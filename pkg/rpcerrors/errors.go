// Package rpcerrors provides the structured error taxonomy shared by every
// transport, retry, and dispatch component in this module.
package rpcerrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an RPCError along the taxonomy every component in this
// module reports against. Callers distinguish failures with errors.Is
// against the sentinel values below, or by inspecting Kind directly.
type Kind string

// Taxonomy members.
const (
	// KindTransport covers socket/IO failures: dial errors, broken pipes,
	// read/write errors below the JSON-RPC framing layer.
	KindTransport Kind = "transport"

	// KindTimeout covers requests that aged out of the pending table or
	// exceeded a caller-supplied deadline before a response arrived.
	KindTimeout Kind = "timeout"

	// KindRPC covers a JSON-RPC response whose error member was populated.
	// Code and Message mirror the wire error object; Data carries its
	// optional data member verbatim.
	KindRPC Kind = "rpc"

	// KindRevert covers an Rpc error whose Data looks like ABI-encoded
	// revert bytes (0x-prefixed, longer than 10 characters including the
	// prefix). Never retried.
	KindRevert Kind = "revert"

	// KindProtocol covers malformed JSON, a missing jsonrpc member, an error
	// member without code/message, or both result and error present on the
	// same frame.
	KindProtocol Kind = "protocol"

	// KindCancelled covers caller-initiated cancellation of a pending
	// request or an in-flight retry loop.
	KindCancelled Kind = "cancelled"

	// KindExhausted covers a retry loop that ran out of attempts. Attempts,
	// Duration, and History are always populated on this kind.
	KindExhausted Kind = "exhausted"

	// KindUnsupported covers an operation not available on the active
	// test-node dialect (for example, Anvil-only operations against
	// Hardhat).
	KindUnsupported Kind = "unsupported"

	// KindIllegalState covers an operation attempted against a scoped
	// resource (for example, an ImpersonationSession) after it has already
	// been released.
	KindIllegalState Kind = "illegal_state"
)

// Attempt records a single failed try inside a RetryHistory.
type Attempt struct {
	At  time.Time
	Err error
}

// RetryHistory is the ordered list of failed attempts a retry loop
// accumulates before it either succeeds or raises Exhausted.
type RetryHistory struct {
	Attempts []Attempt
}

// Record appends a failed attempt to the history.
func (h *RetryHistory) Record(err error, at time.Time) {
	h.Attempts = append(h.Attempts, Attempt{At: at, Err: err})
}

// Len reports the number of recorded attempts.
func (h *RetryHistory) Len() int {
	if h == nil {
		return 0
	}
	return len(h.Attempts)
}

// Last returns the most recently recorded failure, or nil if none.
func (h *RetryHistory) Last() error {
	if h == nil || len(h.Attempts) == 0 {
		return nil
	}
	return h.Attempts[len(h.Attempts)-1].Err
}

// RPCError is the single structured error type produced by every component
// in this module. It implements error, Unwrap, and Is (matching by Kind
// only; Code is not compared).
type RPCError struct {
	Kind Kind

	// Code and Message mirror the JSON-RPC error object for KindRPC and
	// KindRevert; Code is 0 for kinds that never carry a wire code.
	Code    int
	Message string

	// Data carries the JSON-RPC error's data member, or raw revert bytes
	// for KindRevert.
	Data any

	// Attempts, Duration, and History are populated on KindExhausted only.
	Attempts int
	Duration time.Duration
	History  *RetryHistory

	Cause error
}

func (e *RPCError) Error() string {
	switch e.Kind {
	case KindExhausted:
		msg := fmt.Sprintf("exhausted after %d attempts (%s)", e.Attempts, e.Duration)
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", msg, e.Cause)
		}
		return msg
	case KindRPC, KindRevert:
		if e.Message != "" {
			return fmt.Sprintf("%s: %s (code %d)", e.Kind, e.Message, e.Code)
		}
		return fmt.Sprintf("%s (code %d)", e.Kind, e.Code)
	default:
		msg := string(e.Kind)
		if e.Message != "" {
			msg = e.Message
		}
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", msg, e.Cause)
		}
		return msg
	}
}

func (e *RPCError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is against the sentinel Kind values and against
// other *RPCError values, matching on Kind.
func (e *RPCError) Is(target error) bool {
	var t *RPCError
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinel errors, one per taxonomy member, for errors.Is matching.
var (
	ErrTransport    = &RPCError{Kind: KindTransport, Message: "transport failure"}
	ErrTimeout      = &RPCError{Kind: KindTimeout, Message: "request timed out"}
	ErrRPC          = &RPCError{Kind: KindRPC, Message: "rpc error"}
	ErrRevert       = &RPCError{Kind: KindRevert, Message: "execution reverted"}
	ErrProtocol     = &RPCError{Kind: KindProtocol, Message: "protocol error"}
	ErrCancelled    = &RPCError{Kind: KindCancelled, Message: "cancelled"}
	ErrExhausted    = &RPCError{Kind: KindExhausted, Message: "retries exhausted"}
	ErrUnsupported  = &RPCError{Kind: KindUnsupported, Message: "unsupported operation"}
	ErrIllegalState = &RPCError{Kind: KindIllegalState, Message: "illegal state"}
)

// Transport wraps cause as a KindTransport RPCError.
func Transport(cause error) error {
	return &RPCError{Kind: KindTransport, Message: "transport failure", Cause: cause}
}

// Timeout builds a KindTimeout RPCError for the given method/id context.
func Timeout(message string) error {
	if message == "" {
		message = "request timed out"
	}
	return &RPCError{Kind: KindTimeout, Message: message}
}

// RPC builds a KindRPC RPCError carrying the wire error's code/message/data.
func RPC(code int, message string, data any) error {
	return &RPCError{Kind: KindRPC, Code: code, Message: message, Data: data}
}

// Revert reclassifies an Rpc-shaped failure into KindRevert, preserving the
// original code/message and attaching the decoded reason (if any) as Data.
func Revert(code int, message string, raw any) error {
	return &RPCError{Kind: KindRevert, Code: code, Message: message, Data: raw}
}

// Protocol builds a KindProtocol RPCError, carrying the offending body as
// Data for diagnosis.
func Protocol(message string, body any) error {
	return &RPCError{Kind: KindProtocol, Message: message, Data: body}
}

// Cancelled builds a KindCancelled RPCError, optionally wrapping the context
// error that triggered cancellation.
func Cancelled(cause error) error {
	return &RPCError{Kind: KindCancelled, Message: "cancelled", Cause: cause}
}

// CancelledDuringRetry builds a KindCancelled RPCError raised when ctx is
// cancelled while a retry loop is waiting out a backoff. Cause is the last
// recorded failure (the reason the loop was still retrying), falling back to
// ctxErr if no attempt was recorded yet; History carries the full accumulated
// record of prior attempts.
func CancelledDuringRetry(ctxErr error, history *RetryHistory) error {
	cause := history.Last()
	if cause == nil {
		cause = ctxErr
	}
	return &RPCError{Kind: KindCancelled, Message: "cancelled", Cause: cause, History: history}
}

// Exhausted builds a KindExhausted RPCError carrying the full retry history;
// Cause is the last recorded failure.
func Exhausted(attempts int, duration time.Duration, history *RetryHistory) error {
	return &RPCError{
		Kind:     KindExhausted,
		Message:  "retries exhausted",
		Attempts: attempts,
		Duration: duration,
		History:  history,
		Cause:    history.Last(),
	}
}

// Unsupported builds a KindUnsupported RPCError naming the unavailable op.
func Unsupported(op string) error {
	return &RPCError{Kind: KindUnsupported, Message: fmt.Sprintf("%s is not supported in this mode", op)}
}

// IllegalState builds a KindIllegalState RPCError for an operation attempted
// against a scoped resource after it was already released.
func IllegalState(message string) error {
	return &RPCError{Kind: KindIllegalState, Message: message}
}

// As is a typed convenience wrapper over errors.As for *RPCError.
func As(err error) (*RPCError, bool) {
	var e *RPCError
	ok := errors.As(err, &e)
	return e, ok
}

// IsKind reports whether err is (or wraps) an RPCError of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// Process exit codes, for CLI front-ends.
const (
	ExitSuccess      = 0 // Successful execution
	ExitGeneral      = 1 // General/unknown error
	ExitTransport    = 2 // Transport/connection failure
	ExitTimeout      = 3 // Request or retry-loop timeout
	ExitRPC          = 4 // Node rejected the request
	ExitRevert       = 5 // Contract execution reverted
	ExitProtocol     = 6 // Malformed wire data
	ExitUnsupported  = 7 // Operation unavailable in this mode
	ExitIllegalState = 8 // Scoped resource used after release
)

// ExitCode maps err to a process exit code. A nil err exits ExitSuccess; an
// error that isn't an *RPCError exits ExitGeneral.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	e, ok := As(err)
	if !ok {
		return ExitGeneral
	}

	switch e.Kind {
	case KindTransport:
		return ExitTransport
	case KindTimeout, KindExhausted, KindCancelled:
		return ExitTimeout
	case KindRPC:
		return ExitRPC
	case KindRevert:
		return ExitRevert
	case KindProtocol:
		return ExitProtocol
	case KindUnsupported:
		return ExitUnsupported
	case KindIllegalState:
		return ExitIllegalState
	default:
		return ExitGeneral
	}
}
