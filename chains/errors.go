package chains

import (
	"context"
	"errors"
	"net"
)

// Failure codes attached by adapters. The Retryable flag is always set by the
// adapter that observed the failure, never inferred from message text by
// callers.
const (
	CodeTimeout           = "timeout"
	CodeNetwork           = "network"
	CodeServerError       = "server_error"
	CodeRejected          = "rejected"
	CodeInsufficientFunds = "insufficient_funds"
	CodeStaleNonce        = "stale_nonce"
	CodeMalformed         = "malformed"
	CodeReverted          = "reverted"
	CodeDecode            = "decode"
)

// Error is the structured failure type returned by chain adapters.
type Error struct {
	Chain     string
	Op        string
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Chain + " " + e.Op + ": " + e.Code
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether err is a chain failure worth retrying.
func Retryable(err error) bool {
	var chainErr *Error
	if errors.As(err, &chainErr) {
		return chainErr.Retryable
	}
	return false
}

// transientErr wraps timeouts, 5xx responses, and network-level failures.
func transientErr(chain, op, code string, err error) *Error {
	return &Error{Chain: chain, Op: op, Code: code, Retryable: true, Err: err}
}

// permanentErr wraps rejections the chain will never accept on retry.
func permanentErr(chain, op, code string, err error) *Error {
	return &Error{Chain: chain, Op: op, Code: code, Retryable: false, Err: err}
}

// classifyTransport maps low-level transport failures: cancelled contexts,
// timeouts, and connection errors are all transient.
func classifyTransport(chain, op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return transientErr(chain, op, CodeTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transientErr(chain, op, CodeTimeout, err)
	}
	return transientErr(chain, op, CodeNetwork, err)
}
