// Package retryable implements the invocation engine behind wrapped
// connections and channels: bounded retries, recovery arbitration through a
// circuit, and replay of declared topology onto fresh channels.
package retryable

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ShutdownSignal is a transport closure re-tagged from the broker client's
// error. Hard signals are connection-level; soft signals are channel-level.
type ShutdownSignal struct {
	Code   int
	Reason string
	Hard   bool
	cause  error
}

func (s *ShutdownSignal) Error() string {
	level := "channel"
	if s.Hard {
		level = "connection"
	}
	return fmt.Sprintf("%s shutdown (%d): %s", level, s.Code, s.Reason)
}

func (s *ShutdownSignal) Unwrap() error {
	return s.cause
}

// NewShutdownSignal builds a signal directly. Used at boundaries where the
// closure is observed without a broker error value.
func NewShutdownSignal(code int, reason string, hard bool) *ShutdownSignal {
	return &ShutdownSignal{Code: code, Reason: reason, Hard: hard}
}

// SignalFromAMQPError re-tags a broker client error into the taxonomy. The
// AMQP soft/hard discriminator carries over: soft reply codes are
// channel-level, everything else tears down the connection.
func SignalFromAMQPError(err *amqp.Error) *ShutdownSignal {
	if err == nil {
		return nil
	}
	return &ShutdownSignal{
		Code:   err.Code,
		Reason: err.Reason,
		Hard:   !err.Recover,
		cause:  err,
	}
}

// ExtractShutdown finds a shutdown signal in err's cause chain, re-tagging
// broker client errors as needed. Authentication failures are not transport
// shutdowns and yield nil.
func ExtractShutdown(err error) *ShutdownSignal {
	if err == nil || IsAuthFailure(err) {
		return nil
	}
	var sig *ShutdownSignal
	if errors.As(err, &sig) {
		return sig
	}
	var ae *amqp.Error
	if errors.As(err, &ae) {
		return SignalFromAMQPError(ae)
	}
	return nil
}

// IsAuthFailure reports whether err is an authentication failure.
func IsAuthFailure(err error) bool {
	if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrSASL) {
		return true
	}
	var ae *amqp.Error
	return errors.As(err, &ae) && ae.Code == amqp.AccessRefused && !ae.Server
}

// IsConnectionClosure reports whether err is caused by a connection-level
// shutdown.
func IsConnectionClosure(err error) bool {
	sig := ExtractShutdown(err)
	return sig != nil && sig.Hard
}

// Channel-level reply codes that indicate a recoverable condition. The
// complement observed in practice (403 access-refused, 404 not-found, 406
// precondition-failed) is fatal: redeclaring against a recovered channel
// would fail identically.
var recoverableChannelCodes = map[int]bool{
	amqp.ContentTooLarge:  true, // 311
	amqp.ConnectionForced: true, // 320
	amqp.ResourceLocked:   true, // 405
}

// IsRetryable classifies err for the retry engine. sig is the extracted
// shutdown signal, nil when err is not a transport closure.
func IsRetryable(err error, sig *ShutdownSignal, retryAuthFailures bool) bool {
	if err == nil {
		return false
	}

	if IsAuthFailure(err) {
		return retryAuthFailures
	}

	if sig != nil {
		if sig.Hard {
			return true
		}
		return recoverableChannelCodes[sig.Code]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	return false
}
