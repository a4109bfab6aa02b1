package tools

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// RecoveryAction determines how the bridge handles a tool failure.
type RecoveryAction int

const (
	// NoRetry — permanent input errors (not-found, unauthorized,
	// invalid request) and anything unknown.
	NoRetry RecoveryAction = iota
	// Retry — transient I/O, safe to retry once after a short backoff.
	Retry
)

const (
	// MaxRetries is the number of retry attempts after the initial failure.
	MaxRetries = 1

	// RetryBackoff is the pause before the retry attempt.
	RetryBackoff = 500 * time.Millisecond

	// OperationTimeout is the per-call deadline for one tool execution.
	OperationTimeout = 90 * time.Second
)

// ClassifyError maps a tool error onto a recovery action.
func ClassifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}

	// Network errors, timeouts included, get one retry. The tool
	// timeout sits well under the cycle deadline.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retry
	}
	if isTransientMessage(err) {
		return Retry
	}
	if isPermanentMessage(err) {
		return NoRetry
	}
	return NoRetry
}

// isTransientMessage matches the transient I/O taxonomy by message
// when no typed error is available.
func isTransientMessage(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"socket hang up",
		"timeout",
		"exit status",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isPermanentMessage matches errors that retrying cannot fix.
func isPermanentMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"not found",
		"unauthorized",
		"forbidden",
		"invalid",
		"bad request",
		"logged out",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
