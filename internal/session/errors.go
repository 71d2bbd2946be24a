package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("command timed out")
	// ErrConnection is matched by every *ConnectionError.
	ErrConnection = errors.New("session connection lost")
	// ErrSessionBusy is returned when a key is acquired while already checked out.
	ErrSessionBusy = errors.New("session already in use")
	// ErrTerminating is returned by Acquire once the pool is shutting down.
	ErrTerminating = errors.New("session pool is terminating")
)

// TimeoutError reports a command that did not complete before its deadline.
// The session that ran it is dead and must not be reused.
type TimeoutError struct {
	Node    string
	Command string
	Timeout time.Duration
	// Output is whatever the command printed before the deadline.
	Output string
	// Cause is set when the deadline came from a cancelled context.
	Cause error
}

func (e *TimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("command on %s timed out after %v (%v): %s", nodeLabel(e.Node), e.Timeout, e.Cause, e.Command)
	}
	return fmt.Sprintf("command on %s timed out after %v: %s", nodeLabel(e.Node), e.Timeout, e.Command)
}

// Is allows errors.Is(err, ErrTimeout).
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ConnectionError reports a channel that could not be opened, was closed by
// the remote side, or rejected a write.
type ConnectionError struct {
	Node   string
	Reason error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", nodeLabel(e.Node), e.Reason)
}

// Is allows errors.Is(err, ErrConnection).
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

func (e *ConnectionError) Unwrap() error {
	return e.Reason
}

func nodeLabel(node string) string {
	if node == "" {
		return "local shell"
	}
	return "node " + node
}
