package cluster

import (
	"errors"
	"fmt"
	"strings"
	"time"

	textutil "testbed/pkg/strings"
)

var (
	// ErrCommandFailure is matched by every *CommandFailure.
	ErrCommandFailure = errors.New("command failed")
	// ErrQueryRuntime is matched by every *QueryRuntimeError.
	ErrQueryRuntime = errors.New("query raised an exception")
	// ErrBringUp is matched by every *BringUpError.
	ErrBringUp = errors.New("topology bring-up failed")
	// ErrUnhealthy is matched by every *HealthError.
	ErrUnhealthy = errors.New("node did not become healthy")
	// ErrTopologyDown is returned for node commands while the topology is not up.
	ErrTopologyDown = errors.New("topology is not up")
	// ErrUnknownNode is returned for names that are not part of the topology.
	ErrUnknownNode = errors.New("unknown node")
)

// FailureReason says which result check a command failed.
type FailureReason string

const (
	ReasonExitCode      FailureReason = "exit_code"
	ReasonMessage       FailureReason = "message"
	ReasonFailureMarker FailureReason = "failure_marker"
)

// CommandFailure is a command that ran to completion but whose result
// violated the caller's expectations. The session stays usable.
type CommandFailure struct {
	Result CommandResult
	Reason FailureReason
	// Expected describes what the check wanted.
	Expected string
}

func (e *CommandFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command on %s failed: %s", target(e.Result.Node), e.Expected)
	switch e.Reason {
	case ReasonExitCode:
		fmt.Fprintf(&b, ", got exit code %d", e.Result.ExitCode)
	case ReasonMessage:
		b.WriteString(", not found in output")
	}
	fmt.Fprintf(&b, "\n  command: %s\n  output: %s", e.Result.Command, textutil.Truncate(e.Result.Output, 2048))
	return b.String()
}

// Is allows errors.Is(err, ErrCommandFailure).
func (e *CommandFailure) Is(target error) bool {
	return target == ErrCommandFailure
}

// QueryRuntimeError is returned by queries run with RaiseOnException when
// the service reported an exception.
type QueryRuntimeError struct {
	Result CommandResult
	// Exception is the first output line carrying a failure marker.
	Exception string
}

func (e *QueryRuntimeError) Error() string {
	return fmt.Sprintf("query on %s raised: %s", target(e.Result.Node), e.Exception)
}

// Is allows errors.Is(err, ErrQueryRuntime).
func (e *QueryRuntimeError) Is(target error) bool {
	return target == ErrQueryRuntime
}

// HealthError reports a node whose probe did not succeed before the deadline.
type HealthError struct {
	Node     string
	Timeout  time.Duration
	Attempts int
	// Last is the outcome of the final probe.
	Last string
	// Cause is set when the wait ended because the context was cancelled.
	Cause error
}

func (e *HealthError) Error() string {
	msg := fmt.Sprintf("node %s is not healthy after %v (%d probe(s))", e.Node, e.Timeout, e.Attempts)
	if e.Last != "" {
		msg += ": " + e.Last
	}
	return msg
}

// Is allows errors.Is(err, ErrUnhealthy).
func (e *HealthError) Is(target error) bool {
	return target == ErrUnhealthy
}

func (e *HealthError) Unwrap() error {
	return e.Cause
}

// BringUpError is returned when the topology could not be brought up. The
// topology is left in the failed state until Down.
type BringUpError struct {
	Attempts int
	Err      error
}

func (e *BringUpError) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("could not bring up topology: %v", e.Err)
	}
	return fmt.Sprintf("could not bring up topology after %d attempt(s): %v", e.Attempts, e.Err)
}

// Is allows errors.Is(err, ErrBringUp).
func (e *BringUpError) Is(target error) bool {
	return target == ErrBringUp
}

func (e *BringUpError) Unwrap() error {
	return e.Err
}

func target(node string) string {
	if node == "" {
		return "local shell"
	}
	return node
}
