package cluster

import (
	"fmt"
	"strings"
	"time"
)

// CommandResult is the outcome of one command.
type CommandResult struct {
	Node     string
	Command  string
	Output   string
	ExitCode int
	Duration time.Duration
}

// ExecOptions controls how a command runs and which checks apply to its
// result. The zero value runs with the node's default timeout and only the
// failure-marker check.
type ExecOptions struct {
	// ExitCode is the expected exit status. Nil leaves it unchecked.
	ExitCode *int
	// Message must appear in the output when set.
	Message string
	// ExpectError disables the failure-marker check.
	ExpectError bool
	// NoChecks returns the raw result without applying any check.
	NoChecks bool
	// Timeout bounds the command. Zero means the node default.
	Timeout time.Duration
}

// ExitCode returns a pointer for ExecOptions.ExitCode.
func ExitCode(code int) *int {
	return &code
}

// ResultPolicy classifies command results.
//
// The failure-marker check is plain substring matching on the output. It
// reports a failure for any output that mentions a marker, including data
// that merely contains the text, and misses failures the service reports in
// a different form. Callers checking for expected errors should set
// ExpectError or put the marker in Message.
type ResultPolicy struct {
	Markers []string
}

// Check applies the exit code, message and failure-marker checks, in that
// order, and returns the first violation as a *CommandFailure.
func (p ResultPolicy) Check(res CommandResult, opts ExecOptions) error {
	if opts.NoChecks {
		return nil
	}

	if opts.ExitCode != nil && res.ExitCode != *opts.ExitCode {
		return &CommandFailure{
			Result:   res,
			Reason:   ReasonExitCode,
			Expected: fmt.Sprintf("expected exit code %d", *opts.ExitCode),
		}
	}

	if opts.Message != "" && !strings.Contains(res.Output, opts.Message) {
		return &CommandFailure{
			Result:   res,
			Reason:   ReasonMessage,
			Expected: fmt.Sprintf("expected message %q", opts.Message),
		}
	}

	if p.checksMarkers(opts) {
		if marker, _ := p.FindMarker(res.Output); marker != "" {
			return &CommandFailure{
				Result:   res,
				Reason:   ReasonFailureMarker,
				Expected: fmt.Sprintf("output contains failure marker %q", marker),
			}
		}
	}
	return nil
}

func (p ResultPolicy) checksMarkers(opts ExecOptions) bool {
	if opts.ExpectError {
		return false
	}
	for _, m := range p.Markers {
		if opts.Message != "" && strings.Contains(opts.Message, m) {
			return false
		}
	}
	return true
}

// FindMarker returns the first marker found in output and the output line
// it appears on.
func (p ResultPolicy) FindMarker(output string) (string, string) {
	for _, line := range strings.Split(output, "\n") {
		for _, m := range p.Markers {
			if m != "" && strings.Contains(line, m) {
				return m, strings.TrimSpace(line)
			}
		}
	}
	return "", ""
}
