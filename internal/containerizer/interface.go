package containerizer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"testbed/internal/session"
)

// Runtime starts, stops and inspects the processes of a topology. Every
// operation is idempotent: stopping a stopped topology succeeds.
type Runtime interface {
	// Type returns the runtime name.
	Type() string

	// Pull fetches the images the topology needs.
	Pull(ctx context.Context) (string, error)

	// Stop removes any previous instance of the topology, including orphans.
	Stop(ctx context.Context) (string, error)

	// Start brings every node up in the background.
	Start(ctx context.Context) (string, error)

	// Down tears the topology down.
	Down(ctx context.Context) (string, error)

	// Restart restarts a single node.
	Restart(ctx context.Context, node string) (string, error)

	// Ps describes the state of every node.
	Ps(ctx context.Context) (string, error)

	// Logs returns the output of one node, or of all nodes for "".
	Logs(ctx context.Context, node string) (string, error)

	// Shell returns the interactive shell command for a node. An empty node
	// name means a shell on the local host.
	Shell(node string) (session.ShellSpec, error)
}

// CommandError reports a runtime command that exited unsuccessfully.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s: %v\nOutput: %s", strings.Join(e.Args, " "), e.Err, out)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// UnhealthyError is returned by Start when the runtime reported nodes as
// unhealthy while starting them.
type UnhealthyError struct {
	Output string
}

func (e *UnhealthyError) Error() string {
	return "runtime reported unhealthy containers"
}

// localShell is the shell opened for host-side commands.
func localShell(env []string) session.ShellSpec {
	return session.ShellSpec{Path: "bash", Args: []string{"--noediting"}, Env: env}
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}
