package containerizer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"testbed/internal/process"
	"testbed/internal/session"
	"testbed/internal/topology"
	"testbed/pkg/logging"
)

// logCapture collects the merged output of a node process.
type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lc *logCapture) Write(p []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.Write(p)
}

func (lc *logCapture) String() string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.String()
}

// managedProcess is a running node process with its log capture.
type managedProcess struct {
	cmd     *exec.Cmd
	logs    *logCapture
	started time.Time
	done    chan struct{}
	exitErr error
}

func (p *managedProcess) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ProcessRuntime implements Runtime by running every node as a local
// process in its own process group.
type ProcessRuntime struct {
	nodes []topology.NodeSpec
	dirs  map[string]string
	env   []string

	// ShutdownTimeout is how long a node gets to exit after SIGTERM.
	ShutdownTimeout time.Duration

	mu    sync.Mutex
	procs map[string]*managedProcess
}

// NewProcessRuntime creates a process runtime for the descriptor.
func NewProcessRuntime(d *topology.Descriptor) *ProcessRuntime {
	r := &ProcessRuntime{
		nodes:           d.Nodes,
		dirs:            make(map[string]string, len(d.Nodes)),
		env:             envList(d.Env),
		ShutdownTimeout: 10 * time.Second,
		procs:           make(map[string]*managedProcess),
	}
	for _, n := range d.Nodes {
		r.dirs[n.Name] = d.ResolvePath(n.Dir)
	}
	return r
}

// Type returns "process".
func (r *ProcessRuntime) Type() string { return string(topology.RuntimeProcess) }

// Pull has nothing to fetch for local processes.
func (r *ProcessRuntime) Pull(ctx context.Context) (string, error) {
	logging.Debug(runtimeSubsystem, "Process runtime has nothing to pull")
	return "", nil
}

// Stop terminates every node process.
func (r *ProcessRuntime) Stop(ctx context.Context) (string, error) {
	return r.stopAll(ctx)
}

// Down terminates every node process.
func (r *ProcessRuntime) Down(ctx context.Context) (string, error) {
	logging.Info(runtimeSubsystem, "Stopping node processes")
	return r.stopAll(ctx)
}

// Start launches every node that is not already running.
func (r *ProcessRuntime) Start(ctx context.Context) (string, error) {
	var out strings.Builder
	for _, n := range r.nodes {
		if err := ctx.Err(); err != nil {
			return out.String(), err
		}
		pid, err := r.startNode(n)
		if err != nil {
			return out.String(), err
		}
		fmt.Fprintf(&out, "started %s (pid %d)\n", n.Name, pid)
	}
	return out.String(), nil
}

// Restart stops and starts one node.
func (r *ProcessRuntime) Restart(ctx context.Context, node string) (string, error) {
	n, ok := r.nodeSpec(node)
	if !ok {
		return "", fmt.Errorf("unknown node %q", node)
	}
	logging.Info(runtimeSubsystem, "Restarting %s", node)

	if err := r.stopNode(node); err != nil {
		return "", err
	}
	pid, err := r.startNode(n)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("restarted %s (pid %d)\n", node, pid), nil
}

// Ps lists every node with its pid and state.
func (r *ProcessRuntime) Ps(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out strings.Builder
	fmt.Fprintf(&out, "%-20s %-8s %s\n", "NAME", "PID", "STATE")
	for _, n := range r.nodes {
		p, ok := r.procs[n.Name]
		switch {
		case !ok:
			fmt.Fprintf(&out, "%-20s %-8s %s\n", n.Name, "-", "stopped")
		case p.running():
			fmt.Fprintf(&out, "%-20s %-8d up %s\n", n.Name, p.cmd.Process.Pid, time.Since(p.started).Round(time.Second))
		default:
			fmt.Fprintf(&out, "%-20s %-8d exited (%v)\n", n.Name, p.cmd.Process.Pid, p.exitErr)
		}
	}
	return out.String(), nil
}

// Logs returns the captured output of one node, or of all nodes for "".
func (r *ProcessRuntime) Logs(ctx context.Context, node string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node != "" {
		p, ok := r.procs[node]
		if !ok {
			return "", fmt.Errorf("node %q is not running", node)
		}
		return p.logs.String(), nil
	}

	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	sort.Strings(names)

	var out strings.Builder
	for _, name := range names {
		fmt.Fprintf(&out, "=== %s ===\n%s", name, r.procs[name].logs.String())
	}
	return out.String(), nil
}

// Shell returns the node's configured shell, or bash in the node directory.
func (r *ProcessRuntime) Shell(node string) (session.ShellSpec, error) {
	if node == "" {
		return localShell(r.env), nil
	}
	n, ok := r.nodeSpec(node)
	if !ok {
		return session.ShellSpec{}, fmt.Errorf("unknown node %q", node)
	}

	spec := session.ShellSpec{
		Path: "bash",
		Args: []string{"--noediting"},
		Dir:  r.dirs[node],
		Env:  append(append([]string{}, r.env...), envList(n.Env)...),
	}
	if len(n.Shell) > 0 {
		spec.Path = n.Shell[0]
		spec.Args = n.Shell[1:]
	}
	return spec, nil
}

func (r *ProcessRuntime) nodeSpec(name string) (topology.NodeSpec, bool) {
	for _, n := range r.nodes {
		if n.Name == name {
			return n, true
		}
	}
	return topology.NodeSpec{}, false
}

func (r *ProcessRuntime) startNode(n topology.NodeSpec) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.procs[n.Name]; ok && p.running() {
		return p.cmd.Process.Pid, nil
	}

	cmd := exec.Command(n.Command[0], n.Command[1:]...)
	cmd.Dir = r.dirs[n.Name]
	cmd.Env = append(append(os.Environ(), r.env...), envList(n.Env)...)
	cmd.WaitDelay = 2 * time.Second
	process.Configure(cmd)

	logs := &logCapture{}
	cmd.Stdout = logs
	cmd.Stderr = logs

	logging.Debug(runtimeSubsystem, "Starting %s: %s", n.Name, strings.Join(n.Command, " "))
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start node %s: %w", n.Name, err)
	}

	p := &managedProcess{cmd: cmd, logs: logs, started: time.Now(), done: make(chan struct{})}
	go func() {
		p.exitErr = cmd.Wait()
		close(p.done)
	}()
	r.procs[n.Name] = p
	return cmd.Process.Pid, nil
}

func (r *ProcessRuntime) stopAll(ctx context.Context) (string, error) {
	r.mu.Lock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	var out strings.Builder
	var errs []string
	for _, name := range names {
		if err := r.stopNode(name); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		fmt.Fprintf(&out, "stopped %s\n", name)
	}
	if len(errs) > 0 {
		return out.String(), fmt.Errorf("failed to stop nodes: %s", strings.Join(errs, "; "))
	}
	return out.String(), nil
}

// stopNode sends SIGTERM to the node's process group, then SIGKILL if it
// does not exit within ShutdownTimeout.
func (r *ProcessRuntime) stopNode(name string) error {
	r.mu.Lock()
	p, ok := r.procs[name]
	delete(r.procs, name)
	r.mu.Unlock()

	if !ok || !p.running() {
		return nil
	}

	pid := p.cmd.Process.Pid
	logging.Debug(runtimeSubsystem, "Shutting down process group of %s (pid %d)", name, pid)
	if err := process.KillGroup(pid, syscall.SIGTERM); err != nil {
		logging.Debug(runtimeSubsystem, "Failed to send SIGTERM to %s: %v", name, err)
	}

	select {
	case <-p.done:
		// Children may outlive the leader.
		_ = process.KillGroup(pid, syscall.SIGKILL)
		return nil
	case <-time.After(r.ShutdownTimeout):
		logging.Warn(runtimeSubsystem, "Graceful shutdown of %s timed out, killing process group", name)
		if err := process.KillGroup(pid, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to kill %s: %w", name, err)
		}
		<-p.done
		return nil
	}
}
