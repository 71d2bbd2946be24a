package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"testbed/internal/process"
	"testbed/pkg/logging"
)

// Channel is a raw bidirectional command channel: writes go to the shell's
// stdin, reads return its merged stdout and stderr.
type Channel interface {
	io.ReadWriteCloser
}

// Transport opens channels to nodes. An empty node name means the local host.
type Transport interface {
	Open(ctx context.Context, node string) (Channel, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, node string) (Channel, error)

// Open calls f.
func (f TransportFunc) Open(ctx context.Context, node string) (Channel, error) {
	return f(ctx, node)
}

// ShellSpec is the command line of an interactive shell.
type ShellSpec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// ShellResolver returns the shell command for a node.
type ShellResolver func(node string) (ShellSpec, error)

// ExecTransport opens channels by starting a shell process, for example
// "docker-compose exec -T clickhouse1 bash --noediting", with its output
// and error streams merged into one pipe.
type ExecTransport struct {
	resolve ShellResolver
	// KillGrace is how long Close waits for the shell after SIGTERM before
	// sending SIGKILL.
	KillGrace time.Duration
}

// NewExecTransport creates a transport that runs the shell resolved for each node.
func NewExecTransport(resolve ShellResolver) *ExecTransport {
	return &ExecTransport{resolve: resolve, KillGrace: 2 * time.Second}
}

// Open starts the shell. ctx only bounds the start; the shell outlives it.
func (t *ExecTransport) Open(ctx context.Context, node string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	spec, err := t.resolve(node)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	process.Configure(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Path, err)
	}
	// The child holds its own copy; EOF arrives once the shell exits.
	outW.Close()

	logging.Debug("Session", "Started shell %s %v (pid %d)", spec.Path, spec.Args, cmd.Process.Pid)

	c := &execChannel{
		cmd:   cmd,
		stdin: stdin,
		out:   outR,
		grace: t.KillGrace,
		done:  make(chan struct{}),
	}
	go func() {
		c.waitErr = cmd.Wait()
		close(c.done)
	}()
	return c, nil
}

type execChannel struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	out     *os.File
	grace   time.Duration
	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

func (c *execChannel) Read(p []byte) (int, error)  { return c.out.Read(p) }
func (c *execChannel) Write(p []byte) (int, error) { return c.stdin.Write(p) }

// Close terminates the shell together with any command still running in it.
func (c *execChannel) Close() error {
	c.closeOnce.Do(func() {
		c.stdin.Close()
		pid := c.cmd.Process.Pid

		select {
		case <-c.done:
		default:
			if err := process.KillGroup(pid, syscall.SIGTERM); err != nil {
				logging.Debug("Session", "SIGTERM to shell %d failed: %v", pid, err)
			}
			select {
			case <-c.done:
			case <-time.After(c.grace):
				if err := process.KillGroup(pid, syscall.SIGKILL); err != nil {
					logging.Debug("Session", "SIGKILL to shell %d failed: %v", pid, err)
				}
				<-c.done
			}
		}
		c.out.Close()
	})
	return nil
}
