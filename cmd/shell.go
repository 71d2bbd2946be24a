package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"testbed/internal/cluster"
	"testbed/internal/session"

	"github.com/chzyer/readline"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "shell NODE",
	Short: "Open an interactive shell on a node",
	Long: `Open an interactive shell on a node of the running topology, or on this
host with "local". Every line runs in the same long-lived session, so working
directory and variables persist between lines.

Built-in commands:
  .query SQL         run SQL through the node's service client
  .timeout DURATION  set the timeout of the following commands
  exit, quit         leave the shell`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeNodes,
	RunE:              runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

// replTarget is the part of a node proxy the shell uses.
type replTarget interface {
	Execute(ctx context.Context, command string, opts cluster.ExecOptions) (cluster.CommandResult, error)
	Query(ctx context.Context, sql string, opts cluster.QueryOptions) (cluster.CommandResult, error)
}

type repl struct {
	target  replTarget
	timeout time.Duration
	out     io.Writer
}

var errExit = errors.New("exit")

func runShell(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	c, err := openCluster()
	if err != nil {
		return err
	}
	defer c.Close()

	node, err := attachedNode(ctx, c, args[0])
	if err != nil {
		return err
	}

	historyFile := ""
	if dir, err := os.UserCacheDir(); err == nil {
		historyFile = filepath.Join(dir, "testbed", "shell_history")
		_ = os.MkdirAll(filepath.Dir(historyFile), 0o755)
	}

	name := node.Name()
	if name == "" {
		name = "local"
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            text.FgHiCyan.Sprint(name) + "> ",
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer rl.Close()

	r := &repl{target: node, out: rl.Stdout()}
	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		} else if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		if err := r.eval(ctx, line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintln(r.out, text.FgRed.Sprint("Error: "+err.Error()))
		}
	}
}

// eval runs one input line. It returns errExit when the shell should end.
func (r *repl) eval(ctx context.Context, line string) error {
	input := strings.TrimSpace(line)
	switch {
	case input == "":
		return nil
	case input == "exit" || input == "quit":
		return errExit
	case strings.HasPrefix(input, ".timeout"):
		arg := strings.TrimSpace(strings.TrimPrefix(input, ".timeout"))
		d, err := time.ParseDuration(arg)
		if err != nil || d < 0 {
			return fmt.Errorf("usage: .timeout DURATION, e.g. .timeout 30s")
		}
		r.timeout = d
		fmt.Fprintf(r.out, "timeout set to %s\n", d)
		return nil
	case strings.HasPrefix(input, ".query "):
		res, err := r.target.Query(ctx, strings.TrimPrefix(input, ".query "), cluster.QueryOptions{
			ExecOptions:      cluster.ExecOptions{Timeout: r.timeout},
			RaiseOnException: true,
		})
		r.print(res)
		return err
	}

	res, err := r.target.Execute(ctx, input, cluster.ExecOptions{NoChecks: true, Timeout: r.timeout})
	if err != nil {
		if errors.Is(err, session.ErrTimeout) {
			return fmt.Errorf("%w; the session was closed, the next command opens a new one", err)
		}
		return err
	}
	r.print(res)
	return nil
}

func (r *repl) print(res cluster.CommandResult) {
	if res.Output != "" {
		fmt.Fprintln(r.out, res.Output)
	}
	if res.ExitCode > 0 {
		fmt.Fprintln(r.out, text.FgYellow.Sprintf("[exit %d]", res.ExitCode))
	}
}
