package containerizer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"testbed/internal/session"
	"testbed/internal/topology"
	"testbed/pkg/logging"
)

const runtimeSubsystem = "Runtime"

// execCommandContext and lookPath are variables to allow mocking in tests
var (
	execCommandContext = exec.CommandContext
	lookPath           = exec.LookPath
)

// ComposeRuntime implements Runtime with the docker compose CLI.
type ComposeRuntime struct {
	binary     string
	baseArgs   []string
	projectDir string
	file       string
	env        []string
	shells     map[string][]string
}

// NewComposeRuntime creates a compose runtime for the descriptor. The
// compose binary must be on PATH and the compose file must exist.
func NewComposeRuntime(d *topology.Descriptor) (*ComposeRuntime, error) {
	fields := strings.Fields(d.Compose.Binary)
	if len(fields) == 0 {
		return nil, fmt.Errorf("compose binary is empty")
	}
	if _, err := lookPath(fields[0]); err != nil {
		return nil, fmt.Errorf("%s command not found in PATH: %w", fields[0], err)
	}

	projectDir := d.ResolvePath(d.Compose.ProjectDir)
	file := d.ComposeFilePath()
	if _, err := os.Stat(file); err != nil {
		return nil, fmt.Errorf("docker compose file %s does not exist: %w", file, err)
	}

	env := map[string]string{"COMPOSE_HTTP_TIMEOUT": "300"}
	for k, v := range d.Env {
		env[k] = v
	}

	r := &ComposeRuntime{
		binary:     fields[0],
		projectDir: projectDir,
		file:       file,
		env:        envList(env),
		shells:     make(map[string][]string),
	}
	r.baseArgs = append(append([]string{}, fields[1:]...),
		"--ansi", "never", "--project-directory", projectDir, "--file", file)

	for _, n := range d.Nodes {
		if len(n.Shell) > 0 {
			r.shells[n.Name] = n.Shell
		}
	}
	return r, nil
}

// Type returns "compose".
func (r *ComposeRuntime) Type() string { return string(topology.RuntimeCompose) }

// Env returns the variables exported to every compose invocation.
func (r *ComposeRuntime) Env() []string { return append([]string(nil), r.env...) }

func (r *ComposeRuntime) run(ctx context.Context, args ...string) (string, error) {
	full := append(append([]string{}, r.baseArgs...), args...)
	logging.Debug(runtimeSubsystem, "Running %s %s", r.binary, strings.Join(full, " "))

	cmd := execCommandContext(ctx, r.binary, full...)
	cmd.Env = append(cmd.Environ(), r.env...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), &CommandError{Args: append([]string{r.binary}, args...), Output: string(output), Err: err}
	}
	return string(output), nil
}

// Pull pulls every image of the compose project.
func (r *ComposeRuntime) Pull(ctx context.Context) (string, error) {
	logging.Info(runtimeSubsystem, "Pulling images for %s", r.projectDir)
	return r.run(ctx, "pull")
}

// Stop removes containers of a previous run together with orphans.
func (r *ComposeRuntime) Stop(ctx context.Context) (string, error) {
	return r.run(ctx, "down", "--remove-orphans")
}

// Start runs "up -d". Output mentioning unhealthy containers is reported as
// an *UnhealthyError after the container state and logs have been logged.
func (r *ComposeRuntime) Start(ctx context.Context) (string, error) {
	logging.Info(runtimeSubsystem, "Starting containers")
	out, err := r.run(ctx, "up", "-d")
	if err != nil {
		return out, err
	}
	if strings.Contains(out, "is unhealthy") {
		r.dumpDiagnostics(ctx)
		return out, &UnhealthyError{Output: out}
	}
	return out, nil
}

// Down stops and removes all containers of the project.
func (r *ComposeRuntime) Down(ctx context.Context) (string, error) {
	logging.Info(runtimeSubsystem, "Bringing containers down")
	return r.run(ctx, "down")
}

// Restart restarts one compose service.
func (r *ComposeRuntime) Restart(ctx context.Context, node string) (string, error) {
	logging.Info(runtimeSubsystem, "Restarting %s", node)
	return r.run(ctx, "restart", node)
}

// Ps lists the containers of the project.
func (r *ComposeRuntime) Ps(ctx context.Context) (string, error) {
	return r.run(ctx, "ps")
}

// Logs returns the logs of one service, or of all services for "".
func (r *ComposeRuntime) Logs(ctx context.Context, node string) (string, error) {
	args := []string{"logs", "--no-color"}
	if node != "" {
		args = append(args, node)
	}
	return r.run(ctx, args...)
}

// Shell returns "<compose> exec -T <node> bash --noediting", or the shell
// configured for the node.
func (r *ComposeRuntime) Shell(node string) (session.ShellSpec, error) {
	if node == "" {
		return localShell(r.Env()), nil
	}

	shell := r.shells[node]
	if len(shell) == 0 {
		shell = []string{"bash", "--noediting"}
	}
	args := append(append([]string{}, r.baseArgs...), "exec", "-T", node)
	args = append(args, shell...)
	return session.ShellSpec{Path: r.binary, Args: args, Env: r.Env()}, nil
}

func (r *ComposeRuntime) dumpDiagnostics(ctx context.Context) {
	if ps, err := r.Ps(ctx); err == nil {
		logging.Debug(runtimeSubsystem, "Container state:\n%s", ps)
	}
	if logs, err := r.Logs(ctx, ""); err == nil {
		logging.Debug(runtimeSubsystem, "Container logs:\n%s", logs)
	}
}
