package scenario

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"testbed/internal/cluster"
	"testbed/internal/retry"
	"testbed/internal/session"
	"testbed/internal/session/shelltest"
	"testbed/internal/topology"

	"github.com/stretchr/testify/require"
)

const testTopology = `
name: scenarios
nodes:
  - name: clickhouse1
  - name: clickhouse2
`

// nopRuntime starts nothing; the fake shells are always there.
type nopRuntime struct {
	mu        sync.Mutex
	startFail bool
}

func (r *nopRuntime) Type() string                                             { return "nop" }
func (r *nopRuntime) Pull(ctx context.Context) (string, error)                 { return "", nil }
func (r *nopRuntime) Stop(ctx context.Context) (string, error)                 { return "", nil }
func (r *nopRuntime) Down(ctx context.Context) (string, error)                 { return "", nil }
func (r *nopRuntime) Ps(ctx context.Context) (string, error)                   { return "", nil }
func (r *nopRuntime) Restart(ctx context.Context, node string) (string, error) { return "", nil }
func (r *nopRuntime) Logs(ctx context.Context, node string) (string, error)    { return "", nil }

func (r *nopRuntime) Start(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startFail {
		return "compose up failed", errors.New("container exited")
	}
	return "", nil
}

func (r *nopRuntime) Shell(node string) (session.ShellSpec, error) {
	return session.ShellSpec{Path: "bash"}, nil
}

// nodeShell answers commands like a small service node: it keeps a counter
// per node, understands a few queries and echoes like echo does. Anything
// else is returned verbatim.
type nodeShell struct {
	mu     sync.Mutex
	counts map[string]int
}

func (n *nodeShell) handle(node, command string) shelltest.Response {
	switch {
	case command == "true" || strings.Contains(command, `-q "SELECT 1"`):
		return shelltest.Response{Output: "1\n"}
	case strings.HasPrefix(command, "clickhouse client -n"):
		switch {
		case strings.Contains(command, "missing_table"):
			return shelltest.Response{Output: "Code: 60. DB::Exception: Table default.missing_table doesn't exist.\n"}
		case strings.Contains(command, "SELECT version()"):
			return shelltest.Response{Output: "21.8.1\n"}
		default:
			return shelltest.Response{Output: "ok\n"}
		}
	case command == "incr":
		n.mu.Lock()
		n.counts[node]++
		v := n.counts[node]
		n.mu.Unlock()
		return shelltest.Response{Output: strconv.Itoa(v) + "\n"}
	case strings.HasPrefix(command, "status "):
		code, _ := strconv.Atoi(strings.TrimPrefix(command, "status "))
		return shelltest.Response{ExitCode: code}
	case command == "hang":
		return shelltest.Response{Hang: true}
	case strings.HasPrefix(command, "echo "):
		return shelltest.Response{Output: strings.TrimPrefix(command, "echo ") + "\n"}
	default:
		return shelltest.Response{Output: command + "\n"}
	}
}

type harness struct {
	cluster   *cluster.Cluster
	runtime   *nopRuntime
	transport *shelltest.Transport
	shell     *nodeShell
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	desc, err := topology.Parse([]byte(testTopology), "")
	require.NoError(t, err)

	cfg := cluster.DefaultConfig()
	cfg.CommandTimeout = 2 * time.Second
	cfg.UpTimeout = 5 * time.Second
	cfg.HealthTimeout = time.Second
	cfg.HealthInterval = 10 * time.Millisecond
	cfg.RestartSettle = 0
	cfg.Retry = retry.Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond, Multiplier: 1}

	sh := &nodeShell{counts: make(map[string]int)}
	tr := shelltest.New(sh.handle)
	rt := &nopRuntime{}
	c, err := cluster.New(desc, rt, tr, cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return &harness{cluster: c, runtime: rt, transport: tr, shell: sh}
}

// recorder keeps everything it is told.
type recorder struct {
	mu        sync.Mutex
	started   bool
	steps     []StepResult
	scenarios []ScenarioResult
	suite     *SuiteResult
}

func (r *recorder) ReportStart(string, []Scenario) {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
}

func (r *recorder) ReportStepResult(res StepResult) {
	r.mu.Lock()
	r.steps = append(r.steps, res)
	r.mu.Unlock()
}

func (r *recorder) ReportScenarioResult(res ScenarioResult) {
	r.mu.Lock()
	r.scenarios = append(r.scenarios, res)
	r.mu.Unlock()
}

func (r *recorder) ReportSuiteResult(res SuiteResult) error {
	r.mu.Lock()
	r.suite = &res
	r.mu.Unlock()
	return nil
}

func mustParse(t *testing.T, doc string) Scenario {
	t.Helper()
	s, err := Parse([]byte(doc))
	require.NoError(t, err)
	return s
}
