package cluster

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"testbed/internal/retry"
	"testbed/internal/session"
	"testbed/internal/session/shelltest"
	"testbed/internal/topology"

	"github.com/stretchr/testify/require"
)

const testTopology = `
name: test
nodes:
  - name: clickhouse1
  - name: clickhouse2
  - name: zookeeper
`

var errInjected = errors.New("injected failure")

// fakeRuntime counts runtime calls and fails on demand.
type fakeRuntime struct {
	mu        sync.Mutex
	calls     map[string]int
	restarted []string

	failPull  int
	failStart int
	failDown  bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{calls: make(map[string]int)}
}

func (r *fakeRuntime) record(op string) {
	r.mu.Lock()
	r.calls[op]++
	r.mu.Unlock()
}

func (r *fakeRuntime) count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

func (r *fakeRuntime) Type() string { return "fake" }

func (r *fakeRuntime) Pull(ctx context.Context) (string, error) {
	r.record("pull")
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failPull > 0 {
		r.failPull--
		return "", errInjected
	}
	return "pulled", nil
}

func (r *fakeRuntime) Stop(ctx context.Context) (string, error) {
	r.record("stop")
	return "", nil
}

func (r *fakeRuntime) Start(ctx context.Context) (string, error) {
	r.record("start")
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failStart != 0 {
		if r.failStart > 0 {
			r.failStart--
		}
		return "", errInjected
	}
	return "started", nil
}

func (r *fakeRuntime) Down(ctx context.Context) (string, error) {
	r.record("down")
	if r.failDown {
		return "", errInjected
	}
	return "", nil
}

func (r *fakeRuntime) Restart(ctx context.Context, node string) (string, error) {
	r.record("restart")
	r.mu.Lock()
	r.restarted = append(r.restarted, node)
	r.mu.Unlock()
	return "", nil
}

func (r *fakeRuntime) Ps(ctx context.Context) (string, error) { return "", nil }

func (r *fakeRuntime) Logs(ctx context.Context, node string) (string, error) { return "", nil }

func (r *fakeRuntime) Shell(node string) (session.ShellSpec, error) {
	return session.ShellSpec{Path: "bash"}, nil
}

// fakeNodes answers shell commands the way the nodes of testTopology would.
type fakeNodes struct {
	mu        sync.Mutex
	unhealthy map[string]bool
	hangOnce  map[string]bool
	probes    atomic.Int64
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{unhealthy: make(map[string]bool), hangOnce: make(map[string]bool)}
}

func (f *fakeNodes) setHealthy(node string, healthy bool) {
	f.mu.Lock()
	f.unhealthy[node] = !healthy
	f.mu.Unlock()
}

func (f *fakeNodes) hangNext(command string) {
	f.mu.Lock()
	f.hangOnce[command] = true
	f.mu.Unlock()
}

func (f *fakeNodes) handle(node, command string) shelltest.Response {
	f.mu.Lock()
	unhealthy := f.unhealthy[node]
	hang := f.hangOnce[command]
	delete(f.hangOnce, command)
	f.mu.Unlock()

	switch {
	case hang:
		return shelltest.Response{Hang: true}
	case command == "true" || strings.Contains(command, `-q "SELECT 1"`):
		f.probes.Add(1)
		if unhealthy {
			return shelltest.Response{ExitCode: 210, Output: "Code: 210. DB::NetException: Connection refused (localhost:9000)\n"}
		}
		return shelltest.Response{Output: "1\n"}
	case strings.HasPrefix(command, "clickhouse client -n"):
		if strings.Contains(command, "missing_table") {
			return shelltest.Response{Output: "Received exception from server (version 21.8.1):\nCode: 60. DB::Exception: Table default.missing_table doesn't exist.\n"}
		}
		return shelltest.Response{Output: "ok\n"}
	case strings.HasPrefix(command, "status "):
		code, _ := strconv.Atoi(strings.TrimPrefix(command, "status "))
		return shelltest.Response{ExitCode: code, Output: "done\n"}
	default:
		return shelltest.Response{Output: command + "\n"}
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.CommandTimeout = 2 * time.Second
	cfg.UpTimeout = 10 * time.Second
	cfg.DownTimeout = 5 * time.Second
	cfg.HealthTimeout = 300 * time.Millisecond
	cfg.HealthInterval = 10 * time.Millisecond
	cfg.RestartSettle = 0
	cfg.Retry = retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 1}
	return cfg
}

type testCluster struct {
	*Cluster
	runtime   *fakeRuntime
	nodes     *fakeNodes
	transport *shelltest.Transport
}

func newTestCluster(t *testing.T, cfg Config) *testCluster {
	t.Helper()

	desc, err := topology.Parse([]byte(testTopology), "")
	require.NoError(t, err)

	rt := newFakeRuntime()
	nodes := newFakeNodes()
	tr := shelltest.New(nodes.handle)

	c, err := New(desc, rt, tr, cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return &testCluster{Cluster: c, runtime: rt, nodes: nodes, transport: tr}
}

func upCluster(t *testing.T) *testCluster {
	t.Helper()
	tc := newTestCluster(t, fastConfig())
	require.NoError(t, tc.Up(context.Background(), 0))
	return tc
}

func mustNode(t *testing.T, c *Cluster, name string) *NodeProxy {
	t.Helper()
	n, err := c.Node(name)
	require.NoError(t, err)
	return n
}
