package containerizer

import (
	"context"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"testbed/internal/topology"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func processDescriptor(t *testing.T, mode string) *topology.Descriptor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process groups are not available on windows")
	}
	return &topology.Descriptor{
		Name:    "local",
		Runtime: topology.RuntimeProcess,
		Env:     map[string]string{"GO_WANT_HELPER_PROCESS": "1"},
		Nodes: []topology.NodeSpec{
			{
				Node:    topology.Node{Name: "node1", Kind: topology.KindHost},
				Command: []string{os.Args[0], "-test.run=TestHelperProcess", "--", mode},
				Env:     map[string]string{"NODE_ID": "1"},
			},
		},
	}
}

func TestProcessRuntime_Lifecycle(t *testing.T) {
	r := NewProcessRuntime(processDescriptor(t, "node-server"))
	ctx := context.Background()
	defer r.Down(ctx)

	out, err := r.Pull(ctx)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = r.Start(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "started node1")

	require.Eventually(t, func() bool {
		logs, err := r.Logs(ctx, "node1")
		return err == nil && strings.Contains(logs, "node ready")
	}, 5*time.Second, 20*time.Millisecond)

	ps, err := r.Ps(ctx)
	require.NoError(t, err)
	assert.Contains(t, ps, "node1")
	assert.Contains(t, ps, " up ")

	// Starting again keeps the running process.
	_, err = r.Start(ctx)
	require.NoError(t, err)
	r.mu.Lock()
	pid := r.procs["node1"].cmd.Process.Pid
	r.mu.Unlock()

	out, err = r.Restart(ctx, "node1")
	require.NoError(t, err)
	assert.Contains(t, out, "restarted node1")
	r.mu.Lock()
	assert.NotEqual(t, pid, r.procs["node1"].cmd.Process.Pid)
	r.mu.Unlock()

	all, err := r.Logs(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, all, "=== node1 ===")

	out, err = r.Down(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "stopped node1")

	ps, err = r.Ps(ctx)
	require.NoError(t, err)
	assert.Contains(t, ps, "stopped")

	// Down is idempotent.
	_, err = r.Stop(ctx)
	assert.NoError(t, err)
}

func TestProcessRuntime_KillsStubbornNode(t *testing.T) {
	r := NewProcessRuntime(processDescriptor(t, "stubborn-node"))
	r.ShutdownTimeout = 100 * time.Millisecond
	ctx := context.Background()

	_, err := r.Start(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		logs, _ := r.Logs(ctx, "node1")
		return logs != ""
	}, 5*time.Second, 20*time.Millisecond)

	start := time.Now()
	_, err = r.Down(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessRuntime_Shell(t *testing.T) {
	d := processDescriptor(t, "node-server")
	d.BaseDir = "/srv"
	d.Nodes[0].Dir = "node1"
	r := NewProcessRuntime(d)

	spec, err := r.Shell("node1")
	require.NoError(t, err)
	assert.Equal(t, "bash", spec.Path)
	assert.Equal(t, "/srv/node1", spec.Dir)
	assert.Contains(t, spec.Env, "NODE_ID=1")

	d.Nodes[0].Shell = []string{"sh", "-i"}
	r = NewProcessRuntime(d)
	spec, err = r.Shell("node1")
	require.NoError(t, err)
	assert.Equal(t, "sh", spec.Path)
	assert.Equal(t, []string{"-i"}, spec.Args)

	_, err = r.Shell("ghost")
	assert.Error(t, err)

	_, err = r.Restart(context.Background(), "ghost")
	assert.Error(t, err)
}
