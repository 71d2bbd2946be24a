package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"testbed/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUp_BringsTopologyUp(t *testing.T) {
	tc := newTestCluster(t, fastConfig())

	var mu sync.Mutex
	var transitions []State
	tc.Orchestrator().OnTransition = func(from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}

	require.NoError(t, tc.Up(context.Background(), 0))

	assert.Equal(t, StateUp, tc.State())
	assert.Equal(t, 1, tc.Orchestrator().Attempts())
	assert.Equal(t, 1, tc.runtime.count("pull"))
	assert.Equal(t, 1, tc.runtime.count("stop"))
	assert.Equal(t, 1, tc.runtime.count("start"))
	assert.Equal(t, []State{StatePulling, StateStarting, StateHealthChecking, StateUp}, transitions)
}

func TestUp_TwiceOnlyReverifies(t *testing.T) {
	tc := upCluster(t)
	ctx := context.Background()
	node := mustNode(t, tc.Cluster, "clickhouse1")

	_, err := node.Execute(ctx, "echo before", ExecOptions{})
	require.NoError(t, err)
	opened := tc.transport.Opened("clickhouse1")
	probes := tc.nodes.probes.Load()

	require.NoError(t, tc.Up(ctx, 0))

	assert.Equal(t, StateUp, tc.State())
	assert.Equal(t, 1, tc.runtime.count("start"), "a second Up must not start nodes again")
	assert.Equal(t, 1, tc.runtime.count("pull"))
	assert.Greater(t, tc.nodes.probes.Load(), probes, "the health check runs again")

	_, err = node.Execute(ctx, "echo after", ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, opened, tc.transport.Opened("clickhouse1"), "sessions survive a second Up")
}

func TestUp_RetriesFailedAttempts(t *testing.T) {
	tc := newTestCluster(t, fastConfig())
	tc.runtime.failPull = 1
	tc.runtime.failStart = 1

	require.NoError(t, tc.Up(context.Background(), 0))

	assert.Equal(t, StateUp, tc.State())
	assert.Equal(t, 3, tc.Orchestrator().Attempts())
	assert.Equal(t, 3, tc.runtime.count("pull"))
	assert.Equal(t, 2, tc.runtime.count("start"))
}

func TestUp_ExhaustedFailsTopology(t *testing.T) {
	tc := newTestCluster(t, fastConfig())
	tc.runtime.failStart = -1
	ctx := context.Background()

	err := tc.Up(ctx, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBringUp)
	assert.ErrorIs(t, err, errInjected)

	var bringUp *BringUpError
	require.ErrorAs(t, err, &bringUp)
	assert.Equal(t, 3, bringUp.Attempts)
	assert.Equal(t, StateFailed, tc.State())
	assert.Equal(t, 3, tc.runtime.count("start"))

	// Failed is terminal until Down.
	err = tc.Up(ctx, 0)
	assert.ErrorIs(t, err, ErrBringUp)
	assert.Equal(t, 3, tc.runtime.count("start"))

	require.NoError(t, tc.Down(ctx, 0))
	assert.Equal(t, StateDown, tc.State())

	tc.runtime.mu.Lock()
	tc.runtime.failStart = 0
	tc.runtime.mu.Unlock()
	require.NoError(t, tc.Up(ctx, 0))
	assert.Equal(t, StateUp, tc.State())
}

func TestUp_UnhealthyNode(t *testing.T) {
	cfg := fastConfig()
	cfg.HealthTimeout = 50 * time.Millisecond
	cfg.Retry = retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, Multiplier: 1}
	tc := newTestCluster(t, cfg)
	tc.nodes.setHealthy("clickhouse2", false)

	err := tc.Up(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBringUp)
	assert.ErrorIs(t, err, ErrUnhealthy)

	var health *HealthError
	require.ErrorAs(t, err, &health)
	assert.Equal(t, "clickhouse2", health.Node)
	assert.Contains(t, health.Last, "210")
	assert.Equal(t, 2, tc.runtime.count("start"))
	assert.Equal(t, StateFailed, tc.State())
}

func TestUp_FailedReverification(t *testing.T) {
	cfg := fastConfig()
	cfg.HealthTimeout = 50 * time.Millisecond
	tc := newTestCluster(t, cfg)
	ctx := context.Background()
	require.NoError(t, tc.Up(ctx, 0))

	tc.nodes.setHealthy("zookeeper", false)

	err := tc.Up(ctx, 0)
	assert.ErrorIs(t, err, ErrBringUp)
	assert.ErrorIs(t, err, ErrUnhealthy)
	assert.Equal(t, StateFailed, tc.State())
	assert.Equal(t, 1, tc.runtime.count("start"))

	_, err = mustNode(t, tc.Cluster, "clickhouse2").Execute(ctx, "ls", ExecOptions{})
	assert.ErrorIs(t, err, ErrTopologyDown)
}

func TestUp_Timeout(t *testing.T) {
	cfg := fastConfig()
	cfg.HealthTimeout = time.Minute
	cfg.Retry = retry.Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond, Multiplier: 1}
	tc := newTestCluster(t, cfg)
	tc.nodes.setHealthy("clickhouse1", false)

	start := time.Now()
	err := tc.Up(context.Background(), 100*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, ErrBringUp)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, tc.State())
}

func TestDown(t *testing.T) {
	tc := upCluster(t)
	ctx := context.Background()

	w := tc.NewWorker(ctx, "w")
	defer w.Close()
	_, err := mustNode(t, tc.Cluster, "clickhouse1").Execute(w.Context(), "echo hi", ExecOptions{})
	require.NoError(t, err)
	require.Positive(t, tc.Pool().Len())

	require.NoError(t, tc.Down(ctx, 0))
	assert.Equal(t, StateDown, tc.State())
	assert.Equal(t, 0, tc.Pool().Len())
	assert.Equal(t, 0, tc.transport.Live())
	assert.Equal(t, 1, tc.runtime.count("down"))
	assert.False(t, tc.Pool().Terminating())

	_, err = mustNode(t, tc.Cluster, "clickhouse1").Execute(w.Context(), "echo hi", ExecOptions{})
	assert.ErrorIs(t, err, ErrTopologyDown)
}

func TestDown_CancelsRunningUp(t *testing.T) {
	cfg := fastConfig()
	cfg.HealthTimeout = time.Second
	cfg.Retry = retry.Policy{MaxAttempts: 3, InitialBackoff: 200 * time.Millisecond, Multiplier: 1}
	tc := newTestCluster(t, cfg)
	tc.nodes.setHealthy("clickhouse1", false)

	upErr := make(chan error, 1)
	go func() { upErr <- tc.Up(context.Background(), 0) }()

	require.Eventually(t, func() bool {
		return tc.State() == StateHealthChecking
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, tc.Down(context.Background(), 0))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	select {
	case err := <-upErr:
		assert.ErrorIs(t, err, ErrBringUp)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Up still running after Down returned")
	}

	assert.Equal(t, StateDown, tc.State())
	assert.Equal(t, 1, tc.runtime.count("start"))
	assert.Equal(t, 1, tc.runtime.count("down"))
	assert.Equal(t, 0, tc.transport.Live())
	assert.False(t, tc.Pool().Terminating())

	tc.nodes.setHealthy("clickhouse1", true)
	require.NoError(t, tc.Up(context.Background(), 0))
	assert.Equal(t, StateUp, tc.State())
}

func TestDown_RuntimeFailureStillResets(t *testing.T) {
	tc := upCluster(t)
	tc.runtime.failDown = true

	err := tc.Down(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, StateDown, tc.State())
}

func TestAttach(t *testing.T) {
	tc := newTestCluster(t, fastConfig())
	ctx := context.Background()

	require.NoError(t, tc.Attach(ctx, 0))
	assert.Equal(t, StateUp, tc.State())
	assert.Zero(t, tc.runtime.count("start"))
	assert.Zero(t, tc.runtime.count("pull"))

	// Attaching to an up topology is a no-op.
	require.NoError(t, tc.Attach(ctx, 0))
}

func TestAttach_UnhealthyStaysDown(t *testing.T) {
	cfg := fastConfig()
	cfg.HealthTimeout = 30 * time.Millisecond
	tc := newTestCluster(t, cfg)
	tc.nodes.setHealthy("clickhouse1", false)

	err := tc.Attach(context.Background(), 0)
	assert.ErrorIs(t, err, ErrUnhealthy)
	assert.Equal(t, StateDown, tc.State())
}
