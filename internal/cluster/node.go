package cluster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"testbed/internal/topology"
	"testbed/pkg/logging"
)

const nodeSubsystem = "Node"

// heredocDelimiter terminates SQL fed to the service client.
const heredocDelimiter = "__TESTBED_SQL__"

// Setting is a service client setting passed as --name "value".
type Setting struct {
	Name  string
	Value string
}

// QueryOptions controls a query. The embedded ExecOptions checks apply to
// the query result.
type QueryOptions struct {
	ExecOptions
	// Settings are appended after the cluster's default settings.
	Settings []Setting
	// RaiseOnException returns a *QueryRuntimeError instead of a
	// *CommandFailure when the output carries a failure marker.
	RaiseOnException bool
}

// NodeProxy runs commands on one node on behalf of the calling worker.
type NodeProxy struct {
	cluster *Cluster
	node    topology.Node
}

// Name returns the node name. It is empty for the local shell.
func (n *NodeProxy) Name() string { return n.node.Name }

// Kind returns the node kind.
func (n *NodeProxy) Kind() topology.Kind { return n.node.Kind }

func (n *NodeProxy) String() string {
	if n.node.Name == "" {
		return "Node(local)"
	}
	return n.node.String()
}

func (n *NodeProxy) local() bool { return n.node.Name == "" }

// Execute runs command in the calling worker's session to the node and
// checks the result. Timeouts and broken sessions evict the session and are
// returned unchanged; check violations return the result together with a
// *CommandFailure.
//
// A ctx without a worker runs as the cluster's main worker, which has a
// single session per node. A second call on the same node made while the
// first is running fails with session.ErrSessionBusy, so concurrent callers
// each need their own worker from Cluster.NewWorker.
func (n *NodeProxy) Execute(ctx context.Context, command string, opts ExecOptions) (CommandResult, error) {
	if !n.local() {
		if s := n.cluster.State(); s != StateUp {
			return CommandResult{Node: n.node.Name, Command: command}, fmt.Errorf("%w: cannot run command on %s while topology is %s", ErrTopologyDown, n.node.Name, s)
		}
	}
	return n.cluster.execute(ctx, n.node.Name, command, opts)
}

// Command is Execute for callers that think of the node as a plain host.
func (n *NodeProxy) Command(ctx context.Context, command string, opts ExecOptions) (CommandResult, error) {
	return n.Execute(ctx, command, opts)
}

// Query runs sql through the node kind's service client. Settings are
// passed as client arguments and the SQL is fed through a quoted heredoc,
// so it is never interpreted by the shell.
func (n *NodeProxy) Query(ctx context.Context, sql string, opts QueryOptions) (CommandResult, error) {
	command, err := n.queryCommand(sql, opts.Settings)
	if err != nil {
		return CommandResult{Node: n.node.Name}, err
	}

	if !opts.RaiseOnException || opts.NoChecks {
		return n.Execute(ctx, command, opts.ExecOptions)
	}

	raw := opts.ExecOptions
	raw.NoChecks = true
	res, err := n.Execute(ctx, command, raw)
	if err != nil {
		return res, err
	}

	policy := n.cluster.policy
	checked := opts.ExecOptions
	checked.ExpectError = true
	if err := policy.Check(res, checked); err != nil {
		return res, err
	}
	if policy.checksMarkers(opts.ExecOptions) {
		if marker, line := policy.FindMarker(res.Output); marker != "" {
			return res, &QueryRuntimeError{Result: res, Exception: line}
		}
	}
	return res, nil
}

func (n *NodeProxy) queryCommand(sql string, settings []Setting) (string, error) {
	client := n.cluster.desc.KindSpec(n.node.Kind).Client
	if client == "" {
		return "", fmt.Errorf("node %s of kind %s has no service client", n.node.Name, n.node.Kind)
	}

	var b strings.Builder
	b.WriteString(client)
	for _, s := range append(append([]Setting{}, n.cluster.cfg.QuerySettings...), settings...) {
		fmt.Fprintf(&b, " --%s \"%s\"", s.Name, strings.ReplaceAll(s.Value, `"`, `\"`))
	}
	fmt.Fprintf(&b, " <<'%s'\n%s\n%s", heredocDelimiter, strings.TrimRight(sql, "\n"), heredocDelimiter)
	return b.String(), nil
}

// Restart restarts the node. Every worker's session to the node is closed
// first. With safe set, the kind's restart preparation queries run before
// the restart and data is synced to disk. Restart returns once the node is
// healthy again.
func (n *NodeProxy) Restart(ctx context.Context, timeout time.Duration, safe bool) error {
	if n.local() {
		return fmt.Errorf("the local shell cannot be restarted")
	}
	if s := n.cluster.State(); s != StateUp {
		return fmt.Errorf("%w: cannot restart %s while topology is %s", ErrTopologyDown, n.node.Name, s)
	}
	if timeout <= 0 {
		timeout = n.cluster.cfg.HealthTimeout
	}

	if safe {
		if err := n.prepareRestart(ctx); err != nil {
			return fmt.Errorf("failed to prepare %s for restart: %w", n.node.Name, err)
		}
	}

	closed := n.cluster.pool.EvictNode(n.node.Name)
	logging.Info(nodeSubsystem, "Restarting %s (%d session(s) closed)", n.node.Name, closed)

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := n.cluster.runtime.Restart(rctx, n.node.Name); err != nil {
		return fmt.Errorf("failed to restart %s: %w", n.node.Name, err)
	}

	return n.cluster.health.WaitHealthy(ctx, n.node, timeout)
}

func (n *NodeProxy) prepareRestart(ctx context.Context) error {
	spec := n.cluster.desc.KindSpec(n.node.Kind)
	if len(spec.RestartPrepare) == 0 {
		return nil
	}

	for _, q := range spec.RestartPrepare {
		if _, err := n.Query(ctx, q, QueryOptions{}); err != nil {
			return err
		}
	}

	if settle := n.cluster.cfg.RestartSettle; settle > 0 {
		logging.Debug(nodeSubsystem, "Waiting %v for background work on %s to stop", settle, n.node.Name)
		select {
		case <-time.After(settle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_, err := n.Execute(ctx, "sync", ExecOptions{ExitCode: ExitCode(0), Timeout: 30 * time.Second})
	return err
}
