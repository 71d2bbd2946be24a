package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"testbed/internal/containerizer"
	"testbed/internal/retry"
	"testbed/internal/session"
	"testbed/internal/topology"
)

// Config holds the timeouts and policies of a cluster.
type Config struct {
	// CommandTimeout applies to commands that do not set their own.
	CommandTimeout time.Duration
	// UpTimeout bounds a complete Up, all attempts included.
	UpTimeout time.Duration
	// DownTimeout bounds Down.
	DownTimeout time.Duration
	// HealthTimeout bounds the wait for one node to become healthy.
	HealthTimeout time.Duration
	// HealthInterval is the pause between failed health probes.
	HealthInterval time.Duration
	// RestartSettle is the wait between restart preparation and the restart.
	RestartSettle time.Duration
	// Retry bounds bring-up attempts.
	Retry retry.Policy
	// QuerySettings are passed to every query.
	QuerySettings []Setting
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		CommandTimeout: session.DefaultTimeout,
		UpTimeout:      30 * time.Minute,
		DownTimeout:    300 * time.Second,
		HealthTimeout:  120 * time.Second,
		HealthInterval: 2 * time.Second,
		RestartSettle:  5 * time.Second,
		Retry:          retry.DefaultPolicy(),
	}
}

// Validate checks the configuration for unusable values.
func (c Config) Validate() error {
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}
	if c.HealthTimeout <= 0 {
		return fmt.Errorf("health timeout must be positive")
	}
	if c.HealthInterval < 0 || c.RestartSettle < 0 || c.UpTimeout < 0 || c.DownTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	for _, s := range c.QuerySettings {
		if s.Name == "" {
			return fmt.Errorf("query setting without a name")
		}
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}
	return nil
}

// Cluster is the driver surface of a topology: bring it up and down, and
// get proxies for its nodes.
type Cluster struct {
	desc    *topology.Descriptor
	cfg     Config
	runtime containerizer.Runtime
	pool    *session.Pool
	orch    *Orchestrator
	health  *HealthPoller
	policy  ResultPolicy

	main        *session.Worker
	probeWorker *session.Worker

	nodes map[string]*NodeProxy
	local *NodeProxy
}

// Open creates a cluster for the descriptor using the runtime it selects
// and shells opened by that runtime.
func Open(desc *topology.Descriptor, cfg Config) (*Cluster, error) {
	rt, err := containerizer.New(desc)
	if err != nil {
		return nil, err
	}
	return New(desc, rt, session.NewExecTransport(rt.Shell), cfg)
}

// New creates a cluster from explicit collaborators.
func New(desc *topology.Descriptor, rt containerizer.Runtime, transport session.Transport, cfg Config) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster configuration: %w", err)
	}

	c := &Cluster{
		desc:    desc,
		cfg:     cfg,
		runtime: rt,
		pool:    session.NewPool(transport, cfg.CommandTimeout),
		policy:  ResultPolicy{Markers: desc.FailureMarkers},
		nodes:   make(map[string]*NodeProxy, len(desc.Nodes)),
	}
	c.main = c.pool.NewWorker(context.Background(), "main")
	c.probeWorker = c.pool.NewWorker(context.Background(), "health")

	c.health = NewHealthPoller(desc, c.probe)
	c.health.Interval = cfg.HealthInterval
	c.health.ProbeTimeout = cfg.CommandTimeout

	c.orch = NewOrchestrator(rt, c.pool, c.health, desc.Members(), cfg.Retry, cfg.HealthTimeout)

	for _, n := range desc.Members() {
		c.nodes[n.Name] = &NodeProxy{cluster: c, node: n}
	}
	c.local = &NodeProxy{cluster: c, node: topology.Node{Kind: topology.KindHost}}
	return c, nil
}

// Descriptor returns the topology descriptor.
func (c *Cluster) Descriptor() *topology.Descriptor { return c.desc }

// Config returns the cluster configuration.
func (c *Cluster) Config() Config { return c.cfg }

// Runtime returns the runtime that starts the nodes.
func (c *Cluster) Runtime() containerizer.Runtime { return c.runtime }

// Pool returns the session pool.
func (c *Cluster) Pool() *session.Pool { return c.pool }

// Orchestrator returns the lifecycle state machine.
func (c *Cluster) Orchestrator() *Orchestrator { return c.orch }

// State returns the topology state.
func (c *Cluster) State() State { return c.orch.State() }

// Up brings the topology up. A zero timeout uses Config.UpTimeout.
func (c *Cluster) Up(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.UpTimeout
	}
	return c.orch.Up(ctx, timeout)
}

// Down tears the topology down. A zero timeout uses Config.DownTimeout.
func (c *Cluster) Down(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.DownTimeout
	}
	return c.orch.Down(ctx, timeout)
}

// Attach adopts an already running topology. A zero timeout uses
// Config.HealthTimeout.
func (c *Cluster) Attach(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.HealthTimeout
	}
	return c.orch.Attach(ctx, timeout)
}

// CheckHealth runs every node's probe once, in parallel, without changing
// the topology state. timeout bounds each probe. The result maps each node
// to its probe error, nil when the node is ready.
func (c *Cluster) CheckHealth(ctx context.Context, timeout time.Duration) map[string]error {
	if timeout <= 0 {
		timeout = c.cfg.HealthTimeout
	}

	members := c.desc.Members()
	errs := make([]error, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.health.Probe(ctx, m, timeout)
		}()
	}
	wg.Wait()

	out := make(map[string]error, len(members))
	for i, m := range members {
		out[m.Name] = errs[i]
	}
	return out
}

// Node returns the proxy of a topology node.
func (c *Cluster) Node(name string) (*NodeProxy, error) {
	n, ok := c.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, name)
	}
	return n, nil
}

// Nodes returns the proxies of all nodes in descriptor order.
func (c *Cluster) Nodes() []*NodeProxy {
	out := make([]*NodeProxy, 0, len(c.nodes))
	for _, m := range c.desc.Members() {
		out = append(out, c.nodes[m.Name])
	}
	return out
}

// NodesOfKind returns the proxies of all nodes of kind, sorted by name.
func (c *Cluster) NodesOfKind(kind topology.Kind) []*NodeProxy {
	var out []*NodeProxy
	for _, n := range c.nodes {
		if n.Kind() == kind {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Local returns a proxy for a shell on the local host. It works in every
// topology state.
func (c *Cluster) Local() *NodeProxy { return c.local }

// NewWorker registers a worker. Pass its Context to node calls made on its
// behalf and Close it when the worker is done.
func (c *Cluster) NewWorker(ctx context.Context, name string) *session.Worker {
	return c.pool.NewWorker(ctx, name)
}

// WithWorker binds ctx to a worker id. Calls without a worker run as the
// cluster's main worker.
//
// An id that did not come from NewWorker has no lifetime the pool can
// observe. Its sessions are never swept; they stay open until
// Pool().CloseWorker(id), Down or Close.
func WithWorker(ctx context.Context, id session.WorkerID) context.Context {
	return session.WithWorker(ctx, id)
}

// Close closes every session. It does not stop the topology.
func (c *Cluster) Close() {
	c.pool.CloseAll()
}

func (c *Cluster) workerFor(ctx context.Context) session.WorkerID {
	if id, ok := session.WorkerFrom(ctx); ok {
		return id
	}
	return c.main.ID()
}

// execute runs command on node through the calling worker's session.
func (c *Cluster) execute(ctx context.Context, node, command string, opts ExecOptions) (CommandResult, error) {
	res := CommandResult{Node: node, Command: command, ExitCode: -1}

	key := session.Key{Worker: c.workerFor(ctx), Node: node}
	s, err := c.pool.Acquire(ctx, key)
	if err != nil {
		return res, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.CommandTimeout
	}

	start := time.Now()
	out, code, err := s.Send(ctx, command, timeout)
	res.Output = out
	res.ExitCode = code
	res.Duration = time.Since(start)
	if err != nil {
		c.pool.Evict(key)
		return res, err
	}
	c.pool.Release(key)

	if err := c.policy.Check(res, opts); err != nil {
		return res, err
	}
	return res, nil
}

func (c *Cluster) probe(ctx context.Context, node, command string, timeout time.Duration) (CommandResult, error) {
	ctx = session.WithWorker(ctx, c.probeWorker.ID())
	return c.execute(ctx, node, command, ExecOptions{NoChecks: true, Timeout: timeout})
}
