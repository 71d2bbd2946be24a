package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"testbed/internal/topology"
	"testbed/pkg/logging"
	textutil "testbed/pkg/strings"

	"golang.org/x/sync/errgroup"
)

const healthSubsystem = "Health"

// ProbeFunc runs a probe command on a node without applying result checks.
type ProbeFunc func(ctx context.Context, node, command string, timeout time.Duration) (CommandResult, error)

// HealthPoller waits for nodes to answer their readiness probe.
type HealthPoller struct {
	// Interval is the pause between failed probes.
	Interval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	desc  *topology.Descriptor
	probe ProbeFunc
}

// NewHealthPoller creates a poller that runs each node kind's probe through probe.
func NewHealthPoller(desc *topology.Descriptor, probe ProbeFunc) *HealthPoller {
	return &HealthPoller{
		Interval:     2 * time.Second,
		ProbeTimeout: 120 * time.Second,
		desc:         desc,
		probe:        probe,
	}
}

// WaitHealthy probes node until it exits with status zero or timeout
// elapses. Probe timeouts and broken sessions count as "not ready yet".
func (h *HealthPoller) WaitHealthy(ctx context.Context, node topology.Node, timeout time.Duration) error {
	command := h.desc.KindSpec(node.Kind).Probe
	if command == "" {
		return fmt.Errorf("node %s of kind %s has no health probe", node.Name, node.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	attempts := 0
	var last string
	for {
		attempts++
		probeTimeout := h.ProbeTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < probeTimeout {
				probeTimeout = remaining
			}
		}

		ok, outcome := h.probeOnce(ctx, node.Name, command, probeTimeout)
		if ok {
			logging.Debug(healthSubsystem, "Node %s healthy after %d probe(s) in %v", node.Name, attempts, time.Since(start).Round(time.Millisecond))
			return nil
		}
		last = outcome
		logging.Debug(healthSubsystem, "Node %s not ready (probe %d): %s", node.Name, attempts, last)

		select {
		case <-ctx.Done():
			herr := &HealthError{Node: node.Name, Timeout: timeout, Attempts: attempts, Last: last}
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				herr.Cause = ctx.Err()
			}
			return herr
		case <-time.After(h.Interval):
		}
	}
}

// Probe runs node's readiness probe a single time, bounded by timeout. It
// returns a *HealthError when the probe does not succeed.
func (h *HealthPoller) Probe(ctx context.Context, node topology.Node, timeout time.Duration) error {
	command := h.desc.KindSpec(node.Kind).Probe
	if command == "" {
		return fmt.Errorf("node %s of kind %s has no health probe", node.Name, node.Kind)
	}
	ok, outcome := h.probeOnce(ctx, node.Name, command, timeout)
	if ok {
		return nil
	}
	return &HealthError{Node: node.Name, Timeout: timeout, Attempts: 1, Last: outcome}
}

// probeOnce reports whether command exited with status zero, and otherwise
// what happened instead.
func (h *HealthPoller) probeOnce(ctx context.Context, node, command string, timeout time.Duration) (bool, string) {
	res, err := h.probe(ctx, node, command, timeout)
	switch {
	case err == nil && res.ExitCode == 0:
		return true, ""
	case err != nil:
		return false, err.Error()
	default:
		return false, fmt.Sprintf("probe exited with %d: %s", res.ExitCode, textutil.OneLine(res.Output, 256))
	}
}

// WaitAll probes every node in parallel and fails as soon as one node
// fails.
func (h *HealthPoller) WaitAll(ctx context.Context, nodes []topology.Node, timeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		g.Go(func() error {
			return h.WaitHealthy(gctx, n, timeout)
		})
	}
	return g.Wait()
}
