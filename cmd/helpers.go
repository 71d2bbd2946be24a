package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"testbed/internal/cluster"
	"testbed/internal/scenario"
	"testbed/internal/topology"

	"github.com/spf13/cobra"
)

// openCluster loads the topology descriptor and creates a cluster for it.
func openCluster() (*cluster.Cluster, error) {
	desc, err := topology.Load(topologyPath)
	if err != nil {
		return nil, err
	}

	cfg := cluster.DefaultConfig()
	if commandTimeout > 0 {
		cfg.CommandTimeout = commandTimeout
	}
	return cluster.Open(desc, cfg)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// attachedNode attaches to the running topology unless name is the local
// host, and returns the proxy for name.
func attachedNode(ctx context.Context, c *cluster.Cluster, name string) (*cluster.NodeProxy, error) {
	if name == "" || name == scenario.LocalNode {
		return c.Local(), nil
	}
	n, err := c.Node(name)
	if err != nil {
		return nil, err
	}
	if err := c.Attach(ctx, 0); err != nil {
		return nil, fmt.Errorf("topology is not running, start it with 'testbed up': %w", err)
	}
	return n, nil
}

// parseSettings turns name=value pairs into query settings, keeping their order.
func parseSettings(pairs []string) ([]cluster.Setting, error) {
	settings := make([]cluster.Setting, 0, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid setting %q, expected name=value", p)
		}
		settings = append(settings, cluster.Setting{Name: name, Value: value})
	}
	return settings, nil
}

func completeNodes(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	desc, err := topology.Load(topologyPath)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	names := []string{scenario.LocalNode}
	for _, m := range desc.Members() {
		names = append(names, m.Name)
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}
