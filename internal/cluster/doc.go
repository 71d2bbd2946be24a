// Package cluster brings a test topology up and down and runs commands on
// its nodes.
//
// A Cluster owns a session pool, an Orchestrator and a NodeProxy per node.
// Up pulls, starts and health-checks the topology with bounded retries;
// Down closes every session and stops the nodes. Once the topology is up,
// NodeProxy.Execute runs a command in the calling worker's session to the
// node and applies the result checks of ExecOptions:
//
//	c, err := cluster.Open(desc, cluster.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	if err := c.Up(ctx, 0); err != nil {
//	    return err
//	}
//	defer c.Down(ctx, 0)
//
//	node, _ := c.Node("clickhouse1")
//	res, err := node.Execute(ctx, "ls /var/lib/clickhouse", cluster.ExecOptions{ExitCode: cluster.ExitCode(0)})
//
// Calls made with a context from Cluster.NewWorker run in that worker's own
// sessions; other calls share the main worker's sessions.
package cluster
