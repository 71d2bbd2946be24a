package cmd

import (
	"fmt"
	"time"

	"testbed/internal/cluster"
	"testbed/internal/topology"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var upTimeout time.Duration

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Bring the topology up and wait until every node is healthy",
	Long: `Bring the topology up: pull images, remove leftovers of a previous run,
start every node and poll each node's readiness probe until it succeeds.
Failed attempts are retried with backoff.

With the process runtime the nodes live as long as testbed does, so up keeps
running until interrupted and then tears the topology down.`,
	Args: cobra.NoArgs,
	RunE: runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)
	upCmd.Flags().DurationVar(&upTimeout, "up-timeout", 0, "Overall bring-up timeout (default 30m)")
}

func runUp(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	c, err := openCluster()
	if err != nil {
		return err
	}
	defer c.Close()

	var s *spinner.Spinner
	if !verboseFlag && !debugFlag {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
		s.Suffix = " Bringing up topology " + c.Descriptor().Name + "..."
		s.Start()
		c.Orchestrator().OnTransition = func(from, to cluster.State) {
			s.Lock()
			s.Suffix = fmt.Sprintf(" %s: %s", c.Descriptor().Name, to)
			s.Unlock()
		}
	}

	err = c.Up(ctx, upTimeout)
	if s != nil {
		if err != nil {
			s.FinalMSG = text.FgRed.Sprint("✗ Bring-up failed") + "\n"
		} else {
			s.FinalMSG = text.FgGreen.Sprint("✓ Topology "+c.Descriptor().Name+" is up") + "\n"
		}
		s.Stop()
	}
	if err != nil {
		return err
	}

	if c.Runtime().Type() != string(topology.RuntimeProcess) {
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Nodes are running as local processes. Press Ctrl-C to tear down.")
	<-ctx.Done()
	return c.Down(cmd.Context(), 0)
}
