package cmd

import (
	"fmt"
	"io"
	"time"

	"testbed/internal/cluster"
	textutil "testbed/pkg/strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var (
	statusProbeTimeout time.Duration
	statusShowPs       bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe every node of the topology and print a status table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		c, err := openCluster()
		if err != nil {
			return err
		}
		defer c.Close()

		health := c.CheckHealth(ctx, statusProbeTimeout)
		renderStatus(cmd.OutOrStdout(), c, health)

		if statusShowPs {
			out, err := c.Runtime().Ps(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprint(cmd.OutOrStdout(), out)
		}

		for _, err := range health {
			if err != nil {
				return fmt.Errorf("topology %s is not healthy", c.Descriptor().Name)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().DurationVar(&statusProbeTimeout, "probe-timeout", 10*time.Second, "How long to wait for each node's probe")
	statusCmd.Flags().BoolVar(&statusShowPs, "ps", false, "Also print the runtime's process listing")
}

func renderStatus(out io.Writer, c *cluster.Cluster, health map[string]error) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("%s (%s runtime)", c.Descriptor().Name, c.Runtime().Type()))
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("NODE"),
		text.FgHiCyan.Sprint("KIND"),
		text.FgHiCyan.Sprint("HEALTH"),
		text.FgHiCyan.Sprint("DETAIL"),
	})

	for _, n := range c.Nodes() {
		status := text.FgGreen.Sprint("ready")
		detail := ""
		if err := health[n.Name()]; err != nil {
			status = text.FgRed.Sprint("unhealthy")
			detail = textutil.OneLine(err.Error(), textutil.DefaultDetailMaxLen)
		}
		t.AppendRow(table.Row{n.Name(), string(n.Kind()), status, detail})
	}
	t.Render()
}
