package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var downTimeout time.Duration

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Tear the topology down",
	Long: `Tear the topology down and close every session. The topology is reset
even when the runtime reports an error, so a following up starts clean.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		c, err := openCluster()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Down(ctx, downTimeout); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Topology %s is down\n", c.Descriptor().Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(downCmd)
	downCmd.Flags().DurationVar(&downTimeout, "down-timeout", 0, "Teardown timeout (default 5m)")
}
