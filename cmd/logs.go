package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:               "logs [NODE]",
	Short:             "Print the runtime logs of one node or of the whole topology",
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: completeNodes,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		c, err := openCluster()
		if err != nil {
			return err
		}
		defer c.Close()

		node := ""
		if len(args) == 1 {
			if _, err := c.Node(args[0]); err != nil {
				return err
			}
			node = args[0]
		}

		out, err := c.Runtime().Logs(ctx, node)
		fmt.Fprint(cmd.OutOrStdout(), out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
}
