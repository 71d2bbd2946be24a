package cmd

import (
	"fmt"
	"strings"

	"testbed/internal/cluster"

	"github.com/spf13/cobra"
)

var (
	execExitCode    int
	execMessage     string
	execExpectError bool
)

var execCmd = &cobra.Command{
	Use:   "exec NODE -- COMMAND [ARGS...]",
	Short: "Run a shell command on a node of the running topology",
	Long: `Run a shell command on a node of the running topology and print its
output. Use "local" as the node to run on this host.

The command fails when its output carries a failure marker, when --exit-code
is given and does not match, or when --message does not appear in the output.`,
	Example: `  testbed exec clickhouse1 -- ls /var/lib/clickhouse
  testbed exec zookeeper --exit-code 0 -- zkCli.sh ls /`,
	Args:              cobra.MinimumNArgs(2),
	ValidArgsFunction: completeNodes,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		c, err := openCluster()
		if err != nil {
			return err
		}
		defer c.Close()

		node, err := attachedNode(ctx, c, args[0])
		if err != nil {
			return err
		}

		opts := cluster.ExecOptions{Message: execMessage, ExpectError: execExpectError}
		if cmd.Flags().Changed("exit-code") {
			opts.ExitCode = cluster.ExitCode(execExitCode)
		}

		res, err := node.Execute(ctx, strings.Join(args[1:], " "), opts)
		if res.Output != "" {
			fmt.Fprintln(cmd.OutOrStdout(), res.Output)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().IntVar(&execExitCode, "exit-code", 0, "Expected exit code")
	execCmd.Flags().StringVar(&execMessage, "message", "", "Text that must appear in the output")
	execCmd.Flags().BoolVar(&execExpectError, "expect-error", false, "Do not treat failure markers in the output as errors")
}
