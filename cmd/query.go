package cmd

import (
	"fmt"
	"io"
	"strings"

	"testbed/internal/cluster"

	"github.com/spf13/cobra"
)

var (
	querySettings    []string
	queryExpectError bool
	queryMessage     string
)

var queryCmd = &cobra.Command{
	Use:   "query NODE [SQL]",
	Short: "Run SQL through the service client of a node",
	Long: `Run SQL through the service client of a node of the running topology.
The SQL is read from standard input when it is not given as an argument.
Service exceptions in the output make the command fail unless
--expect-error is set.`,
	Example: `  testbed query clickhouse1 "SELECT version()"
  testbed query clickhouse2 --setting max_threads=1 < query.sql`,
	Args:              cobra.RangeArgs(1, 2),
	ValidArgsFunction: completeNodes,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		sql := ""
		if len(args) == 2 {
			sql = args[1]
		} else {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read SQL from stdin: %w", err)
			}
			sql = string(data)
		}
		if strings.TrimSpace(sql) == "" {
			return fmt.Errorf("no SQL given")
		}

		settings, err := parseSettings(querySettings)
		if err != nil {
			return err
		}

		c, err := openCluster()
		if err != nil {
			return err
		}
		defer c.Close()

		node, err := attachedNode(ctx, c, args[0])
		if err != nil {
			return err
		}

		res, err := node.Query(ctx, sql, cluster.QueryOptions{
			ExecOptions:      cluster.ExecOptions{Message: queryMessage, ExpectError: queryExpectError},
			Settings:         settings,
			RaiseOnException: !queryExpectError,
		})
		if res.Output != "" {
			fmt.Fprintln(cmd.OutOrStdout(), res.Output)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringArrayVarP(&querySettings, "setting", "s", nil, "Client setting as name=value (repeatable)")
	queryCmd.Flags().BoolVar(&queryExpectError, "expect-error", false, "Do not fail on service exceptions")
	queryCmd.Flags().StringVar(&queryMessage, "message", "", "Text that must appear in the output")
}
