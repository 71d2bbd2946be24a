package cmd

import (
	"context"
	"fmt"
	"time"

	"testbed/internal/scenario"
	"testbed/internal/topology"
	"testbed/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	runTags        []string
	runScenarios   []string
	runParallel    int
	runFailFast    bool
	runReportPath  string
	runVars        map[string]string
	runDown        bool
	runUpTimeout   time.Duration
	runListOnly    bool
	runTotalBudget time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run PATH",
	Short: "Run YAML scenarios against the topology",
	Long: `Run the scenarios in a YAML file or in every YAML file below a directory.

The topology is brought up first, or re-verified when it is already up.
Each scenario fans its steps out over its workers; every worker has its own
sessions to the nodes. Scenarios run one after another unless --parallel is
greater than one.

Exit codes: 0 when every scenario passed, 2 when a scenario failed, 3 when
the topology could not be brought up.`,
	Example: `  testbed run scenarios/
  testbed run scenarios/ --tag smoke --parallel 4 --fail-fast
  testbed run scenarios/insert.yaml --var table=events --report out/report.json`,
	Args: cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if runParallel < 1 || runParallel > 50 {
			return fmt.Errorf("parallel scenarios must be between 1 and 50, got %d", runParallel)
		}
		return nil
	},
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSliceVar(&runTags, "tag", nil, "Run only scenarios with one of these tags")
	runCmd.Flags().StringSliceVar(&runScenarios, "scenario", nil, "Run only the named scenarios")
	runCmd.Flags().IntVar(&runParallel, "parallel", 1, "Number of scenarios run at the same time (1-50)")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "Stop starting scenarios after the first failure")
	runCmd.Flags().StringVar(&runReportPath, "report", "", "Write a JSON report to this file")
	runCmd.Flags().StringToStringVar(&runVars, "var", nil, "Template variable as name=value (repeatable)")
	runCmd.Flags().BoolVar(&runDown, "down", false, "Tear the topology down after the run")
	runCmd.Flags().DurationVar(&runUpTimeout, "up-timeout", 0, "Bring-up timeout (default 30m)")
	runCmd.Flags().BoolVar(&runListOnly, "list", false, "List the selected scenarios without running them")
	runCmd.Flags().DurationVar(&runTotalBudget, "run-timeout", 0, "Overall timeout of the run, bring-up included")
}

func runRun(cmd *cobra.Command, args []string) error {
	all, err := scenario.Load(args[0])
	if err != nil {
		return err
	}
	selected := scenario.Filter(all, runTags, runScenarios)
	if len(selected) == 0 {
		return fmt.Errorf("no scenario in %s matches the selection", args[0])
	}

	if runListOnly {
		for _, s := range selected {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.Name, s.Description)
		}
		return nil
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()
	if runTotalBudget > 0 {
		var cancelBudget context.CancelFunc
		ctx, cancelBudget = context.WithTimeout(ctx, runTotalBudget)
		defer cancelBudget()
	}

	c, err := openCluster()
	if err != nil {
		return err
	}
	defer c.Close()

	// Local node processes do not outlive testbed.
	if runDown || c.Runtime().Type() == string(topology.RuntimeProcess) {
		defer func() {
			if err := c.Down(cmd.Context(), 0); err != nil {
				logging.Error("CLI", err, "Teardown after run failed")
			}
		}()
	}

	reporters := scenario.MultiReporter{scenario.NewConsoleReporter(cmd.OutOrStdout(), verboseFlag || debugFlag)}
	if runReportPath != "" {
		reporters = append(reporters, scenario.NewJSONReporter(runReportPath))
	}

	runner := scenario.NewRunner(c, reporters, scenario.Config{
		Parallel:  runParallel,
		FailFast:  runFailFast,
		UpTimeout: runUpTimeout,
		Vars:      runVars,
	})
	suite, err := runner.Run(ctx, selected)
	if suite != nil && !suite.Succeeded() {
		return &scenarioFailuresError{failed: suite.FailedScenarios, errored: suite.ErrorScenarios}
	}
	return err
}
