package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"testbed/internal/cluster"
	"testbed/internal/session"
	"testbed/pkg/logging"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeScenariosFailed indicates that at least one scenario failed.
	ExitCodeScenariosFailed = 2
	// ExitCodeBringUp indicates that the topology could not be brought up.
	ExitCodeBringUp = 3
	// ExitCodeTimeout indicates that a command on a node timed out.
	ExitCodeTimeout = 4
)

// topologyEnvVar is the environment variable holding the default topology path.
const topologyEnvVar = "TESTBED_TOPOLOGY"

var (
	topologyPath   string
	debugFlag      bool
	verboseFlag    bool
	logFilePath    string
	commandTimeout time.Duration

	closeLog = func() error { return nil }
)

// rootCmd represents the base command for the testbed application.
var rootCmd = &cobra.Command{
	Use:   "testbed",
	Short: "Bring up clustered service topologies and run scenarios against them",
	Long: `testbed brings up a multi-node topology of a clustered data service,
keeps interactive shell sessions to its nodes and runs commands, queries and
YAML test scenarios through them.

A topology descriptor lists the nodes and how to start them, either as
docker compose services or as local processes.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logging.LevelWarn
		switch {
		case debugFlag:
			level = logging.LevelDebug
		case verboseFlag:
			level = logging.LevelInfo
		}
		closeLog = logging.InitWithFile(level, os.Stderr, logging.FileConfig{
			Path:       logFilePath,
			MaxSizeMB:  50,
			MaxBackups: 5,
		})
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the root command and exits with a code describing the failure.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "testbed version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
func getExitCode(err error) int {
	var failures *scenarioFailuresError
	if errors.As(err, &failures) {
		return ExitCodeScenariosFailed
	}
	if errors.Is(err, cluster.ErrBringUp) {
		return ExitCodeBringUp
	}
	if errors.Is(err, session.ErrTimeout) {
		return ExitCodeTimeout
	}
	return ExitCodeError
}

// scenarioFailuresError is returned by run when scenarios did not pass.
type scenarioFailuresError struct {
	failed, errored int
}

func (e *scenarioFailuresError) Error() string {
	return fmt.Sprintf("%d scenario(s) failed, %d could not be executed", e.failed, e.errored)
}

func init() {
	defaultTopology := os.Getenv(topologyEnvVar)
	if defaultTopology == "" {
		defaultTopology = "topology.yml"
	}

	rootCmd.PersistentFlags().StringVarP(&topologyPath, "topology", "t", defaultTopology, "Path to the topology descriptor (env "+topologyEnvVar+")")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable informational logging")
	rootCmd.PersistentFlags().StringVar(&logFilePath, "log-file", "", "Also write logs to this rotating file")
	rootCmd.PersistentFlags().DurationVar(&commandTimeout, "timeout", 0, "Timeout of a single command on a node (default 2m)")

	rootCmd.AddCommand(newVersionCmd())
}
