// Package logging provides the structured logging used throughout testbed.
//
// It is a thin layer over Go's slog package: every entry carries a subsystem
// attribute, level filtering happens in the handler, and output can be teed
// into a size-rotated log file.
//
// # Log Levels
//   - **Debug**: session traffic, probe attempts, state transitions
//   - **Info**: bring-up progress, node restarts, scenario progress
//   - **Warn**: retried attempts, swept sessions
//   - **Error**: failures that end a bring-up or a scenario
//
// # Usage Examples
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("Orchestrator", "attempt %d/%d", attempt, maxAttempts)
//	logging.Debug("Session", "sent command to %s", node)
//	logging.Error("Health", err, "node %s never became healthy", node)
//
// ## Rotating file output
//
//	closeLog := logging.InitWithFile(logging.LevelDebug, os.Stderr, logging.FileConfig{
//	    Path:       "testbed.log",
//	    MaxSizeMB:  50,
//	    MaxBackups: 3,
//	})
//	defer closeLog()
//
// # Subsystems
//
//   - **Session**: interactive shell channels
//   - **SessionPool**: session creation, eviction, sweeping
//   - **Orchestrator**: topology bring-up and tear-down
//   - **Health**: readiness probes
//   - **Node**: command execution and result checks
//   - **Runtime**: docker compose and local process management
//   - **Scenario**: scenario loading and execution
//
// # Thread Safety
//
// All functions are safe for concurrent use. Re-initialising swaps the handler
// atomically with respect to in-flight log calls.
package logging
