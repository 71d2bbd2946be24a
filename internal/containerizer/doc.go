// Package containerizer starts and stops the processes of a test topology.
//
// Two runtimes implement the Runtime interface:
//
// ComposeRuntime drives the docker compose CLI of a compose project:
//   - Pull: "pull"
//   - Stop: "down --remove-orphans", removing leftovers of a previous run
//   - Start: "up -d", failing when compose reports unhealthy containers
//   - Restart: "restart <node>"
//   - Shell: "exec -T <node> bash --noediting"
//
// ProcessRuntime runs each node as a local process in its own process group,
// captures its output and stops it with SIGTERM followed by SIGKILL.
//
// # Usage Example
//
//	desc, err := topology.Load("topology.yml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rt, err := containerizer.New(desc)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := rt.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Runtime operations return the command output along with the error so that
// callers can log it when a step fails.
package containerizer
