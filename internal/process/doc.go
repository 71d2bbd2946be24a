// Package process starts child processes in their own process group and
// terminates them together with everything they spawned.
package process
