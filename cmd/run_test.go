package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"testbed/internal/scenario"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const processTopology = `
name: e2e
runtime: process
nodes:
  - name: node1
    kind: host
    command: ["sleep", "300"]
  - name: node2
    kind: host
    command: ["sleep", "300"]
`

const passingScenario = `
name: sessions
workers: 2
repeat: 2
steps:
  - node: node1
    command: echo {{ .Worker }}-{{ .Iteration }}
    store: id
  - node: node2
    command: test -n "{{ .Vars.id }}"
    exit_code: 0
  - node: local
    command: cd / && pwd
    message: /
`

const failingScenario = `
name: failing
steps:
  - node: node1
    command: "false"
    exit_code: 0
`

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	for _, bin := range []string{"bash", "sleep"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
}

// executeRoot runs the root command. Flag variables keep their values between
// executions, so the run flags are reset first.
func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	runTags, runScenarios, runVars = nil, nil, nil
	runReportPath, runParallel, runFailFast, runDown, runListOnly = "", 1, false, false, false
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunCommand_ProcessTopology(t *testing.T) {
	requireShell(t)

	dir := t.TempDir()
	topo := filepath.Join(dir, "topology.yml")
	require.NoError(t, os.WriteFile(topo, []byte(processTopology), 0o644))
	scenarios := filepath.Join(dir, "scenarios")
	require.NoError(t, os.MkdirAll(scenarios, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scenarios, "sessions.yaml"), []byte(passingScenario), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(scenarios, "failing.yaml"), []byte(failingScenario), 0o644))
	report := filepath.Join(dir, "out", "report.json")

	out, err := executeRoot(t, "run", scenarios, "--topology", topo, "--scenario", "sessions", "--report", report)
	require.NoError(t, err, out)
	assert.Contains(t, out, "sessions")

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	var suite scenario.SuiteResult
	require.NoError(t, json.Unmarshal(data, &suite))
	assert.Equal(t, 1, suite.PassedScenarios)
	require.Len(t, suite.ScenarioResults, 1)
	assert.Len(t, suite.ScenarioResults[0].StepResults, 2*2*3)

	out, err = executeRoot(t, "run", scenarios, "--topology", topo, "--scenario", "failing", "--report", "")
	require.Error(t, err, out)
	assert.Equal(t, ExitCodeScenariosFailed, getExitCode(err))
}

func TestRunCommand_NoMatchingScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("name: a\nsteps:\n  - command: ls\n"), 0o644))

	_, err := executeRoot(t, "run", dir, "--scenario", "missing", "--topology", filepath.Join(dir, "none.yml"))
	assert.ErrorContains(t, err, "no scenario")
}
