package scenario

import (
	"sort"
	"time"

	"testbed/internal/cluster"
)

// Result is the outcome of a step or scenario.
type Result string

const (
	// ResultPassed indicates every step met its expectations
	ResultPassed Result = "PASSED"
	// ResultFailed indicates a step violated its expectations
	ResultFailed Result = "FAILED"
	// ResultSkipped indicates the scenario was not run
	ResultSkipped Result = "SKIPPED"
	// ResultError indicates the scenario could not be executed
	ResultError Result = "ERROR"
)

// Scenario is a sequence of steps run against the topology.
type Scenario struct {
	// Name uniquely identifies the scenario
	Name string `yaml:"name" json:"name"`
	// Description explains what the scenario checks
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Tags select scenarios on the command line
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	// Skip disables the scenario
	Skip bool `yaml:"skip,omitempty" json:"skip,omitempty"`
	// Workers is the number of concurrent workers running the steps.
	// Each worker has its own sessions to the nodes.
	Workers int `yaml:"workers,omitempty" json:"workers,omitempty"`
	// Repeat is how many times each worker runs the steps
	Repeat int `yaml:"repeat,omitempty" json:"repeat,omitempty"`
	// Timeout bounds the whole scenario, cleanup excluded
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Vars are initial template variables
	Vars map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	// Steps are the scenario steps
	Steps []Step `yaml:"steps" json:"steps"`
	// Cleanup steps always run once after the steps, by a single worker
	Cleanup []Step `yaml:"cleanup,omitempty" json:"cleanup,omitempty"`

	// Path is the file the scenario was loaded from
	Path string `yaml:"-" json:"path,omitempty"`
}

// Step is one command or query. Command and Query are Go templates.
type Step struct {
	// Name describes the step in reports
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Node is the target node. Empty or "local" runs on the local host.
	Node string `yaml:"node,omitempty" json:"node,omitempty"`
	// Command is a shell command
	Command string `yaml:"command,omitempty" json:"command,omitempty"`
	// Query is SQL run through the node's service client
	Query string `yaml:"query,omitempty" json:"query,omitempty"`
	// ExitCode is the expected exit status
	ExitCode *int `yaml:"exit_code,omitempty" json:"exit_code,omitempty"`
	// Message must appear in the output
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
	// ExpectError disables the failure-marker check
	ExpectError bool `yaml:"expect_error,omitempty" json:"expect_error,omitempty"`
	// Timeout bounds the step. Zero means the cluster default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Settings are service client settings for queries
	Settings map[string]string `yaml:"settings,omitempty" json:"settings,omitempty"`
	// Store saves the output under this variable name
	Store string `yaml:"store,omitempty" json:"store,omitempty"`
}

// LocalNode is the node name of the local host in scenario files.
const LocalNode = "local"

// Label returns the step name, or its command or query.
func (s Step) Label() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Query != "":
		return s.Query
	default:
		return s.Command
	}
}

func (s Step) execOptions() cluster.ExecOptions {
	return cluster.ExecOptions{
		ExitCode:    s.ExitCode,
		Message:     s.Message,
		ExpectError: s.ExpectError,
		Timeout:     s.Timeout,
	}
}

// querySettings returns the step settings in a stable order.
func (s Step) querySettings() []cluster.Setting {
	names := make([]string, 0, len(s.Settings))
	for name := range s.Settings {
		names = append(names, name)
	}
	sort.Strings(names)

	settings := make([]cluster.Setting, 0, len(names))
	for _, name := range names {
		settings = append(settings, cluster.Setting{Name: name, Value: s.Settings[name]})
	}
	return settings
}

// StepResult is the outcome of one step run by one worker.
type StepResult struct {
	Scenario  string        `json:"scenario"`
	Step      string        `json:"step"`
	Cleanup   bool          `json:"cleanup,omitempty"`
	Worker    int           `json:"worker"`
	Iteration int           `json:"iteration"`
	Node      string        `json:"node"`
	Command   string        `json:"command"`
	Result    Result        `json:"result"`
	ExitCode  int           `json:"exit_code"`
	Output    string        `json:"output,omitempty"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// ScenarioResult is the outcome of one scenario.
type ScenarioResult struct {
	Scenario    Scenario      `json:"scenario"`
	Result      Result        `json:"result"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	StepResults []StepResult  `json:"step_results"`
	Error       string        `json:"error,omitempty"`
}

// SuiteResult is the outcome of a run.
type SuiteResult struct {
	RunID            string           `json:"run_id"`
	Topology         string           `json:"topology"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          time.Time        `json:"end_time"`
	Duration         time.Duration    `json:"duration"`
	TotalScenarios   int              `json:"total_scenarios"`
	PassedScenarios  int              `json:"passed_scenarios"`
	FailedScenarios  int              `json:"failed_scenarios"`
	SkippedScenarios int              `json:"skipped_scenarios"`
	ErrorScenarios   int              `json:"error_scenarios"`
	ScenarioResults  []ScenarioResult `json:"scenario_results"`
}

// Succeeded reports whether no scenario failed or errored.
func (r *SuiteResult) Succeeded() bool {
	return r.FailedScenarios == 0 && r.ErrorScenarios == 0
}

func (r *SuiteResult) add(res ScenarioResult) {
	r.ScenarioResults = append(r.ScenarioResults, res)
	switch res.Result {
	case ResultPassed:
		r.PassedScenarios++
	case ResultFailed:
		r.FailedScenarios++
	case ResultSkipped:
		r.SkippedScenarios++
	case ResultError:
		r.ErrorScenarios++
	}
}

// Reporter receives run progress.
type Reporter interface {
	// ReportStart is called once the topology is up, before any scenario runs
	ReportStart(topology string, scenarios []Scenario)
	// ReportStepResult is called when a step completes
	ReportStepResult(res StepResult)
	// ReportScenarioResult is called when a scenario completes
	ReportScenarioResult(res ScenarioResult)
	// ReportSuiteResult is called when all scenarios completed
	ReportSuiteResult(res SuiteResult) error
}
