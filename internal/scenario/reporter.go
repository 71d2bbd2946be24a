package scenario

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	textutil "testbed/pkg/strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// ConsoleReporter prints progress and a summary table.
type ConsoleReporter struct {
	out     io.Writer
	verbose bool
	mu      sync.Mutex
}

// NewConsoleReporter creates a reporter writing to out. With verbose set
// every step is printed, otherwise only failing ones.
func NewConsoleReporter(out io.Writer, verbose bool) *ConsoleReporter {
	return &ConsoleReporter{out: out, verbose: verbose}
}

func (r *ConsoleReporter) ReportStart(topology string, scenarios []Scenario) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "%s Topology %s is up, running %d scenarios\n\n",
		text.FgHiBlue.Sprint("▶"), text.Bold.Sprint(topology), len(scenarios))
}

func (r *ConsoleReporter) ReportStepResult(res StepResult) {
	if !r.verbose && res.Result == ResultPassed {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	where := res.Node
	if where == "" {
		where = LocalNode
	}
	who := fmt.Sprintf("w%d#%d", res.Worker, res.Iteration)
	if res.Cleanup {
		who = "cleanup"
	}
	fmt.Fprintf(r.out, "  %s [%s] %s %s on %s (%s)\n",
		resultSymbol(res.Result), res.Scenario, who, textutil.FirstLine(res.Step), where, res.Duration.Round(time.Millisecond))
	if res.Error != "" {
		fmt.Fprintln(r.out, indent(text.FgRed.Sprint(res.Error), "      "))
	}
}

func (r *ConsoleReporter) ReportScenarioResult(res ScenarioResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := fmt.Sprintf("%s %s (%s)", resultSymbol(res.Result), res.Scenario.Name, res.Duration.Round(time.Millisecond))
	if res.Error != "" && res.Result == ResultSkipped {
		line += ": " + res.Error
	}
	fmt.Fprintln(r.out, line)
}

// ReportSuiteResult prints one row per scenario and the totals.
func (r *ConsoleReporter) ReportSuiteResult(res SuiteResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("SCENARIO"),
		text.FgHiCyan.Sprint("RESULT"),
		text.FgHiCyan.Sprint("STEPS"),
		text.FgHiCyan.Sprint("DURATION"),
	})
	for _, sr := range res.ScenarioResults {
		t.AppendRow(table.Row{
			sr.Scenario.Name,
			colorResult(sr.Result),
			len(sr.StepResults),
			sr.Duration.Round(time.Millisecond),
		})
	}
	t.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d passed, %d failed, %d errors, %d skipped",
			res.PassedScenarios, res.FailedScenarios, res.ErrorScenarios, res.SkippedScenarios),
		"",
		res.Duration.Round(time.Millisecond),
	})

	fmt.Fprintln(r.out)
	t.Render()
	return nil
}

// JSONReporter writes the suite result to a file once the run completes.
type JSONReporter struct {
	path string
}

// NewJSONReporter creates a reporter writing to path.
func NewJSONReporter(path string) *JSONReporter {
	return &JSONReporter{path: path}
}

func (r *JSONReporter) ReportStart(string, []Scenario)      {}
func (r *JSONReporter) ReportStepResult(StepResult)         {}
func (r *JSONReporter) ReportScenarioResult(ScenarioResult) {}

func (r *JSONReporter) ReportSuiteResult(res SuiteResult) error {
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report %s: %w", r.path, err)
	}
	return nil
}

// MultiReporter forwards to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) ReportStart(topology string, scenarios []Scenario) {
	for _, r := range m {
		r.ReportStart(topology, scenarios)
	}
}

func (m MultiReporter) ReportStepResult(res StepResult) {
	for _, r := range m {
		r.ReportStepResult(res)
	}
}

func (m MultiReporter) ReportScenarioResult(res ScenarioResult) {
	for _, r := range m {
		r.ReportScenarioResult(res)
	}
}

// ReportSuiteResult returns the first reporter error.
func (m MultiReporter) ReportSuiteResult(res SuiteResult) error {
	var first error
	for _, r := range m {
		if err := r.ReportSuiteResult(res); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func resultSymbol(r Result) string {
	switch r {
	case ResultPassed:
		return text.FgGreen.Sprint("✓")
	case ResultFailed:
		return text.FgRed.Sprint("✗")
	case ResultSkipped:
		return text.FgYellow.Sprint("○")
	default:
		return text.FgHiRed.Sprint("!")
	}
}

func colorResult(r Result) string {
	switch r {
	case ResultPassed:
		return text.FgGreen.Sprint(r)
	case ResultSkipped:
		return text.FgYellow.Sprint(r)
	default:
		return text.FgRed.Sprint(r)
	}
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n"+prefix)
}
