package scenario

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"testbed/internal/cluster"
	"testbed/internal/session"
	"testbed/pkg/logging"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const runnerSubsystem = "Runner"

// errFailFast is recorded for scenarios not started after a failure.
var errFailFast = errors.New("not run after an earlier failure (fail-fast)")

// Config controls a run.
type Config struct {
	// Parallel is the number of scenarios run at the same time
	Parallel int
	// FailFast stops starting scenarios after the first failure
	FailFast bool
	// UpTimeout bounds the topology bring-up. Zero means the cluster default.
	UpTimeout time.Duration
	// Vars override scenario variables
	Vars map[string]string
}

// Runner runs scenarios against a cluster.
type Runner struct {
	cluster  *cluster.Cluster
	reporter Reporter
	cfg      Config
}

// NewRunner creates a runner.
func NewRunner(c *cluster.Cluster, reporter Reporter, cfg Config) *Runner {
	return &Runner{cluster: c, reporter: reporter, cfg: cfg}
}

type indexedResult struct {
	index  int
	result ScenarioResult
}

// Run brings the topology up once and runs the scenarios. A bring-up
// failure is returned as is, before any scenario starts. Scenario failures
// are reported in the result, not as an error.
func (r *Runner) Run(ctx context.Context, scenarios []Scenario) (*SuiteResult, error) {
	suite := &SuiteResult{
		RunID:          uuid.NewString(),
		Topology:       r.cluster.Descriptor().Name,
		StartTime:      time.Now(),
		TotalScenarios: len(scenarios),
	}

	logging.Info(runnerSubsystem, "Run %s: bringing up topology %s", suite.RunID, suite.Topology)
	if err := r.cluster.Up(ctx, r.cfg.UpTimeout); err != nil {
		return nil, err
	}
	r.reporter.ReportStart(suite.Topology, scenarios)

	var results []ScenarioResult
	if r.cfg.Parallel > 1 && len(scenarios) > 1 {
		results = r.runParallel(ctx, scenarios)
	} else {
		results = r.runSequential(ctx, scenarios)
	}
	for _, res := range results {
		suite.add(res)
	}

	suite.EndTime = time.Now()
	suite.Duration = suite.EndTime.Sub(suite.StartTime)
	return suite, r.reporter.ReportSuiteResult(*suite)
}

func (r *Runner) runSequential(ctx context.Context, scenarios []Scenario) []ScenarioResult {
	results := make([]ScenarioResult, 0, len(scenarios))
	stopped := false
	for _, s := range scenarios {
		var res ScenarioResult
		if stopped {
			res = notRun(s, errFailFast)
		} else {
			res = r.runScenario(ctx, s)
			stopped = r.cfg.FailFast && failed(res)
		}
		r.reporter.ReportScenarioResult(res)
		results = append(results, res)
	}
	return results
}

// runParallel runs scenarios on a pool of r.cfg.Parallel goroutines. Results
// are reported as they complete and returned in input order.
func (r *Runner) runParallel(ctx context.Context, scenarios []Scenario) []ScenarioResult {
	queue := make(chan int, len(scenarios))
	for i := range scenarios {
		queue <- i
	}
	close(queue)

	resultChan := make(chan indexedResult, len(scenarios))
	var stop atomic.Bool

	numWorkers := min(r.cfg.Parallel, len(scenarios))
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				s := scenarios[i]
				if stop.Load() {
					resultChan <- indexedResult{i, notRun(s, errFailFast)}
					continue
				}
				logging.Debug(runnerSubsystem, "Pool goroutine %d running scenario %s", w, s.Name)
				res := r.runScenario(ctx, s)
				if r.cfg.FailFast && failed(res) {
					stop.Store(true)
				}
				resultChan <- indexedResult{i, res}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	collected := make([]indexedResult, 0, len(scenarios))
	for ir := range resultChan {
		r.reporter.ReportScenarioResult(ir.result)
		collected = append(collected, ir)
	}

	sort.Slice(collected, func(a, b int) bool { return collected[a].index < collected[b].index })
	results := make([]ScenarioResult, len(collected))
	for i, ir := range collected {
		results[i] = ir.result
	}
	return results
}

// runScenario fans the steps out over the scenario's workers. Each worker
// runs every step Repeat times in its own sessions; the first failing step
// cancels the other workers. Cleanup steps run afterwards in a fresh worker
// even when the steps failed or the run was cancelled.
func (r *Runner) runScenario(ctx context.Context, s Scenario) ScenarioResult {
	res := ScenarioResult{Scenario: s, StartTime: time.Now()}
	defer func() {
		res.EndTime = time.Now()
		res.Duration = res.EndTime.Sub(res.StartTime)
	}()

	if s.Skip {
		res.Result = ResultSkipped
		return res
	}

	logging.Info(runnerSubsystem, "Running scenario %s", s.Name)

	runCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	workers := max(1, s.Workers)
	repeat := max(1, s.Repeat)

	var mu sync.Mutex
	record := func(sr StepResult) {
		mu.Lock()
		res.StepResults = append(res.StepResults, sr)
		mu.Unlock()
		r.reporter.ReportStepResult(sr)
	}

	var cleanupVars map[string]string
	g, gctx := errgroup.WithContext(runCtx)
	for w := 1; w <= workers; w++ {
		g.Go(func() error {
			worker := r.cluster.NewWorker(gctx, fmt.Sprintf("w%d", w))
			defer worker.Close()

			vars := mergeVars(s.Vars, r.cfg.Vars)
			if w == 1 {
				defer func() {
					mu.Lock()
					cleanupVars = vars
					mu.Unlock()
				}()
			}

			for it := 1; it <= repeat; it++ {
				data := TemplateData{Scenario: s.Name, Worker: w, Iteration: it, Vars: vars}
				for _, step := range s.Steps {
					if err := gctx.Err(); err != nil {
						return err
					}
					sr, err := r.runStep(worker.Context(), step, data)
					sr.Scenario, sr.Worker, sr.Iteration = s.Name, w, it
					record(sr)
					if err != nil {
						return fmt.Errorf("worker %d iteration %d: %w", w, it, err)
					}
				}
			}
			return nil
		})
	}
	err := g.Wait()

	if len(s.Cleanup) > 0 {
		if cerr := r.runCleanup(context.WithoutCancel(ctx), s, mergeVars(s.Vars, r.cfg.Vars, cleanupVars), record); cerr != nil && err == nil {
			err = fmt.Errorf("cleanup: %w", cerr)
		}
	}

	if err != nil {
		res.Result = classify(err)
		res.Error = err.Error()
		logging.Warn(runnerSubsystem, "Scenario %s %s: %v", s.Name, strings.ToLower(string(res.Result)), err)
		return res
	}
	res.Result = ResultPassed
	return res
}

// runCleanup runs every cleanup step and returns the first failure.
func (r *Runner) runCleanup(ctx context.Context, s Scenario, vars map[string]string, record func(StepResult)) error {
	worker := r.cluster.NewWorker(ctx, "cleanup")
	defer worker.Close()

	data := TemplateData{Scenario: s.Name, Vars: vars}
	var first error
	for _, step := range s.Cleanup {
		sr, err := r.runStep(worker.Context(), step, data)
		sr.Scenario, sr.Cleanup = s.Name, true
		record(sr)
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// runStep renders and runs one step. Output is stored in data.Vars when the
// step asks for it.
func (r *Runner) runStep(ctx context.Context, step Step, data TemplateData) (StepResult, error) {
	sr := StepResult{Step: step.Label(), Node: step.Node}
	start := time.Now()

	fail := func(err error) (StepResult, error) {
		sr.Duration = time.Since(start)
		sr.Result = classify(err)
		sr.Error = err.Error()
		return sr, fmt.Errorf("step %q: %w", step.Label(), err)
	}

	node, err := r.node(step.Node)
	if err != nil {
		return fail(err)
	}

	var res cluster.CommandResult
	if step.Query != "" {
		sql, err := Render(step.Query, data)
		if err != nil {
			return fail(err)
		}
		sr.Command = sql
		settings := step.querySettings()
		for i := range settings {
			if settings[i].Value, err = Render(settings[i].Value, data); err != nil {
				return fail(err)
			}
		}
		res, err = node.Query(ctx, sql, cluster.QueryOptions{
			ExecOptions:      step.execOptions(),
			Settings:         settings,
			RaiseOnException: !step.ExpectError,
		})
		sr.ExitCode, sr.Output = res.ExitCode, res.Output
		if err != nil {
			return fail(err)
		}
	} else {
		command, err := Render(step.Command, data)
		if err != nil {
			return fail(err)
		}
		sr.Command = command
		res, err = node.Execute(ctx, command, step.execOptions())
		sr.ExitCode, sr.Output = res.ExitCode, res.Output
		if err != nil {
			return fail(err)
		}
	}

	if step.Store != "" {
		data.Vars[step.Store] = strings.TrimSpace(res.Output)
	}
	sr.Duration = time.Since(start)
	sr.Result = ResultPassed
	return sr, nil
}

func (r *Runner) node(name string) (*cluster.NodeProxy, error) {
	if name == "" || name == LocalNode {
		return r.cluster.Local(), nil
	}
	return r.cluster.Node(name)
}

// classify tells expectation failures from errors that kept a step from
// running at all.
func classify(err error) Result {
	switch {
	case errors.Is(err, cluster.ErrCommandFailure),
		errors.Is(err, cluster.ErrQueryRuntime),
		errors.Is(err, session.ErrTimeout),
		errors.Is(err, session.ErrConnection),
		errors.Is(err, context.DeadlineExceeded):
		return ResultFailed
	default:
		return ResultError
	}
}

func failed(res ScenarioResult) bool {
	return res.Result == ResultFailed || res.Result == ResultError
}

func notRun(s Scenario, reason error) ScenarioResult {
	now := time.Now()
	return ScenarioResult{
		Scenario:  s,
		Result:    ResultSkipped,
		StartTime: now,
		EndTime:   now,
		Error:     reason.Error(),
	}
}
