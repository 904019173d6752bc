package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/detect"
	"github.com/open-fiscus/fiscus/internal/sources"
)

// Task result statuses.
const (
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
	TaskTimedOut  = "timed-out"
	TaskCancelled = "cancelled"
)

// Stage policy modes.
const (
	PolicyRequireAll    = "require-all"
	PolicyRequireQuorum = "require-quorum"
	PolicyBestEffort    = "best-effort"
)

// Policy decides whether a stage counts as satisfied given how many of its
// tasks succeeded.
type Policy struct {
	Mode   string `json:"mode"`
	Quorum int    `json:"quorum,omitempty"`
}

func RequireAll() Policy         { return Policy{Mode: PolicyRequireAll} }
func RequireQuorum(n int) Policy { return Policy{Mode: PolicyRequireQuorum, Quorum: n} }
func BestEffort() Policy         { return Policy{Mode: PolicyBestEffort} }

func (p Policy) met(succeeded, total int) bool {
	switch p.Mode {
	case PolicyRequireAll:
		return succeeded == total
	case PolicyRequireQuorum:
		return succeeded >= p.Quorum
	case PolicyBestEffort:
		return true
	default:
		return false
	}
}

func (p Policy) validate(total int) error {
	switch p.Mode {
	case PolicyRequireAll, PolicyBestEffort:
		return nil
	case PolicyRequireQuorum:
		if p.Quorum < 1 || p.Quorum > total {
			return fmt.Errorf("quorum %d out of range for %d tasks", p.Quorum, total)
		}
		return nil
	default:
		return fmt.Errorf("unknown stage policy %q", p.Mode)
	}
}

// Task is one worker evaluation inside a stage. Index is the task's declared
// position and doubles as the address findings are reported under, so the
// slice order a planner declares is the order results come back in.
type Task struct {
	Index    int
	Worker   detect.Worker
	Batch    sources.RecordBatch
	Snapshot detect.Snapshot
	Timeout  time.Duration // falls back to the dispatcher default when zero
}

// TaskResult is the outcome of one task. Findings are only populated on
// success; a timed-out or failed worker contributes nothing partial.
type TaskResult struct {
	Index    int              `json:"index"`
	WorkerID string           `json:"worker_id"`
	Status   string           `json:"status"`
	Findings []detect.Finding `json:"findings,omitempty"`
	Err      error            `json:"-"`
	Elapsed  time.Duration    `json:"elapsed"`
}

// Stage is a batch of tasks dispatched together under one policy.
type Stage struct {
	Name   string
	Tasks  []Task
	Policy Policy
}

// StageResult reports every task outcome in declared order plus the policy
// verdict. Completed findings survive even when the stage as a whole is not
// satisfied.
type StageResult struct {
	Name      string        `json:"name"`
	Results   []TaskResult  `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	TimedOut  int           `json:"timed_out"`
	Cancelled int           `json:"cancelled"`
	Met       bool          `json:"met"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Dispatcher fans a stage's tasks out over the shared pool, enforces
// per-task deadlines and a stage ceiling, and reassembles results in
// declared task order.
type Dispatcher struct {
	pool        *Pool
	taskTimeout time.Duration
	stageSlack  time.Duration
	logger      *log.Logger
	taskSeconds metric.Float64Histogram
}

func NewDispatcher(pool *Pool, cfg config.WorkersConfig) *Dispatcher {
	d := &Dispatcher{
		pool:        pool,
		taskTimeout: cfg.TaskTimeout,
		stageSlack:  cfg.StageSlack,
		logger:      log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
	var err error
	if d.taskSeconds, err = otel.Meter("fiscus/dispatch").Float64Histogram("dispatch_task_seconds",
		metric.WithDescription("Worker task wall time")); err != nil {
		d.logger.Printf("warn: task histogram unavailable: %v", err)
	}
	return d
}

// Run executes one stage. The returned error covers malformed stages only;
// worker failures, timeouts, and an unmet policy are all reported through
// the StageResult so the caller can decide between reflection and abort.
func (d *Dispatcher) Run(ctx context.Context, stage Stage) (StageResult, error) {
	out := StageResult{Name: stage.Name}
	if len(stage.Tasks) == 0 {
		return out, fmt.Errorf("stage %s has no tasks", stage.Name)
	}
	if err := stage.Policy.validate(len(stage.Tasks)); err != nil {
		return out, fmt.Errorf("stage %s: %w", stage.Name, err)
	}
	for i, task := range stage.Tasks {
		if task.Worker == nil {
			return out, fmt.Errorf("stage %s: task %d has no worker", stage.Name, i)
		}
		if task.Index != i {
			return out, fmt.Errorf("stage %s: task at position %d declares index %d", stage.Name, i, task.Index)
		}
	}

	// Stage ceiling: the longest per-task deadline plus slack, so a stuck
	// worker cannot hold the stage open past its budget.
	stageCtx, cancel := context.WithTimeout(ctx, d.stageCeiling(stage))
	defer cancel()

	start := time.Now()
	out.Results = make([]TaskResult, len(stage.Tasks))

	g, gctx := errgroup.WithContext(stageCtx)
	for _, task := range stage.Tasks {
		task := task
		g.Go(func() error {
			out.Results[task.Index] = d.runTask(gctx, task)
			return nil
		})
	}
	_ = g.Wait() // task outcomes live in Results, never in group errors

	out.Elapsed = time.Since(start)
	for _, res := range out.Results {
		switch res.Status {
		case TaskSucceeded:
			out.Succeeded++
		case TaskTimedOut:
			out.TimedOut++
		case TaskCancelled:
			out.Cancelled++
		default:
			out.Failed++
		}
	}
	out.Met = stage.Policy.met(out.Succeeded, len(stage.Tasks))

	d.logger.Printf("stage %s: %d/%d succeeded (timed-out=%d failed=%d cancelled=%d met=%v) in %s",
		stage.Name, out.Succeeded, len(stage.Tasks), out.TimedOut, out.Failed, out.Cancelled, out.Met, out.Elapsed)
	return out, nil
}

func (d *Dispatcher) stageCeiling(stage Stage) time.Duration {
	longest := time.Duration(0)
	for _, task := range stage.Tasks {
		timeout := task.Timeout
		if timeout <= 0 {
			timeout = d.taskTimeout
		}
		if timeout > longest {
			longest = timeout
		}
	}
	return longest + d.stageSlack
}

func (d *Dispatcher) runTask(ctx context.Context, task Task) TaskResult {
	res := TaskResult{Index: task.Index, WorkerID: task.Worker.ID()}
	start := time.Now()

	if err := d.pool.Acquire(ctx); err != nil {
		res.Status = classify(err)
		res.Err = err
		res.Elapsed = time.Since(start)
		return res
	}
	defer d.pool.Release()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = d.taskTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	findings, err := d.evaluate(taskCtx, task)
	res.Elapsed = time.Since(start)
	if d.taskSeconds != nil {
		d.taskSeconds.Record(ctx, res.Elapsed.Seconds())
	}
	if err != nil {
		res.Status = classify(err)
		res.Err = err
		d.logger.Printf("task %d (%s): %s after %s: %v", task.Index, res.WorkerID, res.Status, res.Elapsed, err)
		return res
	}
	res.Status = TaskSucceeded
	res.Findings = findings
	return res
}

// evaluate runs the worker behind a channel so the task deadline holds even
// against a worker that never checks its context; an abandoned worker keeps
// running until it observes ctx, but its result is discarded either way.
func (d *Dispatcher) evaluate(ctx context.Context, task Task) ([]detect.Finding, error) {
	type outcome struct {
		findings []detect.Finding
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("worker %s panicked: %v", task.Worker.ID(), r)}
			}
		}()
		findings, err := task.Worker.Evaluate(ctx, task.Batch, task.Snapshot)
		done <- outcome{findings: findings, err: err}
	}()
	select {
	case o := <-done:
		return o.findings, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return TaskTimedOut
	case errors.Is(err, context.Canceled):
		return TaskCancelled
	default:
		return TaskFailed
	}
}
