package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/detect"
	"github.com/open-fiscus/fiscus/internal/sources"
)

type stubWorker struct {
	id       string
	findings []detect.Finding
	err      error
	delay    time.Duration
	sleep    time.Duration // plain sleep that ignores the context
	gauge    *gauge
}

func (w stubWorker) ID() string       { return w.id }
func (w stubWorker) Describe() string { return "stub worker " + w.id }

func (w stubWorker) Evaluate(ctx context.Context, _ sources.RecordBatch, _ detect.Snapshot) ([]detect.Finding, error) {
	if w.gauge != nil {
		w.gauge.enter()
		defer w.gauge.exit()
	}
	if w.sleep > 0 {
		time.Sleep(w.sleep)
	}
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.findings, nil
}

type gauge struct {
	mu   sync.Mutex
	cur  int
	peak int
}

func (g *gauge) enter() {
	g.mu.Lock()
	g.cur++
	if g.cur > g.peak {
		g.peak = g.cur
	}
	g.mu.Unlock()
}

func (g *gauge) exit() {
	g.mu.Lock()
	g.cur--
	g.mu.Unlock()
}

func (g *gauge) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func newTestDispatcher(poolSize int, taskTimeout, slack time.Duration) *Dispatcher {
	return NewDispatcher(NewPool(poolSize), config.WorkersConfig{
		MaxConcurrent: poolSize,
		TaskTimeout:   taskTimeout,
		StageSlack:    slack,
	})
}

func stageOf(policy Policy, workers ...stubWorker) Stage {
	tasks := make([]Task, len(workers))
	for i, w := range workers {
		tasks[i] = Task{Index: i, Worker: w}
	}
	return Stage{Name: "stage-0", Tasks: tasks, Policy: policy}
}

func finding(worker, category string) detect.Finding {
	return detect.Finding{Worker: worker, Category: category, Severity: 0.5, Confidence: 0.5}
}

func TestRunKeepsDeclaredOrder(t *testing.T) {
	d := newTestDispatcher(4, time.Second, time.Second)

	// Completion order is the reverse of declared order; results must not be.
	stage := stageOf(RequireAll(),
		stubWorker{id: "w0", delay: 80 * time.Millisecond, findings: []detect.Finding{finding("w0", "a")}},
		stubWorker{id: "w1", delay: 50 * time.Millisecond, findings: []detect.Finding{finding("w1", "b")}},
		stubWorker{id: "w2", delay: 20 * time.Millisecond, findings: []detect.Finding{finding("w2", "c")}},
		stubWorker{id: "w3", findings: []detect.Finding{finding("w3", "d")}},
	)
	res, err := d.Run(context.Background(), stage)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Met {
		t.Fatal("expected require-all stage to be met")
	}
	for i, want := range []string{"w0", "w1", "w2", "w3"} {
		if res.Results[i].WorkerID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, res.Results[i].WorkerID)
		}
		if res.Results[i].Status != TaskSucceeded {
			t.Fatalf("position %d: expected succeeded, got %s", i, res.Results[i].Status)
		}
		if res.Results[i].Index != i {
			t.Fatalf("position %d: index %d", i, res.Results[i].Index)
		}
	}
}

func TestQuorumSurvivesOneTimeout(t *testing.T) {
	d := newTestDispatcher(3, 80*time.Millisecond, 200*time.Millisecond)

	stage := stageOf(RequireQuorum(2),
		stubWorker{id: "fast-a", findings: []detect.Finding{finding("fast-a", "a")}},
		stubWorker{id: "fast-b", findings: []detect.Finding{finding("fast-b", "b")}},
		stubWorker{id: "slow", delay: 2 * time.Second},
	)
	res, err := d.Run(context.Background(), stage)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Met {
		t.Fatal("quorum of 2 should be met with one timeout")
	}
	if res.Succeeded != 2 || res.TimedOut != 1 {
		t.Fatalf("expected 2 succeeded and 1 timed-out, got %+v", res)
	}
	if res.Results[2].Status != TaskTimedOut {
		t.Fatalf("slow worker should be timed-out, got %s", res.Results[2].Status)
	}
	if res.Results[2].Findings != nil {
		t.Fatal("timed-out task must not carry findings")
	}
}

func TestRequireAllUnmetOnWorkerError(t *testing.T) {
	d := newTestDispatcher(2, time.Second, time.Second)

	boom := errors.New("source unreachable")
	stage := stageOf(RequireAll(),
		stubWorker{id: "ok", findings: []detect.Finding{finding("ok", "a")}},
		stubWorker{id: "bad", err: boom},
	)
	res, err := d.Run(context.Background(), stage)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Met {
		t.Fatal("require-all must not be met with a failed task")
	}
	if res.Results[1].Status != TaskFailed {
		t.Fatalf("expected failed, got %s", res.Results[1].Status)
	}
	if !errors.Is(res.Results[1].Err, boom) {
		t.Fatalf("expected original error preserved, got %v", res.Results[1].Err)
	}
	// The healthy task's findings survive the unmet policy.
	if diff := cmp.Diff([]detect.Finding{finding("ok", "a")}, res.Results[0].Findings); diff != "" {
		t.Fatalf("findings mismatch (-want +got):\n%s", diff)
	}
}

func TestBestEffortIsAlwaysMet(t *testing.T) {
	d := newTestDispatcher(2, time.Second, time.Second)

	stage := stageOf(BestEffort(),
		stubWorker{id: "bad-a", err: errors.New("no data")},
		stubWorker{id: "bad-b", err: errors.New("no data")},
	)
	res, err := d.Run(context.Background(), stage)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Met {
		t.Fatal("best-effort stage must be met regardless of outcomes")
	}
	if res.Failed != 2 {
		t.Fatalf("expected 2 failed, got %d", res.Failed)
	}
}

func TestPoolBoundsConcurrentEvaluations(t *testing.T) {
	g := &gauge{}
	d := newTestDispatcher(2, time.Second, time.Second)

	workers := make([]stubWorker, 6)
	for i := range workers {
		workers[i] = stubWorker{id: "w", delay: 30 * time.Millisecond, gauge: g}
	}
	stage := stageOf(RequireAll(), workers...)
	if _, err := d.Run(context.Background(), stage); err != nil {
		t.Fatalf("run: %v", err)
	}
	if g.max() > 2 {
		t.Fatalf("pool of 2 allowed %d concurrent evaluations", g.max())
	}
}

func TestCancelPreservesCompletedResults(t *testing.T) {
	d := newTestDispatcher(3, 10*time.Second, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(80 * time.Millisecond)
		cancel()
	}()

	stage := stageOf(BestEffort(),
		stubWorker{id: "done", findings: []detect.Finding{finding("done", "a")}},
		stubWorker{id: "pending-a", delay: 10 * time.Second},
		stubWorker{id: "pending-b", delay: 10 * time.Second},
	)
	res, err := d.Run(ctx, stage)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Results[0].Status != TaskSucceeded {
		t.Fatalf("completed task lost on cancel: %s", res.Results[0].Status)
	}
	if diff := cmp.Diff([]detect.Finding{finding("done", "a")}, res.Results[0].Findings); diff != "" {
		t.Fatalf("completed findings mismatch (-want +got):\n%s", diff)
	}
	for _, i := range []int{1, 2} {
		if res.Results[i].Status != TaskCancelled {
			t.Fatalf("task %d: expected cancelled, got %s", i, res.Results[i].Status)
		}
	}
	if res.Cancelled != 2 || res.Succeeded != 1 {
		t.Fatalf("unexpected tallies: %+v", res)
	}
}

func TestDeadlineHoldsAgainstNonCooperativeWorker(t *testing.T) {
	d := newTestDispatcher(1, 50*time.Millisecond, 50*time.Millisecond)

	stage := stageOf(BestEffort(),
		stubWorker{id: "stuck", sleep: 2 * time.Second},
	)
	start := time.Now()
	res, err := d.Run(context.Background(), stage)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stage held open by a worker ignoring its context: %s", elapsed)
	}
	if res.Results[0].Status != TaskTimedOut {
		t.Fatalf("expected timed-out, got %s", res.Results[0].Status)
	}
}

func TestRunRejectsMalformedStages(t *testing.T) {
	d := newTestDispatcher(1, time.Second, time.Second)
	ctx := context.Background()

	if _, err := d.Run(ctx, Stage{Name: "empty"}); err == nil {
		t.Fatal("expected error for stage without tasks")
	}

	misindexed := Stage{
		Name:   "misindexed",
		Policy: RequireAll(),
		Tasks:  []Task{{Index: 3, Worker: stubWorker{id: "w"}}},
	}
	if _, err := d.Run(ctx, misindexed); err == nil {
		t.Fatal("expected error for task index mismatch")
	}

	badQuorum := stageOf(RequireQuorum(5), stubWorker{id: "w"})
	if _, err := d.Run(ctx, badQuorum); err == nil {
		t.Fatal("expected error for quorum above task count")
	}

	badPolicy := stageOf(Policy{Mode: "majority"}, stubWorker{id: "w"})
	if _, err := d.Run(ctx, badPolicy); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
