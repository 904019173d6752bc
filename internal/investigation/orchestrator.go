package investigation

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/detect"
	"github.com/open-fiscus/fiscus/internal/dispatch"
	"github.com/open-fiscus/fiscus/internal/memory"
	"github.com/open-fiscus/fiscus/internal/sources"
)

// Orchestrator drives one investigation through its lifecycle: classify,
// plan, dispatch, evaluate, reflect while the budget lasts, then finalize.
// Worker trouble is contained at stage level; an investigation can only
// fail before the first dispatch or while persisting the final report.
type Orchestrator struct {
	cfg        config.InvestigationConfig
	router     *Router
	planner    *Planner
	dispatcher *dispatch.Dispatcher
	provider   sources.Provider
	episodic   memory.Episodic
	semantic   memory.Semantic
	persist    Persistence

	// OnUpdate receives a snapshot after every visible change; the service
	// serves status reads from these instead of the live struct.
	OnUpdate func(Investigation)

	logger     *log.Logger
	tracer     trace.Tracer
	runSeconds metric.Float64Histogram
	finished   metric.Int64Counter
}

func NewOrchestrator(
	cfg config.InvestigationConfig,
	router *Router,
	planner *Planner,
	dispatcher *dispatch.Dispatcher,
	provider sources.Provider,
	episodic memory.Episodic,
	semantic memory.Semantic,
	persist Persistence,
) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		router:     router,
		planner:    planner,
		dispatcher: dispatcher,
		provider:   provider,
		episodic:   episodic,
		semantic:   semantic,
		persist:    persist,
		logger:     log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		tracer:     otel.Tracer("fiscus/investigation"),
	}
	meter := otel.Meter("fiscus/investigation")
	var err error
	if o.runSeconds, err = meter.Float64Histogram("investigation_run_seconds",
		metric.WithDescription("Wall time to a terminal state")); err != nil {
		o.logger.Printf("warn: run histogram unavailable: %v", err)
	}
	if o.finished, err = meter.Int64Counter("investigations_finished_total",
		metric.WithDescription("Investigations reaching a terminal state")); err != nil {
		o.logger.Printf("warn: finished counter unavailable: %v", err)
	}
	return o
}

// Run executes inv to a terminal state. The returned error is nil for
// completed, the causal error for failed, and the context error when the
// run was cancelled; inv reflects the terminal state either way.
func (o *Orchestrator) Run(ctx context.Context, inv *Investigation) error {
	if inv.State != StateCreated {
		return fmt.Errorf("investigation %s is already %s", inv.ID, inv.State)
	}
	ctx, span := o.tracer.Start(ctx, "investigation.run",
		trace.WithAttributes(attribute.String("investigation.id", inv.ID)))
	defer span.End()
	start := time.Now()
	defer func() {
		if o.runSeconds != nil {
			o.runSeconds.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
		}
		if o.finished != nil {
			o.finished.Add(context.WithoutCancel(ctx), 1,
				metric.WithAttributes(attribute.String("state", string(inv.State))))
		}
	}()

	if err := o.transition(ctx, inv, StatePlanning); err != nil {
		return err
	}

	inv.Classification = o.router.Classify(ctx, inv.Query)
	span.SetAttributes(attribute.String("investigation.intent", string(inv.Classification.Intent)))
	if inv.Classification.Degraded {
		inv.addFlag(FlagDegradedClassification)
		inv.Errors = append(inv.Errors, ErrClassificationDegraded.Error())
	}
	if ctx.Err() != nil {
		return o.cancelled(ctx, inv)
	}

	plan, err := o.planner.Plan(ctx, inv.Query, inv.Classification)
	if err != nil {
		return o.fail(ctx, inv, err)
	}

	batch, err := o.provider.Fetch(ctx, plan.Params)
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelled(ctx, inv)
		}
		return o.fail(ctx, inv, fmt.Errorf("%w: fetch: %v", ErrPlanningExhausted, err))
	}
	o.noteDegradedBatch(inv, batch)

	reason := "initial"
	for {
		if err := o.transition(ctx, inv, StateDispatching); err != nil {
			return err
		}
		result, runErr := o.dispatcher.Run(ctx, o.buildStage(inv, plan, batch))
		if runErr != nil {
			// A malformed stage is a planner bug; settle the round as
			// yielding nothing instead of breaking the state machine.
			o.logger.Printf("stage dispatch error for %s: %v", inv.ID, runErr)
			inv.Errors = append(inv.Errors, runErr.Error())
		}

		rec := StageRecord{
			Index:  len(inv.Stages),
			Reason: reason,
			Plan:   plan,
			Result: result,
		}
		rec.Confidence = aggregateConfidence(o.cfg.ConfidencePolicy, stageConfidences(result))
		inv.Stages = append(inv.Stages, rec)
		for _, tr := range result.Results {
			if tr.Status == dispatch.TaskFailed && tr.Err != nil {
				inv.Errors = append(inv.Errors, fmt.Sprintf("%s: %s: %v", ErrWorkerFailure.Error(), tr.WorkerID, tr.Err))
			}
		}
		o.record(ctx, inv, "stage-completed",
			fmt.Sprintf("stage %d (%s): %d/%d succeeded, confidence %.2f",
				rec.Index, reason, result.Succeeded, len(result.Results), rec.Confidence),
			map[string]string{"stage": fmt.Sprint(rec.Index), "policy": plan.Policy.Mode})

		if err := o.transition(ctx, inv, StateEvaluating); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return o.cancelled(ctx, inv)
		}

		// An unmet dispatch policy is informational, not a hard stop: the
		// losses surface through the partial flag and the error list, and
		// confidence alone decides whether the evidence is enough to close.
		if !result.Met {
			inv.Errors = append(inv.Errors, fmt.Sprintf("%s: stage %d %s policy unmet (%d/%d succeeded)",
				ErrStageExhausted.Error(), rec.Index, plan.Policy.Mode, result.Succeeded, len(result.Results)))
		}
		overall := aggregateConfidence(o.cfg.ConfidencePolicy, investigationConfidences(inv.Stages))
		if overall >= o.cfg.ConfidenceThreshold {
			break
		}
		if inv.Reflections >= o.cfg.MaxReflections {
			break
		}

		if err := o.transition(ctx, inv, StateReflecting); err != nil {
			return err
		}
		inv.Reflections++
		reason = fmt.Sprintf("reflection-%d", inv.Reflections)
		plan = o.planner.Reflect(plan)
		o.record(ctx, inv, "reflection",
			fmt.Sprintf("round %d: widened to %d workers", inv.Reflections, len(plan.WorkerIDs)), nil)

		wider, fetchErr := o.provider.Fetch(ctx, plan.Params)
		switch {
		case fetchErr == nil:
			o.noteDegradedBatch(inv, wider)
			batch = wider
		case ctx.Err() != nil:
			return o.cancelled(ctx, inv)
		default:
			// Keep detecting on the narrower batch rather than aborting.
			o.logger.Printf("warn: widened fetch failed for %s, keeping previous batch: %v", inv.ID, fetchErr)
			inv.Errors = append(inv.Errors, "widened fetch failed: "+fetchErr.Error())
		}
	}

	return o.finalize(ctx, inv)
}

func (o *Orchestrator) finalize(ctx context.Context, inv *Investigation) error {
	if err := o.transition(ctx, inv, StateFinalizing); err != nil {
		return err
	}

	o.mergeFindings(inv)
	inv.Confidence = aggregateConfidence(o.cfg.ConfidencePolicy, investigationConfidences(inv.Stages))
	if inv.Confidence < o.cfg.ConfidenceThreshold {
		inv.addFlag(FlagLowConfidence)
	}
	if hasIncompleteStage(inv) {
		inv.addFlag(FlagPartial)
	}

	o.writeSummary(ctx, inv)
	o.record(ctx, inv, "finalized",
		fmt.Sprintf("%d findings, confidence %.2f, flags %v", len(inv.Findings), inv.Confidence, inv.Flags), nil)

	// The stored report carries the completed state; the in-memory state
	// follows only once the save sticks.
	inv.Version++
	now := time.Now()
	inv.FinishedAt = &now
	final := *inv
	final.State = StateCompleted
	if err := o.save(ctx, &final); err != nil {
		return o.fail(ctx, inv, fmt.Errorf("%w: %v", ErrPersistence, err))
	}
	return o.transition(ctx, inv, StateCompleted)
}

// save retries the final write on a fixed backoff. It runs detached from
// the caller's cancellation so a cancelled run can still leave its record.
func (o *Orchestrator) save(ctx context.Context, inv *Investigation) error {
	if o.persist == nil {
		return nil
	}
	pctx := context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt <= o.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(o.cfg.PersistBackoff)
		}
		if err = o.persist.SaveInvestigation(pctx, inv); err == nil {
			return nil
		}
		o.logger.Printf("warn: save %s attempt %d/%d failed: %v", inv.ID, attempt+1, o.cfg.PersistRetries+1, err)
	}
	return err
}

// fail is reachable from planning and finalizing only; the transition
// table rejects it anywhere else.
func (o *Orchestrator) fail(ctx context.Context, inv *Investigation, cause error) error {
	inv.Errors = append(inv.Errors, cause.Error())
	if err := o.transition(ctx, inv, StateFailed); err != nil {
		o.logger.Printf("error: %v (original cause: %v)", err, cause)
		return cause
	}
	now := time.Now()
	inv.FinishedAt = &now
	o.notify(inv)
	return cause
}

// cancelled settles a run that lost its context: findings from completed
// stages are merged and kept, the cancelled record is written with a
// detached context, and the caller gets the context error back.
func (o *Orchestrator) cancelled(ctx context.Context, inv *Investigation) error {
	cause := ctx.Err()
	base := context.WithoutCancel(ctx)

	o.mergeFindings(inv)
	inv.Confidence = aggregateConfidence(o.cfg.ConfidencePolicy, investigationConfidences(inv.Stages))
	inv.addFlag(FlagCancelled)

	prev := inv.State
	inv.State = StateCancelled
	now := time.Now()
	inv.UpdatedAt = now
	inv.FinishedAt = &now
	o.logger.Printf("investigation %s cancelled during %s (%d findings kept)", inv.ID, prev, len(inv.Findings))
	o.record(base, inv, "cancelled", "cancelled during "+string(prev), nil)

	inv.Version++
	if err := o.save(base, inv); err != nil {
		o.logger.Printf("warn: cancelled record for %s not persisted: %v", inv.ID, err)
	}
	o.notify(inv)
	return cause
}

func (o *Orchestrator) transition(ctx context.Context, inv *Investigation, next State) error {
	if !inv.State.canReach(next) {
		return fmt.Errorf("illegal transition %s -> %s for %s", inv.State, next, inv.ID)
	}
	prev := inv.State
	inv.State = next
	inv.UpdatedAt = time.Now()
	o.logger.Printf("investigation %s: %s -> %s", inv.ID, prev, next)
	o.record(ctx, inv, "transition", string(prev)+" -> "+string(next), nil)
	o.notify(inv)
	return nil
}

func (o *Orchestrator) notify(inv *Investigation) {
	if o.OnUpdate != nil {
		o.OnUpdate(*inv)
	}
}

// record appends to the episodic history; memory writes stay on the
// orchestrator so workers never touch shared state.
func (o *Orchestrator) record(ctx context.Context, inv *Investigation, kind, text string, data map[string]string) {
	if o.episodic == nil {
		return
	}
	rec := memory.Record{Kind: kind, Text: text, Data: data, CreatedAt: time.Now()}
	if err := o.episodic.Append(ctx, inv.ID, rec); err != nil {
		o.logger.Printf("warn: episodic append for %s failed: %v", inv.ID, err)
	}
}

func (o *Orchestrator) buildStage(inv *Investigation, plan Plan, batch sources.RecordBatch) dispatch.Stage {
	snap := detect.Snapshot{
		InvestigationID: inv.ID,
		Params:          plan.Params,
		Hints:           plan.Hints,
		Expanded:        plan.Expanded,
	}
	tasks := make([]dispatch.Task, len(plan.workers))
	for i, w := range plan.workers {
		tasks[i] = dispatch.Task{Index: i, Worker: w, Batch: batch, Snapshot: snap}
	}
	return dispatch.Stage{
		Name:   fmt.Sprintf("stage-%d", len(inv.Stages)),
		Tasks:  tasks,
		Policy: plan.Policy,
	}
}

func (o *Orchestrator) noteDegradedBatch(inv *Investigation, batch sources.RecordBatch) {
	if batch.Err != "" {
		inv.Errors = append(inv.Errors, "source degraded: "+batch.Source+": "+batch.Err)
	}
}

// mergeFindings flattens stage results into report order: stage index,
// then worker priority (id as tie-break), then emission order. A worker
// re-emitting an identical finding on a later round collapses into the
// first occurrence, so the merged slice is reproducible byte for byte.
func (o *Orchestrator) mergeFindings(inv *Investigation) {
	var merged []FindingRecord
	seen := make(map[string]bool)
	for _, stage := range inv.Stages {
		results := make([]dispatch.TaskResult, len(stage.Result.Results))
		copy(results, stage.Result.Results)
		sort.SliceStable(results, func(i, j int) bool {
			wi, wj := detect.WeightsFor(results[i].WorkerID), detect.WeightsFor(results[j].WorkerID)
			if wi.Priority != wj.Priority {
				return wi.Priority > wj.Priority
			}
			return results[i].WorkerID < results[j].WorkerID
		})
		for _, tr := range results {
			if tr.Status != dispatch.TaskSucceeded {
				continue
			}
			for _, f := range tr.Findings {
				key := f.Worker + "|" + f.Category + "|" + strings.Join(f.Evidence, ",") + "|" + f.Explanation
				if seen[key] {
					continue
				}
				seen[key] = true
				merged = append(merged, FindingRecord{Stage: stage.Index, Worker: tr.WorkerID, Finding: f})
			}
		}
	}
	inv.Findings = merged
}

func hasIncompleteStage(inv *Investigation) bool {
	for _, s := range inv.Stages {
		if len(s.Result.Results) == 0 || s.Result.Succeeded < len(s.Result.Results) {
			return true
		}
	}
	return false
}

// writeSummary distills the finished run into semantic memory so later
// investigations find it. Losing the write costs future context, not this
// report.
func (o *Orchestrator) writeSummary(ctx context.Context, inv *Investigation) {
	if o.semantic == nil {
		return
	}
	key := "intent:" + string(inv.Classification.Intent)
	if e := inv.Classification.Params.Entity; e != "" {
		key = "entity:" + strings.ToLower(e)
	}
	text := fmt.Sprintf("Investigation %q closed with %d findings (confidence %.2f)",
		clipText(inv.Query.Text, 80), len(inv.Findings), inv.Confidence)
	if cats := topCategories(inv.Findings, 3); len(cats) > 0 {
		text += ": " + strings.Join(cats, ", ")
	}
	rec := memory.Record{
		Kind:      "summary",
		Text:      text,
		Data:      map[string]string{"investigation_id": inv.ID, "intent": string(inv.Classification.Intent)},
		CreatedAt: time.Now(),
	}
	if err := o.semantic.Put(context.WithoutCancel(ctx), key, rec); err != nil {
		o.logger.Printf("warn: semantic summary for %s not stored: %v", inv.ID, err)
	}
}

func topCategories(findings []FindingRecord, n int) []string {
	counts := make(map[string]int)
	for _, f := range findings {
		counts[f.Finding.Category]++
	}
	cats := make([]string, 0, len(counts))
	for c := range counts {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		if counts[cats[i]] != counts[cats[j]] {
			return counts[cats[i]] > counts[cats[j]]
		}
		return cats[i] < cats[j]
	})
	if len(cats) > n {
		cats = cats[:n]
	}
	return cats
}
