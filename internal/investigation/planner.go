package investigation

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/open-fiscus/fiscus/internal/detect"
	"github.com/open-fiscus/fiscus/internal/dispatch"
	"github.com/open-fiscus/fiscus/internal/memory"
)

// intentWorkers maps each intent to the detectors that serve it. The
// planner keeps only the ids actually registered, so a slim deployment
// degrades to the workers it has.
var intentWorkers = map[Intent][]string{
	IntentAnomaly:    {detect.WorkerAnomaly, detect.WorkerOutliers, detect.WorkerPatterns},
	IntentFraud:      {detect.WorkerPatterns, detect.WorkerAnomaly, detect.WorkerRisk},
	IntentCompliance: {detect.WorkerCompliance, detect.WorkerPatterns},
	IntentRegional:   {detect.WorkerRegional, detect.WorkerOutliers},
	IntentRisk:       {detect.WorkerRisk, detect.WorkerCompliance, detect.WorkerAnomaly},
	IntentOverview:   {detect.WorkerAnomaly, detect.WorkerPatterns, detect.WorkerCompliance, detect.WorkerRegional},
}

// Planner turns a classification into a dispatchable stage plan and widens
// it on reflection.
type Planner struct {
	registry *detect.Registry
	semantic memory.Semantic
	topK     int
	table    map[Intent][]string
	logger   *log.Logger
}

func NewPlanner(registry *detect.Registry, semantic memory.Semantic, topK int) *Planner {
	table := make(map[Intent][]string, len(intentWorkers))
	for intent, ids := range intentWorkers {
		table[intent] = append([]string(nil), ids...)
	}
	return &Planner{
		registry: registry,
		semantic: semantic,
		topK:     topK,
		table:    table,
		logger:   log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// WithWorkers overrides the worker set for one intent.
func (p *Planner) WithWorkers(intent Intent, ids ...string) *Planner {
	p.table[intent] = ids
	return p
}

// Plan builds the initial stage: the registered workers for the intent in
// priority order, a policy matched to the intent, and hints pulled from
// semantic memory. The only failure is having no worker to dispatch.
func (p *Planner) Plan(ctx context.Context, q Query, c Classification) (Plan, error) {
	ids, workers := p.resolve(p.table[c.Intent])
	if len(ids) == 0 {
		return Plan{}, fmt.Errorf("%w: no registered workers serve intent %s", ErrPlanningExhausted, c.Intent)
	}
	plan := Plan{
		Intent:    c.Intent,
		WorkerIDs: ids,
		Policy:    policyFor(c.Intent, len(ids)),
		Params:    c.Params,
		Hints:     p.hints(ctx, q.Text),
		workers:   workers,
	}
	p.logger.Printf("planned %s stage: workers=%v policy=%s", c.Intent, ids, plan.Policy.Mode)
	return plan, nil
}

// Reflect widens a plan for another round: the full registered worker set,
// expanded dataset params, and a best-effort policy so the retry reports
// whatever it can rather than exhausting again.
func (p *Planner) Reflect(prev Plan) Plan {
	ids, workers := p.resolve(p.registry.IDs())
	if len(ids) == 0 {
		ids, workers = prev.WorkerIDs, prev.workers
	}
	next := Plan{
		Intent:    prev.Intent,
		WorkerIDs: ids,
		Policy:    dispatch.BestEffort(),
		Params:    prev.Params,
		Hints:     prev.Hints,
		Expanded:  true,
		workers:   workers,
	}
	next.Params.Expanded = true
	return next
}

// resolve filters ids to registered workers and orders them by priority,
// id as tie-break. The order doubles as the declared task order.
func (p *Planner) resolve(ids []string) ([]string, []detect.Worker) {
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := p.registry.Get(id); ok {
			kept = append(kept, id)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		wi, wj := detect.WeightsFor(kept[i]), detect.WeightsFor(kept[j])
		if wi.Priority != wj.Priority {
			return wi.Priority > wj.Priority
		}
		return kept[i] < kept[j]
	})
	workers := make([]detect.Worker, len(kept))
	for i, id := range kept {
		w, _ := p.registry.Get(id)
		workers[i] = w
	}
	return kept, workers
}

// policyFor picks the stage policy: compliance answers must be complete, a
// broad overview takes whatever arrives, everything else needs a majority.
func policyFor(intent Intent, workers int) dispatch.Policy {
	switch intent {
	case IntentCompliance:
		return dispatch.RequireAll()
	case IntentOverview:
		return dispatch.BestEffort()
	default:
		return dispatch.RequireQuorum(workers/2 + 1)
	}
}

// hints pulls prior context for the query out of semantic memory. A failed
// lookup costs hints, never the plan.
func (p *Planner) hints(ctx context.Context, text string) []detect.Hint {
	if p.semantic == nil {
		return nil
	}
	scored, err := p.semantic.Query(ctx, text, p.topK)
	if err != nil {
		p.logger.Printf("warn: hint lookup failed: %v", err)
		return nil
	}
	hints := make([]detect.Hint, 0, len(scored))
	for _, s := range scored {
		hints = append(hints, detect.Hint{Key: s.Key, Text: s.Record.Text, Score: s.Score})
	}
	return hints
}
