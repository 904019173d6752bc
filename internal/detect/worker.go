package detect

import (
	"context"
	"sort"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/sources"
)

// Worker identifiers. The set is closed: the planner selects from these by
// intent, never by runtime type inspection.
const (
	WorkerAnomaly    = "anomaly"
	WorkerPatterns   = "patterns"
	WorkerOutliers   = "outliers"
	WorkerCompliance = "compliance"
	WorkerRegional   = "regional"
	WorkerRisk       = "risk"
)

// Finding is one unit of worker output. Findings are immutable once emitted;
// the orchestrator aggregates them but never edits them. They deliberately
// carry no wall-clock or random fields so a merged investigation is
// reproducible byte for byte.
type Finding struct {
	Worker      string   `json:"worker"`
	Category    string   `json:"category"`
	Severity    float64  `json:"severity"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence"`
	Explanation string   `json:"explanation"`
}

// Hint is a read-only semantic memory excerpt handed to workers that use
// cross-investigation context.
type Hint struct {
	Key   string  `json:"key"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Snapshot is the context a worker evaluates against: the extracted query
// parameters plus the memory subset relevant to this task. Workers read it,
// never write through it; memory writes stay with the orchestrator.
type Snapshot struct {
	InvestigationID string         `json:"investigation_id"`
	Params          sources.Params `json:"params"`
	Hints           []Hint         `json:"hints,omitempty"`
	Expanded        bool           `json:"expanded,omitempty"`
}

// Worker is the single capability every detector implements. Evaluate must
// be side-effect-free on shared state and deterministic for identical
// (batch, snapshot) input.
type Worker interface {
	ID() string
	Describe() string
	Evaluate(ctx context.Context, batch sources.RecordBatch, snap Snapshot) ([]Finding, error)
}

// Weights fixes per-worker merge priority (higher merges first within a
// stage) and the trust weight used for aggregate-confidence policies.
type Weights struct {
	Priority int
	Trust    float64
}

var workerWeights = map[string]Weights{
	WorkerAnomaly:    {Priority: 90, Trust: 0.90},
	WorkerPatterns:   {Priority: 80, Trust: 0.85},
	WorkerOutliers:   {Priority: 70, Trust: 0.80},
	WorkerCompliance: {Priority: 60, Trust: 0.90},
	WorkerRegional:   {Priority: 50, Trust: 0.75},
	WorkerRisk:       {Priority: 40, Trust: 0.70},
}

// WeightsFor returns the fixed weights for a worker id. Unknown ids get a
// neutral weight so externally registered test doubles still merge stably.
func WeightsFor(id string) Weights {
	if w, ok := workerWeights[id]; ok {
		return w
	}
	return Weights{Priority: 10, Trust: 0.5}
}

// Registry is the closed set of workers available to the planner. It is
// assembled once during wiring and read-only afterwards.
type Registry struct {
	workers map[string]Worker
}

// NewRegistry builds the default registry with every shipped worker.
func NewRegistry(cfg config.DetectConfig) *Registry {
	r := &Registry{workers: make(map[string]Worker)}
	r.Add(NewAnomalyWorker(cfg.Anomaly))
	r.Add(NewPatternsWorker())
	r.Add(NewOutliersWorker())
	r.Add(NewComplianceWorker())
	r.Add(NewRegionalWorker())
	r.Add(NewRiskWorker())
	return r
}

// NewEmptyRegistry is the seam for tests that wire their own workers.
func NewEmptyRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

func (r *Registry) Add(w Worker) {
	r.workers[w.ID()] = w
}

func (r *Registry) Get(id string) (Worker, bool) {
	w, ok := r.workers[id]
	return w, ok
}

// IDs returns every registered worker id ordered by merge priority
// (descending), ties broken by id, so callers iterate deterministically.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		wi, wj := WeightsFor(ids[i]).Priority, WeightsFor(ids[j]).Priority
		if wi != wj {
			return wi > wj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
