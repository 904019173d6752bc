package investigation

import (
	"context"
	"time"

	"github.com/open-fiscus/fiscus/internal/detect"
	"github.com/open-fiscus/fiscus/internal/dispatch"
	"github.com/open-fiscus/fiscus/internal/sources"
)

// State is the lifecycle position of an investigation. Transitions follow
// the edges in the transitions table plus cancellation, which may interrupt
// any non-terminal state.
type State string

const (
	StateCreated     State = "created"
	StatePlanning    State = "planning"
	StateDispatching State = "dispatching"
	StateEvaluating  State = "evaluating"
	StateReflecting  State = "reflecting"
	StateFinalizing  State = "finalizing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// transitions lists the legal forward edges. Failure is reachable only from
// planning and finalizing; a running stage settles through evaluating no
// matter how its workers fared.
var transitions = map[State][]State{
	StateCreated:     {StatePlanning},
	StatePlanning:    {StateDispatching, StateFailed},
	StateDispatching: {StateEvaluating},
	StateEvaluating:  {StateReflecting, StateFinalizing},
	StateReflecting:  {StateDispatching},
	StateFinalizing:  {StateCompleted, StateFailed},
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

func (s State) canReach(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Intent is the investigation goal the router derives from a query.
type Intent string

const (
	IntentAnomaly    Intent = "anomaly"
	IntentFraud      Intent = "fraud"
	IntentCompliance Intent = "compliance"
	IntentRegional   Intent = "regional"
	IntentRisk       Intent = "risk"
	// IntentOverview is the fallback when no intent clears the router
	// threshold; an uncertain query still gets a broad pass.
	IntentOverview Intent = "overview"
)

// Report flags surfaced alongside findings.
const (
	FlagLowConfidence          = "low-confidence"
	FlagPartial                = "partial"
	FlagDegradedClassification = "degraded-classification"
	FlagCancelled              = "cancelled"
)

// Query is the user request an investigation starts from. Explicit params
// override anything the router extracts from the text.
type Query struct {
	Text   string         `json:"text"`
	Params sources.Params `json:"params"`
}

// Classification is the router verdict for a query. Degraded means the
// semantic lookup failed and the verdict came from rules alone.
type Classification struct {
	Intent     Intent         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Params     sources.Params `json:"params"`
	Matched    []string       `json:"matched,omitempty"`
	Degraded   bool           `json:"degraded,omitempty"`
}

// Plan is one dispatch round: which workers run, under which policy, over
// which slice of the dataset.
type Plan struct {
	Intent    Intent          `json:"intent"`
	WorkerIDs []string        `json:"worker_ids"`
	Policy    dispatch.Policy `json:"policy"`
	Params    sources.Params  `json:"params"`
	Hints     []detect.Hint   `json:"hints,omitempty"`
	Expanded  bool            `json:"expanded,omitempty"`

	// workers resolves WorkerIDs in declared order; not serialized.
	workers []detect.Worker
}

// StageRecord captures one executed stage: the plan that shaped it, the
// dispatch outcome in declared task order, and the confidence the stage
// earned.
type StageRecord struct {
	Index      int                  `json:"index"`
	Reason     string               `json:"reason"`
	Plan       Plan                 `json:"plan"`
	Result     dispatch.StageResult `json:"result"`
	Confidence float64              `json:"confidence"`
}

// FindingRecord is a finding with its provenance. Stage and worker identify
// where it came from; the position in the merged slice is stable for
// identical inputs.
type FindingRecord struct {
	Stage   int            `json:"stage"`
	Worker  string         `json:"worker"`
	Finding detect.Finding `json:"finding"`
}

// Investigation is the full record of one run: the query, the router
// verdict, every executed stage, and the merged findings. It doubles as the
// status payload and the persisted report.
type Investigation struct {
	ID             string          `json:"id"`
	Version        int             `json:"version"`
	Query          Query           `json:"query"`
	State          State           `json:"state"`
	Classification Classification  `json:"classification"`
	Stages         []StageRecord   `json:"stages"`
	Findings       []FindingRecord `json:"findings"`
	Confidence     float64         `json:"confidence"`
	Reflections    int             `json:"reflections"`
	Flags          []string        `json:"flags,omitempty"`
	Errors         []string        `json:"errors,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

func (inv *Investigation) flagged(flag string) bool {
	for _, f := range inv.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func (inv *Investigation) addFlag(flag string) {
	if !inv.flagged(flag) {
		inv.Flags = append(inv.Flags, flag)
	}
}

// Persistence stores finished investigations. Saves are idempotent per
// (id, version): retrying the same snapshot must not duplicate or corrupt
// the stored report, and an older version never overwrites a newer one.
type Persistence interface {
	SaveInvestigation(ctx context.Context, inv *Investigation) error
	LoadInvestigation(ctx context.Context, id string) (*Investigation, error)
	ListInvestigations(ctx context.Context, limit, offset int) ([]*Investigation, error)
}
