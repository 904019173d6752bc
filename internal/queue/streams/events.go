package streams

import (
	"github.com/open-fiscus/fiscus/internal/sources"
)

const (
	// StreamInvestigations carries enqueue requests consumed by workers.
	StreamInvestigations = "investigation.enqueued"
	// StreamResults carries terminal-state notifications for finished runs.
	StreamResults = "investigation.completed"

	// GroupWorkers is the consumer group workers join on the enqueue stream.
	GroupWorkers = "fiscus-workers"

	EventInvestigationEnqueued  = "investigation.enqueued"
	EventInvestigationCompleted = "investigation.completed"

	// Triggers recorded on enqueue events.
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerReplay   = "replay"
)

// EnqueuePayload asks a worker to run an investigation. The id doubles as
// the idempotency key, so replays of the same event cannot start a second
// run.
type EnqueuePayload struct {
	InvestigationID string         `json:"investigation_id"`
	QueryText       string         `json:"query_text"`
	Params          sources.Params `json:"params"`
	Trigger         string         `json:"trigger"`
	WatchlistID     string         `json:"watchlist_id,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
}

// CompletedPayload announces a run reaching a terminal state.
type CompletedPayload struct {
	InvestigationID string   `json:"investigation_id"`
	State           string   `json:"state"`
	Confidence      float64  `json:"confidence"`
	Findings        int      `json:"findings"`
	Flags           []string `json:"flags,omitempty"`
}
