package server

import (
	"time"

	"github.com/open-fiscus/fiscus/internal/investigation"
	"github.com/open-fiscus/fiscus/internal/sources"
)

// HTTPError is the generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// StartInvestigationRequest opens an investigation over the configured
// dataset. Params narrow the fetch beyond what the router extracts from the
// query text. Enqueue hands the run to the worker fleet instead of this
// process.
type StartInvestigationRequest struct {
	Query   string         `json:"query"`
	Params  sources.Params `json:"params"`
	Enqueue bool           `json:"enqueue,omitempty"`
}

// StartInvestigationResponse acknowledges an accepted investigation.
type StartInvestigationResponse struct {
	ID       string `json:"id"`
	State    string `json:"state,omitempty"`
	Enqueued bool   `json:"enqueued,omitempty"`
}

// InvestigationStatusResponse is the polling view of a run: lifecycle
// position, progress counters, and the findings merged so far.
type InvestigationStatusResponse struct {
	ID          string                        `json:"id"`
	State       string                        `json:"state"`
	Intent      string                        `json:"intent,omitempty"`
	Query       string                        `json:"query"`
	Stages      int                           `json:"stages"`
	Reflections int                           `json:"reflections"`
	Confidence  float64                       `json:"confidence"`
	Findings    []investigation.FindingRecord `json:"findings,omitempty"`
	Flags       []string                      `json:"flags,omitempty"`
	Errors      []string                      `json:"errors,omitempty"`
	CreatedAt   time.Time                     `json:"created_at"`
	UpdatedAt   time.Time                     `json:"updated_at"`
	FinishedAt  *time.Time                    `json:"finished_at,omitempty"`
}

// InvestigationSummary is the list view of an investigation.
type InvestigationSummary struct {
	ID         string     `json:"id"`
	State      string     `json:"state"`
	Intent     string     `json:"intent,omitempty"`
	Query      string     `json:"query"`
	Confidence float64    `json:"confidence"`
	Findings   int        `json:"findings"`
	Flags      []string   `json:"flags,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ReportStage summarizes one executed stage for the report payload.
type ReportStage struct {
	Index      int     `json:"index"`
	Reason     string  `json:"reason"`
	Workers    int     `json:"workers"`
	Succeeded  int     `json:"succeeded"`
	Confidence float64 `json:"confidence"`
}

// InvestigationReportResponse is the stable read-only payload of a finished
// investigation: ordered findings, aggregate confidence, and the routed
// intent. It is only served once the run is terminal.
type InvestigationReportResponse struct {
	ID          string                        `json:"id"`
	State       string                        `json:"state"`
	Intent      string                        `json:"intent"`
	Query       string                        `json:"query"`
	Confidence  float64                       `json:"confidence"`
	Findings    []investigation.FindingRecord `json:"findings"`
	Stages      []ReportStage                 `json:"stages,omitempty"`
	Reflections int                           `json:"reflections"`
	Flags       []string                      `json:"flags,omitempty"`
	Errors      []string                      `json:"errors,omitempty"`
	CreatedAt   time.Time                     `json:"created_at"`
	FinishedAt  *time.Time                    `json:"finished_at,omitempty"`
}

// CreateWatchlistRequest registers entities for recurring scrutiny. A
// non-empty cron expression lets the scheduler open investigations for it.
type CreateWatchlistRequest struct {
	Name         string   `json:"name"`
	Entities     []string `json:"entities"`
	ScheduleCron string   `json:"schedule_cron,omitempty"`
}

// UpdateWatchlistRequest replaces the entity set and schedule.
type UpdateWatchlistRequest struct {
	Entities     []string `json:"entities"`
	ScheduleCron string   `json:"schedule_cron,omitempty"`
}

// WatchlistResponse is a stored watchlist.
type WatchlistResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Entities     []string  `json:"entities"`
	ScheduleCron string    `json:"schedule_cron,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// QueueStatsResponse reports consumer-group health for a stream.
type QueueStatsResponse struct {
	Stream       string `json:"stream"`
	Group        string `json:"group,omitempty"`
	Length       int64  `json:"length"`
	Pending      int64  `json:"pending"`
	Lag          int64  `json:"lag"`
	Consumers    int64  `json:"consumers"`
	OldestIdleMS int64  `json:"oldest_idle_ms,omitempty"`
}
