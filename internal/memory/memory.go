package memory

import (
	"context"
	"time"
)

// Record is one memory entry. Episodic records live under an investigation
// id and expire on a fixed window; semantic records are keyed by
// entity/topic, shared across investigations and evicted by capacity.
type Record struct {
	Kind      string            `json:"kind"`
	Text      string            `json:"text"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Scored pairs a semantic record with its similarity score for a query.
type Scored struct {
	Key    string  `json:"key"`
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}

// Episodic is the per-investigation event store. Appends for one
// investigation never interleave with another's; entries expire after a
// fixed window counted from the first write, not from the last.
type Episodic interface {
	Append(ctx context.Context, investigationID string, rec Record) error
	History(ctx context.Context, investigationID string) ([]Record, error)
}

// Semantic is the cross-investigation context store: append-only from the
// orchestrator's perspective (a correction is a newer record superseding the
// old one by timestamp), capacity-bounded with LRU eviction, queried by
// text similarity.
type Semantic interface {
	Put(ctx context.Context, key string, rec Record) error
	Get(ctx context.Context, key string) (Record, bool, error)
	Query(ctx context.Context, text string, topK int) ([]Scored, error)
}
