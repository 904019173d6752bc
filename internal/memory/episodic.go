package memory

import (
	"context"
	"log"
	"sync"
	"time"
)

// EpisodicStore keeps investigation histories in process memory. The
// expiry deadline is fixed when the first record for an investigation
// arrives; later appends extend the history but never the lifetime.
type EpisodicStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*episode
	logger  *log.Logger
}

type episode struct {
	created time.Time
	records []Record
}

func NewEpisodic(ttl time.Duration) *EpisodicStore {
	return &EpisodicStore{
		ttl:     ttl,
		entries: make(map[string]*episode),
		logger:  log.New(log.Writer(), "[MEMORY] ", log.LstdFlags),
	}
}

var _ Episodic = (*EpisodicStore)(nil)

func (s *EpisodicStore) Append(ctx context.Context, investigationID string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[investigationID]
	if !ok || s.expired(e, time.Now()) {
		e = &episode{created: time.Now()}
		s.entries[investigationID] = e
	}
	e.records = append(e.records, rec)
	return nil
}

// History returns the recorded events in append order. An expired or
// unknown investigation yields an empty history, not an error.
func (s *EpisodicStore) History(ctx context.Context, investigationID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[investigationID]
	if !ok || s.expired(e, time.Now()) {
		return nil, nil
	}
	out := make([]Record, len(e.records))
	copy(out, e.records)
	return out, nil
}

// Prune drops expired histories and reports how many were removed.
// Callers run it on a schedule; History already ignores expired entries,
// so pruning only reclaims memory.
func (s *EpisodicStore) Prune(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Printf("pruned %d expired episodic histories", removed)
	}
	return removed
}

func (s *EpisodicStore) expired(e *episode, now time.Time) bool {
	if s.ttl <= 0 {
		return false
	}
	return now.After(e.created.Add(s.ttl))
}
