package investigation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service is the public surface over the orchestrator: it launches runs
// detached from the caller's request context, serves status from observer
// snapshots, and routes cancellation to the right run.
type Service struct {
	orch    *Orchestrator
	persist Persistence

	mu      sync.RWMutex
	running map[string]*run
	logger  *log.Logger
}

type run struct {
	snapshot Investigation
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewService(orch *Orchestrator, persist Persistence) *Service {
	s := &Service{
		orch:    orch,
		persist: persist,
		running: make(map[string]*run),
		logger:  log.New(log.Writer(), "[SERVICE] ", log.LstdFlags),
	}
	orch.OnUpdate = s.observe
	return s
}

func (s *Service) observe(snap Investigation) {
	s.mu.Lock()
	if r, ok := s.running[snap.ID]; ok {
		r.snapshot = snap
	}
	s.mu.Unlock()
}

// Start launches an investigation and returns its created snapshot right
// away. The run gets its own context so an HTTP disconnect does not kill
// it; stopping goes through Cancel.
func (s *Service) Start(ctx context.Context, q Query) (Investigation, error) {
	if err := validateQuery(q); err != nil {
		return Investigation{}, err
	}
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	r, inv := s.register(id, q, cancel)

	go func() {
		defer close(r.done)
		defer cancel()
		s.finishLog(inv.ID, s.orch.Run(runCtx, inv))
	}()
	s.logger.Printf("started investigation %s: %q", id, clipText(q.Text, 60))
	return r.snapshot, nil
}

// RunSync executes an investigation to a terminal state on the caller's
// context; queue consumers use it so acknowledgement follows completion.
// Replays of an id that already ran return the existing record untouched.
func (s *Service) RunSync(ctx context.Context, id string, q Query) (Investigation, error) {
	if err := validateQuery(q); err != nil {
		return Investigation{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	if existing, err := s.Status(ctx, id); err == nil {
		s.logger.Printf("investigation %s already known (%s), skipping replay", id, existing.State)
		return existing, nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r, inv := s.register(id, q, cancel)

	err := s.orch.Run(runCtx, inv)
	cancel()
	close(r.done)
	s.finishLog(id, err)
	return s.snapshotOf(id), err
}

func (s *Service) register(id string, q Query, cancel context.CancelFunc) (*run, *Investigation) {
	now := time.Now()
	inv := &Investigation{
		ID:        id,
		State:     StateCreated,
		Query:     q,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r := &run{snapshot: *inv, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.running[id] = r
	s.mu.Unlock()
	return r, inv
}

// Status reports the current snapshot for a run this process knows about,
// falling back to the persisted report for finished ones.
func (s *Service) Status(ctx context.Context, id string) (Investigation, error) {
	s.mu.RLock()
	r, ok := s.running[id]
	var snap Investigation
	if ok {
		snap = r.snapshot
	}
	s.mu.RUnlock()
	if ok {
		return snap, nil
	}
	if s.persist != nil {
		inv, err := s.persist.LoadInvestigation(ctx, id)
		if err == nil && inv != nil {
			return *inv, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Investigation{}, err
		}
	}
	return Investigation{}, ErrNotFound
}

// Cancel stops a running investigation. Completed stages keep their
// findings; the run settles as cancelled rather than vanishing.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.RLock()
	r, ok := s.running[id]
	s.mu.RUnlock()
	if !ok {
		if _, err := s.Status(ctx, id); err == nil {
			return fmt.Errorf("%w: not running here", ErrAlreadyFinished)
		}
		return ErrNotFound
	}
	if r.snapshot.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyFinished, r.snapshot.State)
	}
	s.logger.Printf("cancelling investigation %s", id)
	r.cancel()
	return nil
}

// Wait blocks until the run reaches a terminal state and returns it.
func (s *Service) Wait(ctx context.Context, id string) (Investigation, error) {
	s.mu.RLock()
	r, ok := s.running[id]
	s.mu.RUnlock()
	if !ok {
		return s.Status(ctx, id)
	}
	select {
	case <-r.done:
		return s.Status(ctx, id)
	case <-ctx.Done():
		return Investigation{}, ctx.Err()
	}
}

// List merges persisted reports with in-process snapshots, newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Investigation, error) {
	byID := make(map[string]Investigation)
	if s.persist != nil {
		stored, err := s.persist.ListInvestigations(ctx, limit+offset, 0)
		if err != nil {
			return nil, err
		}
		for _, inv := range stored {
			byID[inv.ID] = *inv
		}
	}
	s.mu.RLock()
	for id, r := range s.running {
		byID[id] = r.snapshot
	}
	s.mu.RUnlock()

	out := make([]Investigation, 0, len(byID))
	for _, inv := range byID {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Shutdown cancels everything still running and waits for the runs to
// settle or the context to give up.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	var pending []*run
	for _, r := range s.running {
		if !r.snapshot.State.Terminal() {
			r.cancel()
		}
		pending = append(pending, r)
	}
	s.mu.RUnlock()

	for _, r := range pending {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) snapshotOf(id string) Investigation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.running[id]; ok {
		return r.snapshot
	}
	return Investigation{}
}

func (s *Service) finishLog(id string, err error) {
	switch {
	case err == nil:
		s.logger.Printf("investigation %s completed", id)
	case errors.Is(err, context.Canceled):
		s.logger.Printf("investigation %s cancelled", id)
	default:
		s.logger.Printf("investigation %s failed: %v", id, err)
	}
}

func validateQuery(q Query) error {
	if strings.TrimSpace(q.Text) == "" {
		return errors.New("query text is empty")
	}
	return nil
}
