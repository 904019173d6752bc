package memory

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// SemanticStore keeps entity/topic summaries in a capacity-bounded LRU,
// backed by an in-memory bleve index for similarity lookups. Writes win by
// record timestamp: an older write against an existing key is dropped, so
// replaying events cannot roll a summary back.
type SemanticStore struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front is most recently used
	index    bleve.Index
	logger   *log.Logger

	puts      metric.Int64Counter
	evictions metric.Int64Counter
	queries   metric.Int64Counter
}

type semEntry struct {
	key string
	rec Record
}

type semDoc struct {
	Key  string `json:"key"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}

func NewSemantic(capacity int) (*SemanticStore, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("semantic capacity must be positive, got %d", capacity)
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("open semantic index: %w", err)
	}
	s := &SemanticStore{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		index:    idx,
		logger:   log.New(log.Writer(), "[MEMORY] ", log.LstdFlags),
	}
	meter := otel.Meter("fiscus/memory")
	if s.puts, err = meter.Int64Counter("memory_semantic_puts_total",
		metric.WithDescription("Semantic records accepted")); err != nil {
		s.logger.Printf("warn: puts counter unavailable: %v", err)
	}
	if s.evictions, err = meter.Int64Counter("memory_semantic_evictions_total",
		metric.WithDescription("Semantic records evicted by capacity")); err != nil {
		s.logger.Printf("warn: evictions counter unavailable: %v", err)
	}
	if s.queries, err = meter.Int64Counter("memory_semantic_queries_total",
		metric.WithDescription("Semantic similarity queries served")); err != nil {
		s.logger.Printf("warn: queries counter unavailable: %v", err)
	}
	return s, nil
}

var _ Semantic = (*SemanticStore)(nil)

func (s *SemanticStore) Put(ctx context.Context, key string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		cur := el.Value.(*semEntry)
		if rec.CreatedAt.Before(cur.rec.CreatedAt) {
			// Stored record is newer; the stale write loses.
			return nil
		}
		cur.rec = rec
		s.order.MoveToFront(el)
		if err := s.index.Index(key, semDoc{Key: key, Kind: rec.Kind, Text: rec.Text}); err != nil {
			return fmt.Errorf("index semantic record: %w", err)
		}
		s.count(ctx, s.puts)
		return nil
	}
	el := s.order.PushFront(&semEntry{key: key, rec: rec})
	s.entries[key] = el
	if err := s.index.Index(key, semDoc{Key: key, Kind: rec.Kind, Text: rec.Text}); err != nil {
		s.order.Remove(el)
		delete(s.entries, key)
		return fmt.Errorf("index semantic record: %w", err)
	}
	if s.order.Len() > s.capacity {
		s.evictOldest(ctx)
	}
	s.count(ctx, s.puts)
	return nil
}

func (s *SemanticStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return Record{}, false, nil
	}
	s.order.MoveToFront(el)
	return el.Value.(*semEntry).rec, true, nil
}

// Query runs a similarity search over the indexed summaries and returns at
// most topK hits, best first. A blank query returns nothing rather than an
// error so callers on a best-effort path need no special casing.
func (s *SemanticStore) Query(ctx context.Context, text string, topK int) ([]Scored, error) {
	if topK <= 0 || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	q := bleve.NewMatchQuery(text)
	req := bleve.NewSearchRequestOptions(q, topK, 0, false)
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Scored, 0, len(res.Hits))
	for _, hit := range res.Hits {
		el, ok := s.entries[hit.ID]
		if !ok {
			// A hit can race an eviction; skip keys no longer resident.
			continue
		}
		s.order.MoveToFront(el)
		out = append(out, Scored{Key: hit.ID, Record: el.Value.(*semEntry).rec, Score: hit.Score})
	}
	s.count(ctx, s.queries)
	return out, nil
}

func (s *SemanticStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *SemanticStore) Close() error {
	return s.index.Close()
}

func (s *SemanticStore) evictOldest(ctx context.Context) {
	back := s.order.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*semEntry)
	s.order.Remove(back)
	delete(s.entries, entry.key)
	if err := s.index.Delete(entry.key); err != nil {
		s.logger.Printf("warn: drop evicted record %q from index: %v", entry.key, err)
	}
	s.count(ctx, s.evictions)
}

func (s *SemanticStore) count(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}
