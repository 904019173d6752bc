package memory

import (
	"context"
	"testing"
	"time"
)

func TestEpisodicHistoriesAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewEpisodic(time.Minute)

	for i, text := range []string{"created", "planning", "dispatching"} {
		rec := Record{Kind: "transition", Text: text, CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond)}
		if err := store.Append(ctx, "inv-x", rec); err != nil {
			t.Fatalf("append inv-x: %v", err)
		}
	}
	if err := store.Append(ctx, "inv-y", Record{Kind: "transition", Text: "created"}); err != nil {
		t.Fatalf("append inv-y: %v", err)
	}

	x, err := store.History(ctx, "inv-x")
	if err != nil {
		t.Fatalf("history inv-x: %v", err)
	}
	if len(x) != 3 {
		t.Fatalf("expected 3 records for inv-x, got %d", len(x))
	}
	for i, want := range []string{"created", "planning", "dispatching"} {
		if x[i].Text != want {
			t.Fatalf("record %d: expected %q, got %q", i, want, x[i].Text)
		}
	}
	y, err := store.History(ctx, "inv-y")
	if err != nil {
		t.Fatalf("history inv-y: %v", err)
	}
	if len(y) != 1 || y[0].Text != "created" {
		t.Fatalf("inv-y history contaminated: %+v", y)
	}
}

func TestEpisodicExpiryCountsFromFirstWrite(t *testing.T) {
	ctx := context.Background()
	store := NewEpisodic(150 * time.Millisecond)

	if err := store.Append(ctx, "inv-1", Record{Text: "first"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	// A late append must not extend the lifetime.
	if err := store.Append(ctx, "inv-1", Record{Text: "second"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	got, err := store.History(ctx, "inv-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected expired history, got %d records", len(got))
	}
}

func TestEpisodicHistoryReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewEpisodic(time.Minute)
	if err := store.Append(ctx, "inv-1", Record{Text: "original"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	first, _ := store.History(ctx, "inv-1")
	first[0].Text = "mutated"
	second, _ := store.History(ctx, "inv-1")
	if second[0].Text != "original" {
		t.Fatalf("history exposed internal state: %q", second[0].Text)
	}
}

func TestEpisodicPruneDropsExpired(t *testing.T) {
	ctx := context.Background()
	store := NewEpisodic(50 * time.Millisecond)
	_ = store.Append(ctx, "inv-1", Record{Text: "a"})
	_ = store.Append(ctx, "inv-2", Record{Text: "b"})
	time.Sleep(80 * time.Millisecond)

	if removed := store.Prune(ctx); removed != 2 {
		t.Fatalf("expected 2 pruned, got %d", removed)
	}
	if removed := store.Prune(ctx); removed != 0 {
		t.Fatalf("expected nothing left to prune, got %d", removed)
	}
}

func TestSemanticEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	store, err := NewSemantic(2)
	if err != nil {
		t.Fatalf("new semantic: %v", err)
	}
	defer store.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	put := func(key, text string) {
		t.Helper()
		if err := store.Put(ctx, key, Record{Kind: "summary", Text: text, CreatedAt: base}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	put("vendor:a", "alpha vendor summary")
	put("vendor:b", "beta vendor summary")
	put("vendor:c", "gamma vendor summary")

	if _, ok, _ := store.Get(ctx, "vendor:a"); ok {
		t.Fatal("vendor:a should have been evicted")
	}
	if _, ok, _ := store.Get(ctx, "vendor:b"); !ok {
		t.Fatal("vendor:b should still be resident")
	}

	// Touching b makes c the eviction candidate.
	put("vendor:d", "delta vendor summary")
	if _, ok, _ := store.Get(ctx, "vendor:c"); ok {
		t.Fatal("vendor:c should have been evicted after b was touched")
	}
	if _, ok, _ := store.Get(ctx, "vendor:d"); !ok {
		t.Fatal("vendor:d should be resident")
	}
	if store.Len() != 2 {
		t.Fatalf("expected capacity-bound length 2, got %d", store.Len())
	}
}

func TestSemanticLastWriteWinsByTimestamp(t *testing.T) {
	ctx := context.Background()
	store, err := NewSemantic(8)
	if err != nil {
		t.Fatalf("new semantic: %v", err)
	}
	defer store.Close()

	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	if err := store.Put(ctx, "vendor:acme", Record{Text: "current view", CreatedAt: t2}); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Replayed stale write must not roll the summary back.
	if err := store.Put(ctx, "vendor:acme", Record{Text: "stale view", CreatedAt: t1}); err != nil {
		t.Fatalf("put stale: %v", err)
	}
	rec, ok, err := store.Get(ctx, "vendor:acme")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if rec.Text != "current view" {
		t.Fatalf("stale write overwrote newer record: %q", rec.Text)
	}

	if err := store.Put(ctx, "vendor:acme", Record{Text: "revised view", CreatedAt: t2.Add(time.Minute)}); err != nil {
		t.Fatalf("put revised: %v", err)
	}
	rec, _, _ = store.Get(ctx, "vendor:acme")
	if rec.Text != "revised view" {
		t.Fatalf("newer write did not supersede: %q", rec.Text)
	}
}

func TestSemanticQueryRanksRelevantRecords(t *testing.T) {
	ctx := context.Background()
	store, err := NewSemantic(16)
	if err != nil {
		t.Fatalf("new semantic: %v", err)
	}
	defer store.Close()

	now := time.Now()
	records := map[string]string{
		"vendor:quintal": "Quintal Catering repeated split purchases under the direct award threshold",
		"vendor:aldeia":  "Aldeia Paving billed identical amounts as a second vendor",
		"vendor:vertex":  "Vertex Construction Group spending spike flagged as outlier",
	}
	for key, text := range records {
		if err := store.Put(ctx, key, Record{Kind: "summary", Text: text, CreatedAt: now}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	hits, err := store.Query(ctx, "quintal split purchases", 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit")
	}
	if hits[0].Key != "vendor:quintal" {
		t.Fatalf("expected vendor:quintal first, got %s", hits[0].Key)
	}
	if hits[0].Score <= 0 {
		t.Fatalf("expected positive score, got %f", hits[0].Score)
	}
	if len(hits) > 2 {
		t.Fatalf("topK not honored: %d hits", len(hits))
	}
}

func TestSemanticQueryBlankOrZeroK(t *testing.T) {
	ctx := context.Background()
	store, err := NewSemantic(4)
	if err != nil {
		t.Fatalf("new semantic: %v", err)
	}
	defer store.Close()

	if hits, err := store.Query(ctx, "   ", 5); err != nil || hits != nil {
		t.Fatalf("blank query: hits=%v err=%v", hits, err)
	}
	if hits, err := store.Query(ctx, "anything", 0); err != nil || hits != nil {
		t.Fatalf("zero topK: hits=%v err=%v", hits, err)
	}
}

func TestSemanticEvictionRemovesFromIndex(t *testing.T) {
	ctx := context.Background()
	store, err := NewSemantic(1)
	if err != nil {
		t.Fatalf("new semantic: %v", err)
	}
	defer store.Close()

	now := time.Now()
	if err := store.Put(ctx, "vendor:a", Record{Text: "alpha procurement pattern", CreatedAt: now}); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := store.Put(ctx, "vendor:b", Record{Text: "beta procurement pattern", CreatedAt: now}); err != nil {
		t.Fatalf("put b: %v", err)
	}

	hits, err := store.Query(ctx, "alpha", 5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, h := range hits {
		if h.Key == "vendor:a" {
			t.Fatal("evicted record still surfaced by query")
		}
	}
	if store.Len() != 1 {
		t.Fatalf("expected single resident record, got %d", store.Len())
	}
}
