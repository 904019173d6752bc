package investigation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/memory"
	"github.com/open-fiscus/fiscus/internal/sources"
)

func newTestRouter(semantic memory.Semantic) *Router {
	cfg := config.InvestigationConfig{IntentThreshold: 0.55}
	return NewRouter(cfg, semantic, 5)
}

type failingSemantic struct{}

func (failingSemantic) Put(context.Context, string, memory.Record) error { return nil }
func (failingSemantic) Get(context.Context, string) (memory.Record, bool, error) {
	return memory.Record{}, false, nil
}
func (failingSemantic) Query(context.Context, string, int) ([]memory.Scored, error) {
	return nil, errors.New("index offline")
}

func TestClassifyAnomalyIntentWithParams(t *testing.T) {
	r := newTestRouter(nil)

	c := r.Classify(context.Background(), Query{
		Text: "Flag anomalous payments above $50,000 in the northeast during 2025",
	})
	if c.Intent != IntentAnomaly {
		t.Fatalf("expected anomaly, got %s (confidence %.2f)", c.Intent, c.Confidence)
	}
	if c.Confidence < 0.55 {
		t.Fatalf("expected confident verdict, got %.2f", c.Confidence)
	}
	if c.Params.MinAmount != 50000 {
		t.Fatalf("expected min amount 50000, got %.0f", c.Params.MinAmount)
	}
	if c.Params.Region != "NE" {
		t.Fatalf("expected region NE, got %q", c.Params.Region)
	}
	wantFrom := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if !c.Params.From.Equal(wantFrom) {
		t.Fatalf("expected window starting %s, got %s", wantFrom, c.Params.From)
	}
	if c.Params.To.Year() != 2025 || c.Params.To.Month() != time.December {
		t.Fatalf("expected window ending in Dec 2025, got %s", c.Params.To)
	}
}

func TestClassifyFraudWithQuotedEntity(t *testing.T) {
	r := newTestRouter(nil)

	c := r.Classify(context.Background(), Query{
		Text: `Investigate possible fraud and split purchases by "Quintal Catering"`,
	})
	if c.Intent != IntentFraud {
		t.Fatalf("expected fraud, got %s", c.Intent)
	}
	if c.Params.Entity != "Quintal Catering" {
		t.Fatalf("expected quoted entity extracted, got %q", c.Params.Entity)
	}
}

func TestClassifyAmbiguousFallsBackToOverview(t *testing.T) {
	r := newTestRouter(nil)

	// Fraud and compliance tie; the margin is too thin to commit.
	c := r.Classify(context.Background(), Query{Text: "is this fraud or a compliance violation?"})
	if c.Intent != IntentOverview {
		t.Fatalf("expected overview fallback, got %s", c.Intent)
	}
	if c.Confidence >= 0.55 {
		t.Fatalf("ambiguous query should score below threshold, got %.2f", c.Confidence)
	}
}

func TestClassifyNoSignalDefaultsToOverview(t *testing.T) {
	r := newTestRouter(nil)

	c := r.Classify(context.Background(), Query{Text: "what happened last week"})
	if c.Intent != IntentOverview {
		t.Fatalf("expected overview, got %s", c.Intent)
	}
	if c.Confidence != 0 {
		t.Fatalf("expected zero confidence, got %.2f", c.Confidence)
	}
	if len(c.Matched) != 0 {
		t.Fatalf("expected no matched rules, got %v", c.Matched)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	r := newTestRouter(nil)
	q := Query{Text: `Audit direct award compliance for "Vertex Construction Group" above 100k in 2025`}

	first := r.Classify(context.Background(), q)
	second := r.Classify(context.Background(), q)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("classification not deterministic (-first +second):\n%s", diff)
	}
}

func TestClassifySemanticReinforcement(t *testing.T) {
	sem, err := memory.NewSemantic(8)
	if err != nil {
		t.Fatalf("new semantic: %v", err)
	}
	defer sem.Close()
	rec := memory.Record{
		Kind:      "summary",
		Text:      "Quintal Catering flagged for fraud: split purchases and collusion with related vendors",
		CreatedAt: time.Now(),
	}
	if err := sem.Put(context.Background(), "vendor:quintal", rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	r := newTestRouter(sem)
	// The text alone carries no intent signal; memory supplies it.
	c := r.Classify(context.Background(), Query{Text: "take another look at Quintal Catering"})
	if c.Intent != IntentFraud {
		t.Fatalf("expected fraud via semantic reinforcement, got %s (%.2f)", c.Intent, c.Confidence)
	}
	if c.Degraded {
		t.Fatal("classification should not be degraded")
	}
}

func TestClassifySurvivesSemanticOutage(t *testing.T) {
	r := newTestRouter(failingSemantic{})

	c := r.Classify(context.Background(), Query{Text: "find anomalous spending spikes"})
	if c.Intent != IntentAnomaly {
		t.Fatalf("rules-only classification should still work, got %s", c.Intent)
	}
	// The outage costs reinforcement, not the verdict itself.
	if c.Degraded {
		t.Fatal("a confident rules-only verdict must not be marked degraded")
	}
}

func TestClassifyMarksForcedOverviewDegraded(t *testing.T) {
	r := newTestRouter(nil)

	for _, text := range []string{
		"what happened last week",
		"is this fraud or a compliance violation?",
	} {
		c := r.Classify(context.Background(), Query{Text: text})
		if c.Intent != IntentOverview {
			t.Fatalf("%q: expected overview fallback, got %s", text, c.Intent)
		}
		if !c.Degraded {
			t.Fatalf("%q: a below-threshold fallback must be marked degraded", text)
		}
	}
}

func TestExtractRegionVariants(t *testing.T) {
	cases := map[string]string{
		"spending in the southern districts":   "S",
		"northeastern procurement review":      "NE",
		"compare central agencies":             "CO",
		"look at the south-east specifically":  "SE",
		"no location mentioned in this query.": "",
	}
	for text, want := range cases {
		if got := extractParams(text).Region; got != want {
			t.Fatalf("%q: expected region %q, got %q", text, want, got)
		}
	}
}

func TestExtractAmountSuffixes(t *testing.T) {
	cases := map[string]float64{
		"payments above 100k":          100000,
		"contracts over $2.5 million":  2500000,
		"invoices exceeding 7,500":     7500,
		"transactions more than $40 m": 40000000,
	}
	for text, want := range cases {
		if got := extractParams(text).MinAmount; got != want {
			t.Fatalf("%q: expected %.0f, got %.0f", text, want, got)
		}
	}
}

func TestMergeParamsExplicitWins(t *testing.T) {
	extracted := sources.Params{Region: "NE", MinAmount: 50000}
	explicit := sources.Params{Region: "S", Entity: "Acme Supplies"}

	got := mergeParams(extracted, explicit)
	if got.Region != "S" {
		t.Fatalf("explicit region should win, got %q", got.Region)
	}
	if got.Entity != "Acme Supplies" {
		t.Fatalf("explicit entity lost: %q", got.Entity)
	}
	if got.MinAmount != 50000 {
		t.Fatalf("extracted amount should survive, got %.0f", got.MinAmount)
	}
}
