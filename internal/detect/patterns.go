package detect

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/open-fiscus/fiscus/internal/sources"
)

const (
	// direct awards are commonly capped by procurement law; payments split
	// just below the cap are the classic evasion shape
	splitThreshold = 15000.00
	roundUnit      = 10000.00
	roundMinAmount = 50000.00
)

// PatternsWorker matches known fraud-shaped structures: purchases split to
// stay under the direct-award threshold, suspiciously round amounts on large
// payments, and many same-day awards concentrated on one vendor.
type PatternsWorker struct{}

func NewPatternsWorker() *PatternsWorker { return &PatternsWorker{} }

func (w *PatternsWorker) ID() string { return WorkerPatterns }

func (w *PatternsWorker) Describe() string {
	return "matches structural fraud patterns: split purchases, round amounts, same-day award concentration"
}

func (w *PatternsWorker) Evaluate(ctx context.Context, batch sources.RecordBatch, snap Snapshot) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := batch.Records
	if len(records) == 0 {
		return nil, nil
	}

	var findings []Finding
	findings = append(findings, w.splitPurchases(records)...)
	findings = append(findings, w.roundAmounts(records)...)
	findings = append(findings, w.sameDayConcentration(records)...)
	return findings, nil
}

func (w *PatternsWorker) splitPurchases(records []sources.Record) []Finding {
	type group struct {
		ids    []string
		vendor string
		total  float64
		under  bool
	}
	groups := make(map[string]*group)
	for _, r := range records {
		if r.Modality != "direct-award" {
			continue
		}
		key := r.Vendor.ID + "|" + r.Agency + "|" + r.Date.Format("2006-01-02")
		g, ok := groups[key]
		if !ok {
			g = &group{vendor: r.Vendor.Name, under: true}
			groups[key] = g
		}
		g.ids = append(g.ids, r.ID)
		g.total += r.Amount
		if r.Amount >= splitThreshold {
			g.under = false
		}
	}

	keys := sortedKeys(groups)
	var findings []Finding
	for _, k := range keys {
		g := groups[k]
		if len(g.ids) < 2 || !g.under || g.total <= splitThreshold {
			continue
		}
		findings = append(findings, Finding{
			Worker:     w.ID(),
			Category:   "split-purchases",
			Severity:   clip01(0.5 + 0.1*float64(len(g.ids))),
			Confidence: 0.8,
			Evidence:   append([]string(nil), g.ids...),
			Explanation: fmt.Sprintf("%d same-day direct awards to %s each under %.0f but totalling %.2f",
				len(g.ids), g.vendor, splitThreshold, g.total),
		})
	}
	return findings
}

func (w *PatternsWorker) roundAmounts(records []sources.Record) []Finding {
	var findings []Finding
	for _, r := range records {
		if r.Amount < roundMinAmount {
			continue
		}
		if math.Mod(r.Amount, roundUnit) != 0 {
			continue
		}
		findings = append(findings, Finding{
			Worker:      w.ID(),
			Category:    "round-amounts",
			Severity:    0.35,
			Confidence:  0.5,
			Evidence:    []string{r.ID},
			Explanation: fmt.Sprintf("large payment of exactly %.2f to %s suggests a negotiated rather than measured price", r.Amount, r.Vendor.Name),
		})
	}
	return findings
}

func (w *PatternsWorker) sameDayConcentration(records []sources.Record) []Finding {
	type group struct {
		ids    []string
		vendor string
	}
	groups := make(map[string]*group)
	for _, r := range records {
		if r.Modality != "direct-award" {
			continue
		}
		key := r.Vendor.ID + "|" + r.Date.Format("2006-01-02")
		g, ok := groups[key]
		if !ok {
			g = &group{vendor: r.Vendor.Name}
			groups[key] = g
		}
		g.ids = append(g.ids, r.ID)
	}

	keys := sortedKeys(groups)
	var findings []Finding
	for _, k := range keys {
		g := groups[k]
		if len(g.ids) < 3 {
			continue
		}
		findings = append(findings, Finding{
			Worker:      w.ID(),
			Category:    "award-concentration",
			Severity:    clip01(0.35 + 0.1*float64(len(g.ids))),
			Confidence:  0.7,
			Evidence:    append([]string(nil), g.ids...),
			Explanation: fmt.Sprintf("%d direct awards to %s on a single day", len(g.ids), g.vendor),
		})
	}
	return findings
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
