package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-fiscus/fiscus/internal/sources"
)

const concentrationShare = 0.5

// RiskWorker scores forward-looking vendor risk: batch concentration on a
// single vendor, raised when cross-investigation memory already holds
// findings about that vendor. It is the one worker that leans on the
// semantic hints in its snapshot.
type RiskWorker struct{}

func NewRiskWorker() *RiskWorker { return &RiskWorker{} }

func (w *RiskWorker) ID() string { return WorkerRisk }

func (w *RiskWorker) Describe() string {
	return "scores vendor concentration risk, weighted by prior investigation memory"
}

func (w *RiskWorker) Evaluate(ctx context.Context, batch sources.RecordBatch, snap Snapshot) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(batch.Records) < 2 {
		return nil, nil
	}

	type vendorStat struct {
		name  string
		ids   []string
		total float64
	}
	vendors := make(map[string]*vendorStat)
	var batchTotal float64
	for _, r := range batch.Records {
		s, ok := vendors[r.Vendor.ID]
		if !ok {
			s = &vendorStat{name: r.Vendor.Name}
			vendors[r.Vendor.ID] = s
		}
		s.ids = append(s.ids, r.ID)
		s.total += r.Amount
		batchTotal += r.Amount
	}
	if batchTotal <= 0 {
		return nil, nil
	}

	var findings []Finding
	for _, id := range sortedKeys(vendors) {
		s := vendors[id]
		share := s.total / batchTotal
		if share <= concentrationShare {
			continue
		}
		priorHits := priorMentions(snap.Hints, s.name)
		severity := clip01(0.4 + (share-concentrationShare) + 0.15*float64(min(priorHits, 2)))
		explanation := fmt.Sprintf("vendor %s concentrates %.0f%% of the batch total %.2f", s.name, share*100, batchTotal)
		if priorHits > 0 {
			explanation += fmt.Sprintf("; %d prior investigation(s) recorded findings about this vendor", priorHits)
		}
		findings = append(findings, Finding{
			Worker:      w.ID(),
			Category:    "vendor-risk",
			Severity:    severity,
			Confidence:  clip01(0.6 + 0.1*float64(min(priorHits, 3))),
			Evidence:    append([]string(nil), s.ids...),
			Explanation: explanation,
		})
	}
	return findings, nil
}

func priorMentions(hints []Hint, vendorName string) int {
	needle := strings.ToLower(vendorName)
	if needle == "" {
		return 0
	}
	count := 0
	for _, h := range hints {
		if strings.Contains(strings.ToLower(h.Text), needle) {
			count++
		}
	}
	return count
}
