package detect

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/open-fiscus/fiscus/internal/sources"
)

const iqrFenceFactor = 1.5

// OutliersWorker applies Tukey fences per spending category: records above
// Q3 + 1.5*IQR of their category group are flagged. Categories with fewer
// than four records fall into a shared residual group.
type OutliersWorker struct{}

func NewOutliersWorker() *OutliersWorker { return &OutliersWorker{} }

func (w *OutliersWorker) ID() string { return WorkerOutliers }

func (w *OutliersWorker) Describe() string {
	return "flags statistical outliers above the upper Tukey fence of their category"
}

func (w *OutliersWorker) Evaluate(ctx context.Context, batch sources.RecordBatch, snap Snapshot) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := batch.Records
	if len(records) < 4 {
		return nil, nil
	}

	groups := make(map[string][]sources.Record)
	for _, r := range records {
		groups[r.Category] = append(groups[r.Category], r)
	}
	// small categories cannot carry their own fence
	residual := make([]sources.Record, 0)
	for cat, rs := range groups {
		if len(rs) < 4 {
			residual = append(residual, rs...)
			delete(groups, cat)
		}
	}
	if len(residual) >= 4 {
		groups["*"] = residual
	}

	var findings []Finding
	for _, cat := range sortedKeys(groups) {
		rs := groups[cat]
		amounts := make([]float64, len(rs))
		for i, r := range rs {
			amounts[i] = r.Amount
		}
		q1 := quantile(amounts, 0.25)
		q3 := quantile(amounts, 0.75)
		iqr := q3 - q1
		if iqr <= 0 {
			continue
		}
		fence := q3 + iqrFenceFactor*iqr
		for _, r := range rs {
			if r.Amount <= fence {
				continue
			}
			excess := (r.Amount - fence) / math.Max(fence, 1)
			findings = append(findings, Finding{
				Worker:     w.ID(),
				Category:   "statistical-outlier",
				Severity:   clip01(0.4 + excess/2),
				Confidence: 0.7,
				Evidence:   []string{r.ID},
				Explanation: fmt.Sprintf("amount %.2f exceeds the %s upper fence %.2f (IQR %.2f)",
					r.Amount, categoryLabel(cat), fence, iqr),
			})
		}
	}
	return findings, nil
}

func categoryLabel(cat string) string {
	if cat == "*" {
		return "cross-category"
	}
	return cat
}

// quantile interpolates linearly between order statistics.
func quantile(xs []float64, q float64) float64 {
	cp := append([]float64(nil), xs...)
	sort.Float64s(cp)
	if len(cp) == 1 {
		return cp[0]
	}
	pos := q * float64(len(cp)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return cp[lo]
	}
	frac := pos - float64(lo)
	return cp[lo]*(1-frac) + cp[hi]*frac
}
