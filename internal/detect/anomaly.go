package detect

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/sources"
)

const defaultSpreadMultiple = 3.0

// AnomalyWorker is the reference detector: it computes a baseline for the
// amount feature across the batch (mean/std, or median/MAD when configured
// robust) and flags records deviating beyond a configurable multiple of the
// spread. Independently of the baseline it flags a structural pattern:
// near-identical amounts recurring across supposedly independent vendors.
type AnomalyWorker struct {
	spreadMultiple float64
	robust         bool
}

func NewAnomalyWorker(cfg config.AnomalyConfig) *AnomalyWorker {
	m := cfg.SpreadMultiple
	if m <= 0 {
		m = defaultSpreadMultiple
	}
	return &AnomalyWorker{spreadMultiple: m, robust: cfg.Robust}
}

func (w *AnomalyWorker) ID() string { return WorkerAnomaly }

func (w *AnomalyWorker) Describe() string {
	return "flags amounts deviating from the batch baseline and repeated near-identical amounts across vendors"
}

func (w *AnomalyWorker) Evaluate(ctx context.Context, batch sources.RecordBatch, snap Snapshot) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := batch.Records
	if len(records) == 0 {
		return nil, nil
	}

	var findings []Finding
	findings = append(findings, w.deviationFindings(records)...)
	findings = append(findings, w.repeatedAmountFindings(records)...)
	return findings, nil
}

func (w *AnomalyWorker) deviationFindings(records []sources.Record) []Finding {
	// a baseline over fewer than 4 points is noise
	if len(records) < 4 {
		return nil
	}
	amounts := make([]float64, len(records))
	for i, r := range records {
		amounts[i] = r.Amount
	}

	var center, spread float64
	if w.robust {
		center = median(amounts)
		spread = mad(amounts, center)
	} else {
		center = mean(amounts)
		spread = stddev(amounts, center)
	}
	if spread <= 0 || math.IsNaN(spread) {
		return nil
	}

	var findings []Finding
	for _, r := range records {
		dev := math.Abs(r.Amount-center) / spread
		if dev <= w.spreadMultiple {
			continue
		}
		findings = append(findings, Finding{
			Worker:     w.ID(),
			Category:   "amount-deviation",
			Severity:   clip01(dev / (2 * w.spreadMultiple)),
			Confidence: clip01(0.6 + 0.05*(dev-w.spreadMultiple)),
			Evidence:   []string{r.ID},
			Explanation: fmt.Sprintf("amount %.2f deviates %.1fx the batch spread from baseline %.2f (threshold %.1fx)",
				r.Amount, dev, center, w.spreadMultiple),
		})
	}
	return findings
}

// repeatedAmountFindings groups records by exact amount (cents precision)
// and flags groups spanning two or more distinct vendors. Group keys are
// sorted before emission so output order never depends on map iteration.
func (w *AnomalyWorker) repeatedAmountFindings(records []sources.Record) []Finding {
	type group struct {
		ids     []string
		vendors map[string]string
	}
	groups := make(map[int64]*group)
	for _, r := range records {
		key := int64(math.Round(r.Amount * 100))
		g, ok := groups[key]
		if !ok {
			g = &group{vendors: make(map[string]string)}
			groups[key] = g
		}
		g.ids = append(g.ids, r.ID)
		g.vendors[r.Vendor.ID] = r.Vendor.Name
	}

	keys := make([]int64, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var findings []Finding
	for _, k := range keys {
		g := groups[k]
		if len(g.ids) < 2 || len(g.vendors) < 2 {
			continue
		}
		names := make([]string, 0, len(g.vendors))
		for _, n := range g.vendors {
			names = append(names, n)
		}
		sort.Strings(names)
		findings = append(findings, Finding{
			Worker:     w.ID(),
			Category:   "repeated-amounts",
			Severity:   clip01(0.5 + 0.1*float64(len(g.ids))),
			Confidence: 0.75,
			Evidence:   append([]string(nil), g.ids...),
			Explanation: fmt.Sprintf("amount %.2f repeats across %d records from independent vendors: %s",
				float64(k)/100, len(g.ids), strings.Join(names, ", ")),
		})
	}
	return findings
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, center float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - center
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}

func median(xs []float64) float64 {
	cp := append([]float64(nil), xs...)
	sort.Float64s(cp)
	n := len(cp)
	if n%2 == 1 {
		return cp[n/2]
	}
	return (cp[n/2-1] + cp[n/2]) / 2
}

// mad returns the median absolute deviation scaled by 1.4826 so it is
// comparable to a standard deviation under normality.
func mad(xs []float64, center float64) float64 {
	devs := make([]float64, len(xs))
	for i, x := range xs {
		devs[i] = math.Abs(x - center)
	}
	return 1.4826 * median(devs)
}
