package detect

import (
	"context"
	"fmt"
	"sort"

	"github.com/open-fiscus/fiscus/internal/sources"
)

const regionalDeviationFactor = 1.5

// RegionalWorker compares average spend per region against the median of
// all regional averages and flags regions spending disproportionately.
type RegionalWorker struct{}

func NewRegionalWorker() *RegionalWorker { return &RegionalWorker{} }

func (w *RegionalWorker) ID() string { return WorkerRegional }

func (w *RegionalWorker) Describe() string {
	return "flags regions whose average spend deviates from the cross-region median"
}

func (w *RegionalWorker) Evaluate(ctx context.Context, batch sources.RecordBatch, snap Snapshot) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type regionStat struct {
		ids   []string
		total float64
	}
	regions := make(map[string]*regionStat)
	for _, r := range batch.Records {
		if r.Region == "" {
			continue
		}
		s, ok := regions[r.Region]
		if !ok {
			s = &regionStat{}
			regions[r.Region] = s
		}
		s.ids = append(s.ids, r.ID)
		s.total += r.Amount
	}
	if len(regions) < 2 {
		return nil, nil
	}

	names := sortedKeys(regions)
	averages := make([]float64, 0, len(names))
	for _, name := range names {
		s := regions[name]
		averages = append(averages, s.total/float64(len(s.ids)))
	}
	base := median(averages)
	if base <= 0 {
		return nil, nil
	}

	var findings []Finding
	for i, name := range names {
		s := regions[name]
		if len(s.ids) < 2 {
			continue
		}
		ratio := averages[i] / base
		if ratio <= regionalDeviationFactor {
			continue
		}
		findings = append(findings, Finding{
			Worker:     w.ID(),
			Category:   "regional-deviation",
			Severity:   clip01(0.4 + (ratio-regionalDeviationFactor)/regionalDeviationFactor*0.4),
			Confidence: 0.7,
			Evidence:   append([]string(nil), s.ids...),
			Explanation: fmt.Sprintf("region %s averages %.2f per record, %.1fx the cross-region median %.2f",
				name, averages[i], ratio, base),
		})
	}
	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Severity > findings[j].Severity })
	return findings, nil
}
