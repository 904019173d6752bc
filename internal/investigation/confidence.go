package investigation

import (
	"github.com/open-fiscus/fiscus/internal/detect"
	"github.com/open-fiscus/fiscus/internal/dispatch"
)

// Confidence aggregation policies, selected by config.
const (
	ConfidenceWeightedMean = "weighted_mean"
	ConfidenceMean         = "mean"
	ConfidenceMax          = "max"
)

// WorkerConfidence is one worker's contribution to a stage verdict: the
// mean confidence over its findings, weighted by how much the worker is
// trusted.
type WorkerConfidence struct {
	WorkerID string  `json:"worker_id"`
	Trust    float64 `json:"trust"`
	Mean     float64 `json:"mean"`
	Findings int     `json:"findings"`
}

// stageConfidences collects per-worker confidence from a stage result.
// Only succeeded tasks that produced findings carry signal; a worker that
// found nothing neither raises nor lowers the verdict.
func stageConfidences(res dispatch.StageResult) []WorkerConfidence {
	var out []WorkerConfidence
	for _, tr := range res.Results {
		if tr.Status != dispatch.TaskSucceeded || len(tr.Findings) == 0 {
			continue
		}
		sum := 0.0
		for _, f := range tr.Findings {
			sum += f.Confidence
		}
		out = append(out, WorkerConfidence{
			WorkerID: tr.WorkerID,
			Trust:    detect.WeightsFor(tr.WorkerID).Trust,
			Mean:     sum / float64(len(tr.Findings)),
			Findings: len(tr.Findings),
		})
	}
	return out
}

// investigationConfidences collects worker contributions from every stage
// run so far. The evaluating decision and the final score both weigh the
// whole history, so evidence gathered before a reflection round still
// counts toward the verdict.
func investigationConfidences(stages []StageRecord) []WorkerConfidence {
	var out []WorkerConfidence
	for _, s := range stages {
		out = append(out, stageConfidences(s.Result)...)
	}
	return out
}

// aggregateConfidence folds per-worker confidence into one stage score.
// With no contributing workers the score is zero, which sends the
// orchestrator toward reflection rather than a confident empty answer.
func aggregateConfidence(policy string, per []WorkerConfidence) float64 {
	if len(per) == 0 {
		return 0
	}
	switch policy {
	case ConfidenceMean:
		sum := 0.0
		for _, wc := range per {
			sum += wc.Mean
		}
		return sum / float64(len(per))
	case ConfidenceMax:
		best := 0.0
		for _, wc := range per {
			if wc.Mean > best {
				best = wc.Mean
			}
		}
		return best
	default: // weighted_mean
		var num, den float64
		for _, wc := range per {
			num += wc.Trust * wc.Mean
			den += wc.Trust
		}
		if den == 0 {
			return 0
		}
		return num / den
	}
}
