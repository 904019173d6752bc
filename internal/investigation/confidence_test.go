package investigation

import (
	"math"
	"testing"

	"github.com/open-fiscus/fiscus/internal/detect"
	"github.com/open-fiscus/fiscus/internal/dispatch"
)

func TestStageConfidencesSkipsNonContributors(t *testing.T) {
	res := dispatch.StageResult{
		Results: []dispatch.TaskResult{
			{WorkerID: "alpha", Status: dispatch.TaskSucceeded, Findings: []detect.Finding{
				{Worker: "alpha", Confidence: 0.8},
				{Worker: "alpha", Confidence: 0.6},
			}},
			{WorkerID: "quiet", Status: dispatch.TaskSucceeded},
			{WorkerID: "broken", Status: dispatch.TaskFailed},
			{WorkerID: "late", Status: dispatch.TaskTimedOut},
		},
	}
	per := stageConfidences(res)
	if len(per) != 1 {
		t.Fatalf("expected 1 contributing worker, got %d", len(per))
	}
	if per[0].WorkerID != "alpha" || per[0].Findings != 2 {
		t.Fatalf("unexpected contributor: %+v", per[0])
	}
	if math.Abs(per[0].Mean-0.7) > 1e-9 {
		t.Fatalf("expected mean 0.7, got %f", per[0].Mean)
	}
	if per[0].Trust != 0.5 {
		t.Fatalf("unknown worker should carry neutral trust, got %f", per[0].Trust)
	}
}

func TestAggregateConfidencePolicies(t *testing.T) {
	per := []WorkerConfidence{
		{WorkerID: "a", Trust: 0.9, Mean: 0.8},
		{WorkerID: "b", Trust: 0.5, Mean: 0.4},
	}

	wantWeighted := (0.9*0.8 + 0.5*0.4) / (0.9 + 0.5)
	if got := aggregateConfidence(ConfidenceWeightedMean, per); got != wantWeighted {
		t.Fatalf("weighted_mean: expected %f, got %f", wantWeighted, got)
	}
	if got := aggregateConfidence(ConfidenceMean, per); math.Abs(got-0.6) > 1e-9 {
		t.Fatalf("mean: expected 0.6, got %f", got)
	}
	if got := aggregateConfidence(ConfidenceMax, per); got != 0.8 {
		t.Fatalf("max: expected 0.8, got %f", got)
	}
	// Unrecognized policy falls back to the weighted mean.
	if got := aggregateConfidence("", per); got != wantWeighted {
		t.Fatalf("default: expected %f, got %f", wantWeighted, got)
	}
}

func TestAggregateConfidenceEmpty(t *testing.T) {
	if got := aggregateConfidence(ConfidenceWeightedMean, nil); got != 0 {
		t.Fatalf("no contributors should score zero, got %f", got)
	}
}
