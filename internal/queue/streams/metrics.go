package streams

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce   sync.Once
	enqueuedCounter     otelmetric.Int64Counter
	completedCounter    otelmetric.Int64Counter
	completedConfidence otelmetric.Float64Histogram
	discardedCounter    otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("fiscus/queue/streams")
	var err error
	enqueuedCounter, err = meter.Int64Counter(
		"investigations_enqueued_total",
		otelmetric.WithDescription("Investigation requests published to the enqueue stream"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: investigations_enqueued_total: %v", err)
	}
	completedCounter, err = meter.Int64Counter(
		"investigation_results_published_total",
		otelmetric.WithDescription("Terminal-state notifications published to the results stream"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: investigation_results_published_total: %v", err)
	}
	completedConfidence, err = meter.Float64Histogram(
		"investigation_result_confidence",
		otelmetric.WithDescription("Confidence reported on published results"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: investigation_result_confidence: %v", err)
	}
	discardedCounter, err = meter.Int64Counter(
		"stream_entries_discarded_total",
		otelmetric.WithDescription("Stream entries acknowledged away because they could not be decoded or validated"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_entries_discarded_total: %v", err)
	}
}

func recordDiscard(ctx context.Context, stream, reason string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if discardedCounter == nil {
		return
	}
	discardedCounter.Add(contextOrBackground(ctx), 1,
		otelmetric.WithAttributes(attribute.String("stream", stream), attribute.String("reason", reason)))
}

func recordStreamMetrics(ctx context.Context, eventType string, payload []byte) {
	switch eventType {
	case EventInvestigationEnqueued:
		streamMetricsOnce.Do(initStreamMetrics)
		if enqueuedCounter == nil {
			return
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			return
		}
		trigger, _ := doc["trigger"].(string)
		enqueuedCounter.Add(contextOrBackground(ctx), 1,
			otelmetric.WithAttributes(attribute.String("trigger", trigger)))
	case EventInvestigationCompleted:
		streamMetricsOnce.Do(initStreamMetrics)
		if completedCounter == nil {
			return
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(payload, &doc); err != nil {
			return
		}
		state, _ := doc["state"].(string)
		attrs := otelmetric.WithAttributes(attribute.String("state", state))
		completedCounter.Add(contextOrBackground(ctx), 1, attrs)
		if conf, ok := doc["confidence"].(float64); ok && completedConfidence != nil {
			completedConfidence.Record(contextOrBackground(ctx), conf, attrs)
		}
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
