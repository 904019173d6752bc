package sources

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	sourceMetricsOnce sync.Once
	batchCounter      otelmetric.Int64Counter
	recordCounter     otelmetric.Int64Counter
	noticeBlocked     otelmetric.Int64Counter
)

func initSourceMetrics() {
	meter := otel.Meter("fiscus/sources")
	var err error
	batchCounter, err = meter.Int64Counter(
		"source_batches_total",
		otelmetric.WithDescription("Record batches fetched from spending sources"),
	)
	if err != nil {
		log.Printf("source metrics init: batch counter: %v", err)
	}
	recordCounter, err = meter.Int64Counter(
		"spending_records_fetched_total",
		otelmetric.WithDescription("Spending records fetched across all sources"),
	)
	if err != nil {
		log.Printf("source metrics init: record counter: %v", err)
	}
	noticeBlocked, err = meter.Int64Counter(
		"notice_fetches_blocked_total",
		otelmetric.WithDescription("Procurement notice fetches refused by policy or robots.txt"),
	)
	if err != nil {
		log.Printf("source metrics init: notice counter: %v", err)
	}
}

// instrumented decorates a provider with fetch metrics.
type instrumented struct {
	next Provider
}

func instrument(p Provider) Provider { return &instrumented{next: p} }

func (m *instrumented) Name() string { return m.next.Name() }

func (m *instrumented) Fetch(ctx context.Context, params Params) (RecordBatch, error) {
	batch, err := m.next.Fetch(ctx, params)
	sourceMetricsOnce.Do(initSourceMetrics)
	if batchCounter != nil {
		batchCounter.Add(metricContext(ctx), 1, otelmetric.WithAttributes(
			attribute.String("provider", m.next.Name()),
			attribute.Bool("degraded", err != nil || batch.Err != ""),
		))
	}
	if recordCounter != nil && len(batch.Records) > 0 {
		recordCounter.Add(metricContext(ctx), int64(len(batch.Records)), otelmetric.WithAttributes(
			attribute.String("provider", m.next.Name()),
		))
	}
	return batch, err
}

func recordNoticeBlocked(ctx context.Context, reason string) {
	sourceMetricsOnce.Do(initSourceMetrics)
	if noticeBlocked == nil {
		return
	}
	noticeBlocked.Add(metricContext(ctx), 1, otelmetric.WithAttributes(attribute.String("reason", reason)))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
