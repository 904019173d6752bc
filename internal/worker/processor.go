package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/open-fiscus/fiscus/internal/investigation"
	"github.com/open-fiscus/fiscus/internal/queue/streams"
)

// StoreAPI is the slice of the store the processor needs: the idempotency
// claim that keeps a redelivered event from starting a second run.
type StoreAPI interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
}

// Runner executes one investigation to a terminal state on the caller's
// context. The investigation service satisfies it.
type Runner interface {
	RunSync(ctx context.Context, id string, q investigation.Query) (investigation.Investigation, error)
}

// enqueueConsumer and resultPublisher are the stream operations the
// processor uses; tests substitute in-memory stubs.
type enqueueConsumer interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
}

type resultPublisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// Processor drains investigation.enqueued, runs each investigation to a
// terminal state and announces the outcome on investigation.completed.
// Acknowledgement follows completion, so a crash mid-run redelivers the
// event and the idempotency claim decides whether it runs again.
type Processor struct {
	logger    *log.Logger
	store     StoreAPI
	svc       Runner
	consumer  enqueueConsumer
	publisher resultPublisher
	stream    string
	results   string
	tracer    trace.Tracer

	runCounter  otelmetric.Int64Counter
	skipCounter otelmetric.Int64Counter
	failCounter otelmetric.Int64Counter
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *log.Logger, st StoreAPI, svc Runner, cons *streams.Consumer, pub *streams.Publisher, stream, results string, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}
	proc := &Processor{
		logger:    logger,
		store:     st,
		svc:       svc,
		consumer:  cons,
		publisher: pub,
		stream:    stream,
		results:   results,
		tracer:    tracer,
	}
	if meter != nil {
		var err error
		proc.runCounter, err = meter.Int64Counter("worker_investigations_processed")
		if err != nil {
			logger.Printf("warn: create run counter failed: %v", err)
		}
		proc.skipCounter, err = meter.Int64Counter("worker_events_skipped")
		if err != nil {
			logger.Printf("warn: create skip counter failed: %v", err)
		}
		proc.failCounter, err = meter.Int64Counter("worker_investigations_failed")
		if err != nil {
			logger.Printf("warn: create fail counter failed: %v", err)
		}
	}
	return proc
}

// Start blocks, consuming enqueue events until the context is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker processor starting; consuming stream %s", p.stream)
	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker processor stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := p.consumer.Read(ctx, p.stream, streams.WithBlock(5*time.Second), streams.WithCount(16))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			if err := p.handleEnqueued(ctx, msg); err != nil {
				p.logger.Printf("error handling message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, p.stream, msg.ID); err != nil {
				p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
			}
		}
	}
}

func (p *Processor) handleEnqueued(ctx context.Context, msg streams.Message) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_enqueued")
	defer span.End()

	var payload streams.EnqueuePayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal enqueue payload: %w", err)
	}
	if payload.InvestigationID == "" {
		return fmt.Errorf("event %s carries no investigation id", msg.Envelope.EventID)
	}
	span.SetAttributes(attribute.String("investigation.id", payload.InvestigationID))

	// The investigation id is the idempotency key: redeliveries and
	// duplicate publishes of the same run collapse to one execution.
	claimed, err := p.store.ClaimIdempotency(ctx, msg.Envelope.EventType, payload.InvestigationID)
	if err != nil {
		return fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed {
		p.logger.Printf("skip investigation %s: already claimed", payload.InvestigationID)
		if p.skipCounter != nil {
			p.skipCounter.Add(ctx, 1)
		}
		return nil
	}

	inv, err := p.svc.RunSync(ctx, payload.InvestigationID, investigation.Query{
		Text:   payload.QueryText,
		Params: payload.Params,
	})
	if err != nil {
		if p.failCounter != nil {
			p.failCounter.Add(ctx, 1)
		}
		// Still announce the terminal state; a failed run is a result
		// too, and downstream consumers want to stop waiting.
		p.announce(ctx, inv)
		return fmt.Errorf("run investigation %s: %w", payload.InvestigationID, err)
	}

	p.announce(ctx, inv)
	if p.runCounter != nil {
		p.runCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("state", string(inv.State))))
	}
	p.logger.Printf("investigation %s finished as %s with %d findings", inv.ID, inv.State, len(inv.Findings))
	return nil
}

func (p *Processor) announce(ctx context.Context, inv investigation.Investigation) {
	if p.publisher == nil || inv.ID == "" {
		return
	}
	payload := streams.CompletedPayload{
		InvestigationID: inv.ID,
		State:           string(inv.State),
		Confidence:      inv.Confidence,
		Findings:        len(inv.Findings),
		Flags:           inv.Flags,
	}
	if _, err := p.publisher.PublishRaw(ctx, p.results, streams.EventInvestigationCompleted, "v1", payload); err != nil {
		p.logger.Printf("warn: publish completion for %s: %v", inv.ID, err)
	}
}
