package worker

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/open-fiscus/fiscus/internal/investigation"
	"github.com/open-fiscus/fiscus/internal/queue/streams"
)

type fakeStore struct {
	claims map[string]bool
}

func (f *fakeStore) ClaimIdempotency(_ context.Context, scope, key string) (bool, error) {
	id := scope + ":" + key
	if f.claims[id] {
		return false, nil
	}
	if f.claims == nil {
		f.claims = make(map[string]bool)
	}
	f.claims[id] = true
	return true, nil
}

type fakeRunner struct {
	calls []string
	inv   investigation.Investigation
}

func (f *fakeRunner) RunSync(_ context.Context, id string, _ investigation.Query) (investigation.Investigation, error) {
	f.calls = append(f.calls, id)
	inv := f.inv
	inv.ID = id
	return inv, nil
}

type fakeConsumer struct {
	msgs []streams.Message
	acks []string
}

func (f *fakeConsumer) Read(ctx context.Context, _ string, _ ...streams.ConsumerOption) ([]streams.Message, error) {
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	out := f.msgs
	f.msgs = nil
	return out, nil
}

func (f *fakeConsumer) Ack(_ context.Context, _ string, ids ...string) error {
	f.acks = append(f.acks, ids...)
	return nil
}

type fakePublisher struct {
	events []streams.CompletedPayload
}

func (f *fakePublisher) PublishRaw(_ context.Context, _, _, _ string, payload interface{}, _ ...streams.PublishOption) (string, error) {
	f.events = append(f.events, payload.(streams.CompletedPayload))
	return "1-0", nil
}

func enqueueMessage(t *testing.T, id, eventID string) streams.Message {
	t.Helper()
	data, err := json.Marshal(streams.EnqueuePayload{
		InvestigationID: id,
		QueryText:       "anomalies in road maintenance spending",
		Trigger:         streams.TriggerManual,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return streams.Message{
		ID: "1-0",
		Envelope: streams.Envelope{
			EventID:        eventID,
			EventType:      streams.EventInvestigationEnqueued,
			PayloadVersion: "v1",
			Data:           data,
		},
	}
}

func newTestProcessor(st StoreAPI, svc Runner, cons enqueueConsumer, pub resultPublisher) *Processor {
	return &Processor{
		logger:    log.New(os.Stdout, "[TEST] ", log.LstdFlags),
		store:     st,
		svc:       svc,
		consumer:  cons,
		publisher: pub,
		stream:    streams.StreamInvestigations,
		results:   streams.StreamResults,
		tracer:    trace.NewNoopTracerProvider().Tracer("worker-test"),
	}
}

func TestProcessorRunsAndAnnounces(t *testing.T) {
	runner := &fakeRunner{inv: investigation.Investigation{
		State:      investigation.StateCompleted,
		Confidence: 0.8,
		Findings:   make([]investigation.FindingRecord, 3),
	}}
	cons := &fakeConsumer{msgs: []streams.Message{enqueueMessage(t, "inv-1", "evt-1")}}
	pub := &fakePublisher{}
	proc := newTestProcessor(&fakeStore{}, runner, cons, pub)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := proc.Start(ctx); err != nil {
		t.Fatalf("processor exit: %v", err)
	}

	if len(runner.calls) != 1 || runner.calls[0] != "inv-1" {
		t.Fatalf("expected one run of inv-1, got %v", runner.calls)
	}
	if len(cons.acks) != 1 {
		t.Fatalf("expected one ack, got %v", cons.acks)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected one completion event, got %d", len(pub.events))
	}
	evt := pub.events[0]
	if evt.InvestigationID != "inv-1" || evt.State != string(investigation.StateCompleted) || evt.Findings != 3 {
		t.Fatalf("unexpected completion payload: %+v", evt)
	}
}

func TestProcessorSkipsClaimedEvents(t *testing.T) {
	runner := &fakeRunner{inv: investigation.Investigation{State: investigation.StateCompleted}}
	// Two deliveries of the same investigation under different event ids,
	// as a publisher retry would produce.
	cons := &fakeConsumer{msgs: []streams.Message{
		enqueueMessage(t, "inv-dup", "evt-1"),
		enqueueMessage(t, "inv-dup", "evt-2"),
	}}
	pub := &fakePublisher{}
	proc := newTestProcessor(&fakeStore{}, runner, cons, pub)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := proc.Start(ctx); err != nil {
		t.Fatalf("processor exit: %v", err)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("expected exactly one run, got %v", runner.calls)
	}
	if len(cons.acks) != 2 {
		t.Fatalf("expected both messages acked, got %v", cons.acks)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected one completion event, got %d", len(pub.events))
	}
}

func TestProcessorRejectsEmptyInvestigationID(t *testing.T) {
	runner := &fakeRunner{}
	msg := enqueueMessage(t, "", "evt-1")
	proc := newTestProcessor(&fakeStore{}, runner, &fakeConsumer{}, &fakePublisher{})

	if err := proc.handleEnqueued(context.Background(), msg); err == nil {
		t.Fatal("expected error for missing investigation id")
	}
	if len(runner.calls) != 0 {
		t.Fatalf("runner should not be invoked, got %v", runner.calls)
	}
}
