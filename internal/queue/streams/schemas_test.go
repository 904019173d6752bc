package streams

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventSchemasValidate(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	enqueue := map[string]interface{}{
		"investigation_id": "inv-123",
		"query_text":       "find anomalous spending in health contracts",
		"trigger":          "manual",
		"user_id":          "u-1",
		"params":           map[string]interface{}{"region": "NE"},
	}
	data, err := json.Marshal(enqueue)
	if err != nil {
		t.Fatalf("marshal enqueue payload: %v", err)
	}
	if err := reg.Validate(EventInvestigationEnqueued, "v1", data); err != nil {
		t.Fatalf("expected enqueue payload to validate: %v", err)
	}

	completed := map[string]interface{}{
		"investigation_id": "inv-123",
		"state":            "completed",
		"confidence":       0.72,
		"findings":         4,
		"flags":            []string{"partial"},
	}
	data, err = json.Marshal(completed)
	if err != nil {
		t.Fatalf("marshal completed payload: %v", err)
	}
	if err := reg.Validate(EventInvestigationCompleted, "v1", data); err != nil {
		t.Fatalf("expected completed payload to validate: %v", err)
	}
}

func TestEventSchemasRejectBadPayloads(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	missingQuery := []byte(`{"investigation_id":"inv-1","trigger":"manual"}`)
	if err := reg.Validate(EventInvestigationEnqueued, "v1", missingQuery); err == nil {
		t.Fatal("payload without query_text should fail validation")
	}

	badTrigger := []byte(`{"investigation_id":"inv-1","query_text":"q","trigger":"cron"}`)
	if err := reg.Validate(EventInvestigationEnqueued, "v1", badTrigger); err == nil {
		t.Fatal("unknown trigger should fail validation")
	}

	badState := []byte(`{"investigation_id":"inv-1","state":"running"}`)
	if err := reg.Validate(EventInvestigationCompleted, "v1", badState); err == nil {
		t.Fatal("non-terminal state should fail validation")
	}

	if err := reg.Validate("investigation.unknown", "v1", []byte(`{}`)); err == nil {
		t.Fatal("unregistered event type should fail validation")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload, err := json.Marshal(EnqueuePayload{
		InvestigationID: "inv-9",
		QueryText:       "compliance check on direct awards",
		Trigger:         TriggerSchedule,
		WatchlistID:     "w-1",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := Envelope{
		EventID:        "evt-1",
		EventType:      EventInvestigationEnqueued,
		OccurredAt:     time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC),
		PayloadVersion: "v1",
		Data:           payload,
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	got, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if got.EventID != env.EventID || got.EventType != env.EventType || got.PayloadVersion != "v1" {
		t.Fatalf("envelope fields drifted: %+v", got)
	}
	var decoded EnqueuePayload
	if err := json.Unmarshal(got.Data, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.InvestigationID != "inv-9" || decoded.Trigger != TriggerSchedule {
		t.Fatalf("payload drifted: %+v", decoded)
	}
}

func TestEnvelopeValidateBasic(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"missing event id", Envelope{EventType: "t", PayloadVersion: "v1", Data: []byte(`{}`)}},
		{"missing event type", Envelope{EventID: "e", PayloadVersion: "v1", Data: []byte(`{}`)}},
		{"missing payload version", Envelope{EventID: "e", EventType: "t", Data: []byte(`{}`)}},
		{"missing data", Envelope{EventID: "e", EventType: "t", PayloadVersion: "v1"}},
		{"negative attempt", Envelope{EventID: "e", EventType: "t", PayloadVersion: "v1", Attempt: -1, Data: []byte(`{}`)}},
	}
	for _, tc := range cases {
		if err := tc.env.ValidateBasic(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}

	ok := Envelope{EventID: "e", EventType: "t", PayloadVersion: "v1", Data: []byte(`{}`)}
	if err := ok.ValidateBasic(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
	if ok.OccurredAt.IsZero() {
		t.Fatal("ValidateBasic should default occurred_at")
	}
}
