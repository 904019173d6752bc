package sources

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"github.com/open-fiscus/fiscus/config"
)

// StaticProvider serves records from a local JSON fixture, falling back to a
// built-in sample set. Used by the one-shot CLI and throughout the tests.
type StaticProvider struct {
	cfg    config.StaticSourceConfig
	logger *log.Logger
}

func NewStaticProvider(cfg config.StaticSourceConfig) *StaticProvider {
	return &StaticProvider{cfg: cfg, logger: newLogger()}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Fetch(ctx context.Context, params Params) (RecordBatch, error) {
	if err := ctx.Err(); err != nil {
		return RecordBatch{Source: p.Name()}, err
	}
	records := SampleRecords()
	if p.cfg.Path != "" {
		data, err := os.ReadFile(p.cfg.Path)
		if err != nil {
			p.logger.Printf("fixture read failed: %v", err)
			return RecordBatch{Source: p.Name(), Err: err.Error()}, nil
		}
		var loaded []Record
		if err := json.Unmarshal(data, &loaded); err != nil {
			p.logger.Printf("fixture parse failed: %v", err)
			return RecordBatch{Source: p.Name(), Err: err.Error()}, nil
		}
		records = loaded
	}

	out := make([]Record, 0, len(records))
	for _, r := range records {
		if matches(r, params) {
			out = append(out, r)
		}
	}
	return RecordBatch{Source: p.Name(), Records: out}, nil
}

// matches applies the extracted query filters. Expanded fetches drop the
// region/date narrowing so reflection re-runs see a wider batch.
func matches(r Record, p Params) bool {
	if p.Entity != "" && !strings.Contains(strings.ToLower(r.Vendor.Name), strings.ToLower(p.Entity)) {
		return false
	}
	if p.Agency != "" && !strings.EqualFold(r.Agency, p.Agency) {
		return false
	}
	if p.MinAmount > 0 && r.Amount < p.MinAmount {
		return false
	}
	if p.Expanded {
		return true
	}
	if p.Region != "" && !strings.EqualFold(r.Region, p.Region) {
		return false
	}
	if !p.From.IsZero() && r.Date.Before(p.From) {
		return false
	}
	if !p.To.IsZero() && r.Date.After(p.To) {
		return false
	}
	return true
}

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

// SampleRecords returns the built-in deterministic dataset. It deliberately
// contains the patterns the detection workers look for: a gross outlier,
// same-day split purchases under the bidding threshold, identical amounts
// across unrelated vendors, a direct award above the legal limit and a
// payment with no justification text.
func SampleRecords() []Record {
	return []Record{
		{ID: "r-001", Date: day("2025-03-04"), Agency: "ministry-health", Vendor: Vendor{ID: "v-100", Name: "Hartwell Medical Supplies"}, Category: "medical-equipment", Modality: "bidding", Amount: 48250.00, Region: "SE", Description: "surgical instrument replacement, annual tender"},
		{ID: "r-002", Date: day("2025-03-09"), Agency: "ministry-health", Vendor: Vendor{ID: "v-101", Name: "Beacon Diagnostics"}, Category: "medical-equipment", Modality: "bidding", Amount: 52830.75, Region: "SE", Description: "laboratory analyzers, lot 2"},
		{ID: "r-003", Date: day("2025-03-15"), Agency: "ministry-education", Vendor: Vendor{ID: "v-102", Name: "Norfield Editora"}, Category: "textbooks", Modality: "bidding", Amount: 61440.10, Region: "S", Description: "primary school textbook print run"},
		{ID: "r-004", Date: day("2025-03-18"), Agency: "ministry-health", Vendor: Vendor{ID: "v-103", Name: "Vertex Construction Group"}, Category: "construction", Modality: "bidding", Amount: 1250000.00, Region: "NE", Description: "clinic renovation phase 1", NoticeURL: "https://portal.example.gov/notices/2025/0341"},
		{ID: "r-005", Date: day("2025-04-02"), Agency: "city-hall-porto-verde", Vendor: Vendor{ID: "v-104", Name: "Quintal Catering"}, Category: "food-services", Modality: "direct-award", Amount: 14900.00, Region: "NE", Description: "school meals april, batch a"},
		{ID: "r-006", Date: day("2025-04-02"), Agency: "city-hall-porto-verde", Vendor: Vendor{ID: "v-104", Name: "Quintal Catering"}, Category: "food-services", Modality: "direct-award", Amount: 14850.00, Region: "NE", Description: "school meals april, batch b"},
		{ID: "r-007", Date: day("2025-04-02"), Agency: "city-hall-porto-verde", Vendor: Vendor{ID: "v-104", Name: "Quintal Catering"}, Category: "food-services", Modality: "direct-award", Amount: 14990.00, Region: "NE", Description: "school meals april, batch c"},
		{ID: "r-008", Date: day("2025-04-11"), Agency: "ministry-infrastructure", Vendor: Vendor{ID: "v-105", Name: "Aldeia Paving"}, Category: "road-maintenance", Modality: "bidding", Amount: 73450.00, Region: "CO", Description: "pothole repair contract, district 4"},
		{ID: "r-009", Date: day("2025-04-12"), Agency: "ministry-infrastructure", Vendor: Vendor{ID: "v-106", Name: "Calveira Asphalt"}, Category: "road-maintenance", Modality: "bidding", Amount: 73450.00, Region: "CO", Description: "pothole repair contract, district 7"},
		{ID: "r-010", Date: day("2025-04-20"), Agency: "ministry-education", Vendor: Vendor{ID: "v-107", Name: "Platea Events"}, Category: "event-production", Modality: "direct-award", Amount: 100000.00, Region: "SE", Description: "national education fair staging"},
		{ID: "r-011", Date: day("2025-05-05"), Agency: "ministry-infrastructure", Vendor: Vendor{ID: "v-105", Name: "Aldeia Paving"}, Category: "road-maintenance", Modality: "direct-award", Amount: 412700.00, Region: "CO", Description: "emergency bridge deck replacement", NoticeURL: "https://portal.example.gov/notices/2025/0502"},
		{ID: "r-012", Date: day("2025-05-14"), Agency: "city-hall-porto-verde", Vendor: Vendor{ID: "v-108", Name: "Miramar Consulting"}, Category: "consulting", Modality: "direct-award", Amount: 88000.00, Region: "NE"},
	}
}
