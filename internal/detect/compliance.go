package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-fiscus/fiscus/internal/sources"
)

// direct awards above this amount require a bidding process
const directAwardCeiling = 50000.00

// ComplianceWorker checks records against procurement-law shaped rules:
// direct awards above the legal ceiling and awards lacking any published
// justification text.
type ComplianceWorker struct{}

func NewComplianceWorker() *ComplianceWorker { return &ComplianceWorker{} }

func (w *ComplianceWorker) ID() string { return WorkerCompliance }

func (w *ComplianceWorker) Describe() string {
	return "checks direct-award ceilings and missing justification text"
}

func (w *ComplianceWorker) Evaluate(ctx context.Context, batch sources.RecordBatch, snap Snapshot) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var findings []Finding
	for _, r := range batch.Records {
		if r.Modality == "direct-award" && r.Amount > directAwardCeiling {
			findings = append(findings, Finding{
				Worker:     w.ID(),
				Category:   "missing-bid-process",
				Severity:   clip01(0.6 + 0.2*(r.Amount-directAwardCeiling)/directAwardCeiling),
				Confidence: 0.9,
				Evidence:   []string{r.ID},
				Explanation: fmt.Sprintf("direct award of %.2f to %s exceeds the %.0f ceiling that mandates bidding",
					r.Amount, r.Vendor.Name, directAwardCeiling),
			})
		}
		if r.Modality == "direct-award" && strings.TrimSpace(r.Description) == "" {
			findings = append(findings, Finding{
				Worker:      w.ID(),
				Category:    "missing-justification",
				Severity:    0.6,
				Confidence:  0.85,
				Evidence:    []string{r.ID},
				Explanation: fmt.Sprintf("direct award of %.2f to %s carries no justification text", r.Amount, r.Vendor.Name),
			})
		}
	}
	return findings, nil
}
