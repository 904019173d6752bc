package sources

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/policy"
)

// Record is one normalized public-spending entry. Every provider maps its
// upstream format onto this shape before the core sees it.
type Record struct {
	ID          string    `json:"id"`
	Date        time.Time `json:"date"`
	Agency      string    `json:"agency"`
	Vendor      Vendor    `json:"vendor"`
	Category    string    `json:"category"`
	Modality    string    `json:"modality"` // procurement modality: bidding, direct-award, emergency
	Amount      float64   `json:"amount"`
	Region      string    `json:"region"`
	Description string    `json:"description,omitempty"`
	NoticeURL   string    `json:"notice_url,omitempty"`
}

// Vendor identifies the payee of a spending record.
type Vendor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RecordBatch is the unit of worker input. A fetch failure is reported via
// Err on an empty batch, never as a provider crash: an empty flagged batch
// is valid (if uninformative) input downstream.
type RecordBatch struct {
	Source    string   `json:"source"`
	Records   []Record `json:"records"`
	Truncated bool     `json:"truncated,omitempty"`
	Err       string   `json:"error,omitempty"`
}

// Params carries the query parameters extracted by the intent router.
// Expanded is set on reflection re-runs to widen the fetch window.
type Params struct {
	Entity    string    `json:"entity,omitempty"`
	Agency    string    `json:"agency,omitempty"`
	Region    string    `json:"region,omitempty"`
	Category  string    `json:"category,omitempty"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
	MinAmount float64   `json:"min_amount,omitempty"`
	Expanded  bool      `json:"expanded,omitempty"`
}

// Provider fetches and normalizes spending records from one upstream.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, params Params) (RecordBatch, error)
}

// New builds the configured provider chain. The portal decorator is stacked
// on top when enabled so notice pages get rendered and attached, and the
// whole chain reports fetch metrics.
func New(cfg config.SourcesConfig) (Provider, error) {
	pol, err := policy.NewSourcePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	var base Provider
	switch cfg.Provider {
	case "", "static":
		base = NewStaticProvider(cfg.Static)
	case "transparency", "portal":
		base = NewTransparencyProvider(cfg.Transparency)
	default:
		return nil, fmt.Errorf("unknown sources provider %q", cfg.Provider)
	}
	if cfg.Portal.Enabled || cfg.Provider == "portal" {
		base = NewPortalProvider(base, cfg.Portal, pol)
	}
	return instrument(base), nil
}

func newLogger() *log.Logger {
	return log.New(log.Writer(), "[SOURCES] ", log.LstdFlags)
}
