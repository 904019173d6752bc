package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/open-fiscus/fiscus/config"
)

// TransparencyProvider pulls spending records from a government open-data
// HTTP API and normalizes them.
type TransparencyProvider struct {
	cfg    config.TransparencyConfig
	client *http.Client
	logger *log.Logger
}

func NewTransparencyProvider(cfg config.TransparencyConfig) *TransparencyProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TransparencyProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: newLogger(),
	}
}

func (p *TransparencyProvider) Name() string { return "transparency" }

type transparencyItem struct {
	ID          string  `json:"id"`
	Date        string  `json:"date"`
	Agency      string  `json:"agency"`
	VendorID    string  `json:"vendor_id"`
	VendorName  string  `json:"vendor_name"`
	Category    string  `json:"category"`
	Modality    string  `json:"modality"`
	Amount      float64 `json:"amount"`
	Region      string  `json:"region"`
	Description string  `json:"description"`
	NoticeURL   string  `json:"notice_url"`
}

func (p *TransparencyProvider) Fetch(ctx context.Context, params Params) (RecordBatch, error) {
	endpoint, err := p.buildURL(params)
	if err != nil {
		return RecordBatch{Source: p.Name(), Err: err.Error()}, nil
	}

	items, err := p.get(ctx, endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return RecordBatch{Source: p.Name()}, ctx.Err()
		}
		// one retry for transient upstream hiccups
		items, err = p.get(ctx, endpoint)
	}
	if err != nil {
		if ctx.Err() != nil {
			return RecordBatch{Source: p.Name()}, ctx.Err()
		}
		p.logger.Printf("transparency fetch failed: %v", err)
		return RecordBatch{Source: p.Name(), Err: err.Error()}, nil
	}

	batch := RecordBatch{Source: p.Name(), Records: make([]Record, 0, len(items))}
	max := p.cfg.MaxRecords
	if max <= 0 {
		max = 500
	}
	for _, it := range items {
		if len(batch.Records) >= max {
			batch.Truncated = true
			break
		}
		batch.Records = append(batch.Records, normalizeItem(it))
	}
	return batch, nil
}

func (p *TransparencyProvider) buildURL(params Params) (string, error) {
	u, err := url.Parse(p.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("bad base url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/expenses"
	q := u.Query()
	if params.Entity != "" {
		q.Set("vendor", params.Entity)
	}
	if params.Agency != "" {
		q.Set("agency", params.Agency)
	}
	if params.Category != "" {
		q.Set("category", params.Category)
	}
	if params.MinAmount > 0 {
		q.Set("min_amount", strconv.FormatFloat(params.MinAmount, 'f', 2, 64))
	}
	if !params.Expanded {
		if params.Region != "" {
			q.Set("region", params.Region)
		}
		if !params.From.IsZero() {
			q.Set("from", params.From.Format("2006-01-02"))
		}
		if !params.To.IsZero() {
			q.Set("to", params.To.Format("2006-01-02"))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *TransparencyProvider) get(ctx context.Context, endpoint string) ([]transparencyItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", p.cfg.APIKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Items []transparencyItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return payload.Items, nil
}

func normalizeItem(it transparencyItem) Record {
	date, err := time.Parse("2006-01-02", it.Date)
	if err != nil {
		// some endpoints ship timestamps
		date, _ = time.Parse(time.RFC3339, it.Date)
	}
	vendorID := it.VendorID
	if vendorID == "" {
		vendorID = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(it.VendorName), " ", "-"))
	}
	return Record{
		ID:          it.ID,
		Date:        date,
		Agency:      it.Agency,
		Vendor:      Vendor{ID: vendorID, Name: it.VendorName},
		Category:    it.Category,
		Modality:    it.Modality,
		Amount:      it.Amount,
		Region:      it.Region,
		Description: it.Description,
		NoticeURL:   it.NoticeURL,
	}
}
