package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/policy"
)

func TestStaticFetchIsDeterministic(t *testing.T) {
	p := NewStaticProvider(config.StaticSourceConfig{})
	ctx := context.Background()

	a, err := p.Fetch(ctx, Params{Region: "NE"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	b, err := p.Fetch(ctx, Params{Region: "NE"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("two identical fetches differ:\n%s", diff)
	}
	if len(a.Records) == 0 {
		t.Fatalf("expected NE records in sample set")
	}
	for _, r := range a.Records {
		if r.Region != "NE" {
			t.Fatalf("record %s leaked region %s", r.ID, r.Region)
		}
	}
}

func TestStaticExpandedWidensBatch(t *testing.T) {
	p := NewStaticProvider(config.StaticSourceConfig{})
	ctx := context.Background()

	narrow, _ := p.Fetch(ctx, Params{Region: "NE"})
	wide, _ := p.Fetch(ctx, Params{Region: "NE", Expanded: true})
	if len(wide.Records) <= len(narrow.Records) {
		t.Fatalf("expanded fetch returned %d records, narrow %d", len(wide.Records), len(narrow.Records))
	}
}

func TestStaticEntityFilter(t *testing.T) {
	p := NewStaticProvider(config.StaticSourceConfig{})
	batch, err := p.Fetch(context.Background(), Params{Entity: "quintal"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch.Records) != 3 {
		t.Fatalf("expected 3 quintal records, got %d", len(batch.Records))
	}
}

func TestTransparencyFetchNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/expenses" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("vendor"); got != "acme" {
			t.Errorf("vendor param = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[
			{"id":"t-1","date":"2025-02-01","agency":"ministry-health","vendor_name":"Acme Supplies","category":"medical","modality":"bidding","amount":1234.5,"region":"SE"},
			{"id":"t-2","date":"2025-02-03","agency":"ministry-health","vendor_id":"v-9","vendor_name":"Beta Corp","category":"medical","modality":"direct-award","amount":99.0,"region":"SE"}
		]}`))
	}))
	defer srv.Close()

	p := NewTransparencyProvider(config.TransparencyConfig{BaseURL: srv.URL, Timeout: 2 * time.Second})
	batch, err := p.Fetch(context.Background(), Params{Entity: "acme"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if batch.Err != "" {
		t.Fatalf("unexpected batch error: %s", batch.Err)
	}
	if len(batch.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(batch.Records))
	}
	first := batch.Records[0]
	if first.Vendor.ID != "acme-supplies" {
		t.Fatalf("vendor id not derived from name: %q", first.Vendor.ID)
	}
	if first.Date.Format("2006-01-02") != "2025-02-01" {
		t.Fatalf("date parsed as %v", first.Date)
	}
}

func TestTransparencyFailureSetsErrFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewTransparencyProvider(config.TransparencyConfig{BaseURL: srv.URL, Timeout: 2 * time.Second})
	batch, err := p.Fetch(context.Background(), Params{})
	if err != nil {
		t.Fatalf("fetch must not return an error for upstream failure, got %v", err)
	}
	if batch.Err == "" {
		t.Fatalf("expected error flag on batch")
	}
	if len(batch.Records) != 0 {
		t.Fatalf("expected empty batch, got %d records", len(batch.Records))
	}
}

func TestTransparencyTruncatesAtMaxRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[
			{"id":"a","date":"2025-01-01","vendor_name":"V1","amount":1},
			{"id":"b","date":"2025-01-02","vendor_name":"V2","amount":2},
			{"id":"c","date":"2025-01-03","vendor_name":"V3","amount":3}
		]}`))
	}))
	defer srv.Close()

	p := NewTransparencyProvider(config.TransparencyConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, MaxRecords: 2})
	batch, err := p.Fetch(context.Background(), Params{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(batch.Records) != 2 || !batch.Truncated {
		t.Fatalf("expected truncated batch of 2, got %d truncated=%v", len(batch.Records), batch.Truncated)
	}
}

type stubProvider struct {
	batch RecordBatch
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Fetch(ctx context.Context, params Params) (RecordBatch, error) {
	return s.batch, nil
}

const noticeHTML = `<html><head><title>Notice 42</title></head><body><article>
<p>Public tender notice for road resurfacing across the northeast region, covering
thirty-one municipal segments and related drainage works along the federal corridor.</p>
<p>Bids must be submitted through the electronic procurement system before the closing
date stated in the annex. Late submissions are rejected without further evaluation.</p>
<p>The reference budget for this contract was established from the regional price panel
published last quarter and includes mobilization and signaling costs for all segments.</p>
</article></body></html>`

func TestPortalAttachesNoticeText(t *testing.T) {
	pol, err := policy.NewSourcePolicy(config.SourcePolicyConfig{Allow: []string{"127.0.0.1"}})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	base := &stubProvider{batch: RecordBatch{Source: "stub", Records: []Record{
		{ID: "n-1", NoticeURL: "http://127.0.0.1:8099/notice/42"},
	}}}
	p := NewPortalProvider(base, config.PortalConfig{Timeout: time.Second}, pol)
	p.render = func(ctx context.Context, rawURL string) (string, error) {
		return noticeHTML, nil
	}

	batch, err := p.Fetch(context.Background(), Params{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	desc := batch.Records[0].Description
	if !strings.Contains(desc, "road resurfacing") {
		t.Fatalf("notice text not attached, got %q", desc)
	}
}

func TestPortalSkipsBlockedHost(t *testing.T) {
	pol, err := policy.NewSourcePolicy(config.SourcePolicyConfig{Allow: []string{"transparencia.example.gov"}})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	base := &stubProvider{batch: RecordBatch{Source: "stub", Records: []Record{
		{ID: "n-2", NoticeURL: "https://random.example.org/notice/9"},
	}}}
	p := NewPortalProvider(base, config.PortalConfig{Timeout: time.Second}, pol)
	rendered := false
	p.render = func(ctx context.Context, rawURL string) (string, error) {
		rendered = true
		return noticeHTML, nil
	}

	batch, err := p.Fetch(context.Background(), Params{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if rendered {
		t.Fatalf("renderer must not run for a host outside the allowlist")
	}
	if batch.Records[0].Description != "" {
		t.Fatalf("blocked notice must stay unattached")
	}
}

func TestPortalHonorsRobots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /sealed\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	pol, err := policy.NewSourcePolicy(config.SourcePolicyConfig{RespectRobots: true, Allow: []string{srv.URL}})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	base := &stubProvider{batch: RecordBatch{Source: "stub", Records: []Record{
		{ID: "n-3", NoticeURL: srv.URL + "/sealed/contract"},
		{ID: "n-4", NoticeURL: srv.URL + "/public/contract"},
	}}}
	p := NewPortalProvider(base, config.PortalConfig{Timeout: time.Second}, pol)
	p.render = func(ctx context.Context, rawURL string) (string, error) {
		return noticeHTML, nil
	}

	batch, err := p.Fetch(context.Background(), Params{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if batch.Records[0].Description != "" {
		t.Fatalf("robots-disallowed notice must be skipped")
	}
	if batch.Records[1].Description == "" {
		t.Fatalf("robots-allowed notice should be rendered")
	}
}

func TestParseRobots(t *testing.T) {
	body := `# spending portal rules
User-agent: archiver
Disallow: /exports

User-agent: fiscus
User-agent: otherbot
Disallow: /drafts
Allow: /drafts/published

User-agent: *
Disallow: /internal
`
	prefixes := parseRobots(strings.NewReader(body), portalUserAgent)
	want := map[string]bool{"/drafts": true, "/internal": true}
	if len(prefixes) != len(want) {
		t.Fatalf("prefixes = %v", prefixes)
	}
	for _, prefix := range prefixes {
		if !want[prefix] {
			t.Fatalf("unexpected prefix %q in %v", prefix, prefixes)
		}
	}
}
