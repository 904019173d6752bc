package sources

import (
	"context"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/policy"
)

const (
	maxNoticeChars   = 4000
	maxNoticeFetches = 5
	portalUserAgent  = "fiscus/1.0 (+https://github.com/open-fiscus/fiscus)"
)

// PortalProvider decorates another provider: records that reference a
// procurement-notice page get the rendered page's readable text attached as
// their description. Portals are frequently JS-rendered, hence the headless
// browser. Hosts blocked by the source policy are never contacted.
type PortalProvider struct {
	base   Provider
	cfg    config.PortalConfig
	policy *policy.SourcePolicy
	robots *robotsGate
	render func(ctx context.Context, rawURL string) (string, error)
	logger *log.Logger
}

func NewPortalProvider(base Provider, cfg config.PortalConfig, pol *policy.SourcePolicy) *PortalProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	p := &PortalProvider{base: base, cfg: cfg, policy: pol, render: renderHTML, logger: newLogger()}
	if pol != nil && pol.RespectRobots {
		p.robots = newRobotsGate(portalUserAgent)
	}
	return p
}

func (p *PortalProvider) Name() string { return p.base.Name() + "+portal" }

func (p *PortalProvider) Fetch(ctx context.Context, params Params) (RecordBatch, error) {
	batch, err := p.base.Fetch(ctx, params)
	if err != nil || batch.Err != "" {
		return batch, err
	}
	fetched := 0
	for i := range batch.Records {
		if fetched >= maxNoticeFetches {
			break
		}
		rec := &batch.Records[i]
		if rec.NoticeURL == "" || rec.Description != "" {
			continue
		}
		if p.policy.Blocks(rec.NoticeURL) {
			p.logger.Printf("notice host blocked by policy: %s", rec.NoticeURL)
			recordNoticeBlocked(ctx, "policy")
			continue
		}
		if p.robots != nil && !p.robots.allowed(ctx, rec.NoticeURL) {
			p.logger.Printf("notice fetch disallowed by robots.txt: %s", rec.NoticeURL)
			recordNoticeBlocked(ctx, "robots")
			continue
		}
		text, err := p.fetchNotice(ctx, rec.NoticeURL)
		if err != nil {
			p.logger.Printf("notice fetch failed for %s: %v", rec.ID, err)
			continue
		}
		rec.Description = text
		fetched++
	}
	return batch, nil
}

func (p *PortalProvider) fetchNotice(ctx context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	html, err := p.render(ctx, rawURL)
	if err != nil {
		return "", err
	}
	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(rawURL))
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > maxNoticeChars {
		text = text[:maxNoticeChars]
	}
	return text, nil
}

func renderHTML(ctx context.Context, rawURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(portalUserAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
