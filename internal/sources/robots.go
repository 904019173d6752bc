package sources

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// robotsGate caches per-host robots.txt disallow rules. The parser is
// deliberately small: groups are matched against our agent string and the
// wildcard group, and only Disallow path prefixes are honored. Unreachable
// or missing robots.txt permits the fetch.
type robotsGate struct {
	agent  string
	client *http.Client

	mu    sync.Mutex
	rules map[string][]string
}

func newRobotsGate(agent string) *robotsGate {
	return &robotsGate{
		agent:  agent,
		client: &http.Client{Timeout: 10 * time.Second},
		rules:  make(map[string][]string),
	}
}

func (g *robotsGate) allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	prefixes := g.rulesFor(ctx, u)
	path := u.Path
	if path == "" {
		path = "/"
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

func (g *robotsGate) rulesFor(ctx context.Context, u *url.URL) []string {
	g.mu.Lock()
	cached, ok := g.rules[u.Host]
	g.mu.Unlock()
	if ok {
		return cached
	}
	prefixes := g.fetch(ctx, u)
	g.mu.Lock()
	g.rules[u.Host] = prefixes
	g.mu.Unlock()
	return prefixes
}

func (g *robotsGate) fetch(ctx context.Context, u *url.URL) []string {
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", g.agent)
	resp, err := g.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	return parseRobots(io.LimitReader(resp.Body, 64<<10), g.agent)
}

// parseRobots extracts Disallow prefixes from the groups that apply to
// agent. Consecutive User-agent lines share one group; any directive closes
// the group header.
func parseRobots(r io.Reader, agent string) []string {
	agent = strings.ToLower(agent)
	var prefixes []string
	applies := false
	inDirectives := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "user-agent":
			if inDirectives {
				applies = false
				inDirectives = false
			}
			ua := strings.ToLower(value)
			if ua == "*" || (ua != "" && strings.Contains(agent, ua)) {
				applies = true
			}
		case "disallow":
			inDirectives = true
			if applies && value != "" {
				prefixes = append(prefixes, value)
			}
		default:
			inDirectives = true
		}
	}
	return prefixes
}
