package policy

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/open-fiscus/fiscus/config"
)

// RefreshMode defines how the scheduler treats a due watchlist relative to
// recent activity.
type RefreshMode string

const (
	// RefreshModeAdaptive skips a due watchlist when it was already enqueued
	// inside the minimum interval.
	RefreshModeAdaptive RefreshMode = "adaptive"
	// RefreshModeAlways enqueues on every due tick regardless of recency.
	RefreshModeAlways RefreshMode = "always"
	// RefreshModeManual disables scheduled runs entirely; watchlists only run
	// when triggered explicitly.
	RefreshModeManual RefreshMode = "manual"
)

var validRefreshModes = map[RefreshMode]struct{}{
	RefreshModeAdaptive: {},
	RefreshModeAlways:   {},
	RefreshModeManual:   {},
}

// Valid reports whether the refresh mode is supported.
func (m RefreshMode) Valid() bool {
	_, ok := validRefreshModes[m]
	return ok
}

// RefreshPolicy bounds how often scheduled watchlist investigations repeat.
type RefreshPolicy struct {
	Mode        RefreshMode
	MinInterval time.Duration
}

// NewRefreshPolicy builds a RefreshPolicy from scheduler configuration.
func NewRefreshPolicy(cfg config.SchedulerConfig) (RefreshPolicy, error) {
	mode := RefreshMode(cfg.Mode)
	if mode == "" {
		mode = RefreshModeAdaptive
	}
	if !mode.Valid() {
		return RefreshPolicy{}, fmt.Errorf("invalid scheduler mode: %s", cfg.Mode)
	}
	if cfg.MinInterval < 0 {
		return RefreshPolicy{}, fmt.Errorf("scheduler min_interval cannot be negative")
	}
	return RefreshPolicy{Mode: mode, MinInterval: cfg.MinInterval}, nil
}

// Due reports whether a watchlist last enqueued at last should run again at
// now. A zero last means it has never run.
func (p RefreshPolicy) Due(last, now time.Time) bool {
	switch p.Mode {
	case RefreshModeManual:
		return false
	case RefreshModeAlways:
		return true
	default:
		if last.IsZero() || p.MinInterval <= 0 {
			return true
		}
		return now.Sub(last) >= p.MinInterval
	}
}

// SourcePolicy encapsulates host-level rules for contacting transparency
// portals. Notice pages on blocked hosts are never rendered.
type SourcePolicy struct {
	RespectRobots bool
	allow         map[string]struct{}
	disallow      map[string]struct{}
	attribution   map[string]string
}

// sourcePolicyFile mirrors the YAML overlay operators maintain next to the
// deployment. List entries extend the lists from the main config.
type sourcePolicyFile struct {
	Policy struct {
		RespectRobots *bool             `yaml:"respect_robots"`
		Allow         []string          `yaml:"allow"`
		Disallow      []string          `yaml:"disallow"`
		Attribution   map[string]string `yaml:"attribution"`
	} `yaml:"policy"`
}

// NewSourcePolicy builds a SourcePolicy from configuration, merging the
// overlay file when one is configured.
func NewSourcePolicy(cfg config.SourcePolicyConfig) (*SourcePolicy, error) {
	allow := append([]string(nil), cfg.Allow...)
	disallow := append([]string(nil), cfg.Disallow...)
	attribution := make(map[string]string, len(cfg.Attribution))
	for host, note := range cfg.Attribution {
		attribution[host] = note
	}
	respect := cfg.RespectRobots

	if path := strings.TrimSpace(cfg.File); path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read source policy: %w", err)
		}
		var overlay sourcePolicyFile
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("parse source policy: %w", err)
		}
		allow = append(allow, overlay.Policy.Allow...)
		disallow = append(disallow, overlay.Policy.Disallow...)
		for host, note := range overlay.Policy.Attribution {
			attribution[host] = note
		}
		if overlay.Policy.RespectRobots != nil {
			respect = *overlay.Policy.RespectRobots
		}
	}

	p := &SourcePolicy{
		RespectRobots: respect,
		allow:         listToSet(allow),
		disallow:      listToSet(disallow),
		attribution:   make(map[string]string, len(attribution)),
	}
	for host, note := range attribution {
		host = normalizeHost(host)
		if host == "" {
			continue
		}
		p.attribution[host] = note
	}
	for host := range p.disallow {
		if _, ok := p.allow[host]; ok {
			return nil, fmt.Errorf("host %s is both allowed and disallowed", host)
		}
	}
	return p, nil
}

// Blocks reports whether the host must not be contacted. A non-empty
// allowlist is closed-world: hosts outside it are blocked. Without an
// allowlist only disallowed hosts are blocked.
func (p *SourcePolicy) Blocks(host string) bool {
	if p == nil {
		return false
	}
	host = normalizeHost(host)
	if host == "" {
		return true
	}
	if _, bad := p.disallow[host]; bad {
		return true
	}
	if len(p.allow) > 0 {
		_, ok := p.allow[host]
		return !ok
	}
	return false
}

// Attribution returns the attribution note for a host when one is recorded.
// Portals frequently license their data on condition of attribution.
func (p *SourcePolicy) Attribution(host string) (string, bool) {
	if p == nil {
		return "", false
	}
	host = normalizeHost(host)
	if host == "" {
		return "", false
	}
	note, ok := p.attribution[host]
	return note, ok
}

// Hosts returns the normalized allowlist, useful for diagnostics.
func (p *SourcePolicy) Hosts() []string {
	if p == nil || len(p.allow) == 0 {
		return nil
	}
	out := make([]string, 0, len(p.allow))
	for host := range p.allow {
		out = append(out, host)
	}
	return out
}

func listToSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		host := normalizeHost(item)
		if host == "" {
			continue
		}
		set[host] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func normalizeHost(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		if u, err := url.Parse(value); err == nil && u.Host != "" {
			value = u.Host
		}
	}
	if host, _, err := splitHostPort(value); err == nil {
		value = host
	}
	value = strings.TrimPrefix(value, "www.")
	return value
}

func splitHostPort(value string) (string, string, error) {
	idx := strings.LastIndex(value, ":")
	if idx < 0 || strings.Contains(value[idx+1:], "/") {
		return "", "", fmt.Errorf("no port")
	}
	port := value[idx+1:]
	for _, r := range port {
		if r < '0' || r > '9' {
			return "", "", fmt.Errorf("no port")
		}
	}
	return value[:idx], port, nil
}
