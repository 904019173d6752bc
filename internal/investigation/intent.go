package investigation

import (
	"context"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/memory"
	"github.com/open-fiscus/fiscus/internal/sources"
)

// Router turns a free-form query into an intent, a confidence, and the
// dataset parameters extracted from the text. Classification is rule-based
// and deterministic for an identical query against an identical semantic
// snapshot; a semantic-store outage costs reinforcement only, and
// classification never returns an error.
type Router struct {
	threshold float64
	topK      int
	semantic  memory.Semantic
	rules     []intentRule
	logger    *log.Logger
}

type intentRule struct {
	name    string
	intent  Intent
	weight  float64
	pattern *regexp.Regexp
}

// intentPrecedence breaks score ties so classification stays stable.
var intentPrecedence = []Intent{IntentAnomaly, IntentFraud, IntentCompliance, IntentRegional, IntentRisk}

func defaultRules() []intentRule {
	rule := func(intent Intent, label string, weight float64, expr string) intentRule {
		return intentRule{
			name:    string(intent) + "/" + label,
			intent:  intent,
			weight:  weight,
			pattern: regexp.MustCompile(expr),
		}
	}
	return []intentRule{
		rule(IntentAnomaly, "core", 2, `anomal|outlier|unusual|spike|deviat`),
		rule(IntentAnomaly, "aux", 1, `irregular|strange|odd payment`),
		rule(IntentFraud, "core", 2, `fraud|corrupt|kickback|collusion|bid.?rigging`),
		rule(IntentFraud, "aux", 1, `split purchas|shell compan|overbill|phantom`),
		rule(IntentCompliance, "core", 2, `complian|violat|missing bid|no.?bid|justification|procurement rule`),
		rule(IntentCompliance, "aux", 1, `direct award|ceiling|threshold`),
		rule(IntentRegional, "core", 2, `region|geograph|municipalit|district`),
		rule(IntentRegional, "aux", 1, `per.?state|across states`),
		rule(IntentRisk, "core", 2, `risk|exposure|watchlist|vendor profile`),
		rule(IntentRisk, "aux", 1, `assess|score`),
	}
}

func NewRouter(cfg config.InvestigationConfig, semantic memory.Semantic, topK int) *Router {
	return &Router{
		threshold: cfg.IntentThreshold,
		topK:      topK,
		semantic:  semantic,
		rules:     defaultRules(),
		logger:    log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
}

// Classify scores the query text against the rule set, optionally
// reinforced by semantic memory hits at half weight. A verdict below the
// threshold falls back to the overview intent and is marked degraded
// rather than erroring.
func (r *Router) Classify(ctx context.Context, q Query) Classification {
	text := strings.ToLower(q.Text)
	scores := make(map[Intent]float64)
	var matched []string
	for _, rule := range r.rules {
		if rule.pattern.MatchString(text) {
			scores[rule.intent] += rule.weight
			matched = append(matched, rule.name)
		}
	}

	if r.semantic != nil {
		// A dead semantic store only costs reinforcement and recalled
		// params; the rules-only verdict stands on its own.
		hits, err := r.semantic.Query(ctx, q.Text, r.topK)
		if err != nil {
			r.logger.Printf("warn: semantic lookup unavailable, classifying on rules only: %v", err)
		}
		for _, hit := range hits {
			hitText := strings.ToLower(hit.Record.Text)
			for _, rule := range r.rules {
				if rule.pattern.MatchString(hitText) {
					scores[rule.intent] += rule.weight / 2
				}
			}
		}
	}

	best := IntentOverview
	var bestScore, secondScore float64
	for _, intent := range intentPrecedence {
		s := scores[intent]
		if s > bestScore {
			secondScore = bestScore
			bestScore = s
			best = intent
		} else if s > secondScore {
			secondScore = s
		}
	}

	// Margin-sensitive confidence: a clear single-intent signal scores
	// high, an ambiguous split between intents scores low.
	confidence := 0.0
	if bestScore > 0 {
		confidence = bestScore / (bestScore + secondScore + 1)
	}
	// Below the threshold the verdict is not trusted: the investigation
	// proceeds as a broad overview sweep and the record says so.
	intent := best
	degraded := false
	if confidence < r.threshold {
		intent = IntentOverview
		degraded = true
	}

	c := Classification{
		Intent:     intent,
		Confidence: confidence,
		Params:     mergeParams(extractParams(q.Text), q.Params),
		Matched:    matched,
		Degraded:   degraded,
	}
	r.logger.Printf("classified %q as %s (confidence=%.2f, rules=%d)", clipText(q.Text, 60), c.Intent, c.Confidence, len(matched))
	return c
}

var (
	quotedEntityRe = regexp.MustCompile(`"([^"]{2,})"|'([^']{2,})'`)
	minAmountRe    = regexp.MustCompile(`(?:above|over|more than|greater than|exceeding)\s*\$?\s*([\d][\d,]*(?:\.\d+)?)\s*(k|m|thousand|million)?`)
	yearRe         = regexp.MustCompile(`\b(20\d{2})\b`)
	regionRe       = regexp.MustCompile(`\b(north-?east|south-?east|south-?west|north-?west|north|south|east|west|central)(?:ern)?\b`)
)

var regionCodes = map[string]string{
	"northeast": "NE", "north-east": "NE",
	"southeast": "SE", "south-east": "SE",
	"southwest": "SW", "south-west": "SW",
	"northwest": "NW", "north-west": "NW",
	"north": "N", "south": "S", "east": "E", "west": "W",
	"central": "CO",
}

// extractParams pulls dataset filters out of the query text: a quoted
// vendor name, a compass region, a minimum amount, and a year window.
func extractParams(text string) sources.Params {
	var p sources.Params
	lower := strings.ToLower(text)

	if m := quotedEntityRe.FindStringSubmatch(text); m != nil {
		if m[1] != "" {
			p.Entity = m[1]
		} else {
			p.Entity = m[2]
		}
	}
	if m := regionRe.FindStringSubmatch(lower); m != nil {
		p.Region = regionCodes[m[1]]
	}
	if m := minAmountRe.FindStringSubmatch(lower); m != nil {
		raw := strings.ReplaceAll(m[1], ",", "")
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			switch m[2] {
			case "k", "thousand":
				v *= 1e3
			case "m", "million":
				v *= 1e6
			}
			p.MinAmount = v
		}
	}
	if m := yearRe.FindStringSubmatch(lower); m != nil {
		year, _ := strconv.Atoi(m[1])
		p.From = time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
		p.To = time.Date(year, 12, 31, 23, 59, 59, 0, time.UTC)
	}
	return p
}

// mergeParams overlays explicit request params on top of extracted ones;
// anything the caller set wins.
func mergeParams(extracted, explicit sources.Params) sources.Params {
	out := extracted
	if explicit.Entity != "" {
		out.Entity = explicit.Entity
	}
	if explicit.Agency != "" {
		out.Agency = explicit.Agency
	}
	if explicit.Region != "" {
		out.Region = explicit.Region
	}
	if explicit.Category != "" {
		out.Category = explicit.Category
	}
	if !explicit.From.IsZero() {
		out.From = explicit.From
	}
	if !explicit.To.IsZero() {
		out.To = explicit.To
	}
	if explicit.MinAmount > 0 {
		out.MinAmount = explicit.MinAmount
	}
	return out
}

func clipText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
