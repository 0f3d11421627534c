// Package classifier decides which handler an inbound event belongs to.
// Structural events and obvious keyword matches never touch the completion
// provider; everything else is classified by the model with a hard
// degradation path: a classification failure is never a processing failure.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"oabot/internal/domain"
	"oabot/internal/prompts"
)

const minConfidence = 0.6

// Classifier maps events to route labels.
type Classifier struct {
	provider      domain.Provider
	templates     *prompts.Set
	lowerKeywords map[domain.RouteLabel][]string
	logger        *slog.Logger
}

type Config struct {
	Provider  domain.Provider
	Templates *prompts.Set
	Logger    *slog.Logger
}

func New(cfg Config) *Classifier {
	if cfg.Templates == nil {
		cfg.Templates = prompts.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// Pre-computed lowercase keywords, matched before the provider is asked.
	keywords := map[domain.RouteLabel][]string{
		domain.RouteContent: {
			"写一篇", "写篇", "写文章", "帮我写", "起草", "拟一篇",
			"write an article", "write a post", "draft an article",
		},
		domain.RouteAnalytics: {
			"数据分析", "统计数据", "数据报告", "粉丝增长", "阅读量", "互动率",
			"analytics", "statistics", "engagement report",
		},
		domain.RouteScheduling: {
			"定时发布", "排期", "发布计划", "内容日历", "待发布",
			"schedule a post", "publish at", "content calendar",
		},
	}
	lower := make(map[domain.RouteLabel][]string, len(keywords))
	for route, kws := range keywords {
		out := make([]string, len(kws))
		for i, kw := range kws {
			out[i] = strings.ToLower(kw)
		}
		lower[route] = out
	}

	return &Classifier{
		provider:      cfg.Provider,
		templates:     cfg.Templates,
		lowerKeywords: lower,
		logger:        cfg.Logger.With("component", "classifier"),
	}
}

// Classify returns the route decision for one event. It never returns an
// error: failures degrade to the fallback conversation route.
func (c *Classifier) Classify(ctx context.Context, event domain.InboundEvent, conv *domain.ConversationContext) domain.RouteDecision {
	switch event.Kind {
	case domain.EventFollow:
		return domain.RouteDecision{Route: domain.RouteWelcome, Confidence: 1, Rationale: "structural"}
	case domain.EventUnfollow:
		return domain.RouteDecision{Route: domain.RouteFarewell, Confidence: 1, Rationale: "structural"}
	case domain.EventMenuClick:
		return domain.RouteDecision{Route: domain.RouteMenu, Confidence: 1, Rationale: "structural"}
	}

	if route, ok := c.routeByKeyword(event.Text); ok {
		return domain.RouteDecision{Route: route, Confidence: 0.9, Rationale: "keyword"}
	}
	return c.routeByProvider(ctx, event, conv)
}

func (c *Classifier) routeByKeyword(text string) (domain.RouteLabel, bool) {
	lower := strings.ToLower(text)

	var bestRoute domain.RouteLabel
	var bestScore int
	for route, keywords := range c.lowerKeywords {
		score := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestRoute = route
		}
	}
	return bestRoute, bestScore > 0
}

type intentVerdict struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

func (c *Classifier) routeByProvider(ctx context.Context, event domain.InboundEvent, conv *domain.ConversationContext) domain.RouteDecision {
	fallback := domain.RouteDecision{Route: domain.RouteFallback, Confidence: 0.2, Rationale: "degraded"}
	if c.provider == nil {
		return fallback
	}

	prompt := event.Text
	if summary := contextSummary(conv); summary != "" {
		prompt = fmt.Sprintf("Recent conversation:\n%s\n\nMessage: %s", summary, event.Text)
	}

	resp, err := c.provider.Complete(ctx, domain.CompletionRequest{
		System:      c.templates.IntentSystem,
		Prompt:      prompt,
		MaxTokens:   128,
		Temperature: 0,
	})
	if err != nil {
		c.logger.Warn("intent classification failed", "user", event.UserID, "error", err)
		return fallback
	}

	verdict, err := parseVerdict(resp.Text)
	if err != nil {
		c.logger.Warn("unparseable intent verdict", "user", event.UserID, "error", err)
		return fallback
	}

	route := domain.RouteLabel(verdict.Intent)
	switch route {
	case domain.RouteConversation, domain.RouteContent, domain.RouteAnalytics, domain.RouteScheduling:
	default:
		c.logger.Warn("intent outside vocabulary", "intent", verdict.Intent)
		return fallback
	}
	if verdict.Confidence < minConfidence {
		return domain.RouteDecision{Route: domain.RouteConversation, Confidence: verdict.Confidence, Rationale: "low confidence"}
	}
	return domain.RouteDecision{Route: route, Confidence: verdict.Confidence, Rationale: "provider"}
}

// parseVerdict tolerates models that wrap the JSON object in prose.
func parseVerdict(text string) (*intentVerdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in %q", text)
	}
	var v intentVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, err
	}
	if v.Intent == "" {
		return nil, fmt.Errorf("empty intent in %q", text)
	}
	return &v, nil
}

// contextSummary renders the last few turns for the classifier prompt.
func contextSummary(conv *domain.ConversationContext) string {
	if conv == nil {
		return ""
	}
	turns := conv.LastTurns(4)
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
	}
	return strings.TrimSpace(b.String())
}
