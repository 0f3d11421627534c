package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"oabot/internal/cache"
	"oabot/internal/domain"
)

const (
	overviewCacheKey = "analytics:overview"
	overviewCacheTTL = 6 * time.Hour
)

// Analytics answers statistics questions from store aggregates. The overview
// report is cached so repeated asks do not recompute it.
type Analytics struct {
	store  domain.Store
	cache  cache.Cache
	logger *slog.Logger
}

type AnalyticsConfig struct {
	Store  domain.Store
	Cache  cache.Cache
	Logger *slog.Logger
}

func NewAnalytics(cfg AnalyticsConfig) *Analytics {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Analytics{store: cfg.Store, cache: cfg.Cache, logger: cfg.Logger.With("handler", "analytics")}
}

func (h *Analytics) Handle(ctx context.Context, event domain.InboundEvent, _ *domain.ConversationContext) (*domain.HandlerResult, error) {
	if h.store == nil {
		return nil, domain.NewHandlerError(domain.ErrInternal, "no store configured", nil)
	}

	var (
		report string
		err    error
	)
	switch analysisKind(event.Text) {
	case "user_growth":
		report, err = h.growthReport(ctx)
	case "content_performance":
		report, err = h.contentReport(ctx)
	case "engagement":
		report, err = h.engagementReport(ctx)
	default:
		report, err = h.overviewReport(ctx)
	}
	if err != nil {
		return nil, domain.NewHandlerError(domain.ErrInternal, "analytics query failed", err)
	}

	return &domain.HandlerResult{
		Reply: domain.Reply{Kind: domain.ReplyText, Text: report},
	}, nil
}

func analysisKind(text string) string {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "增长", "新增粉丝", "涨粉", "growth", "new followers"):
		return "user_growth"
	case containsAny(lower, "内容表现", "阅读量", "爆款", "content performance", "top articles"):
		return "content_performance"
	case containsAny(lower, "互动", "留言", "engagement"):
		return "engagement"
	default:
		return "overview"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

type overview struct {
	TotalUsers      int       `json:"total_users"`
	SubscribedUsers int       `json:"subscribed_users"`
	TopContents     []string  `json:"top_contents"`
	GeneratedAt     time.Time `json:"generated_at"`
}

func (h *Analytics) overviewReport(ctx context.Context) (string, error) {
	if h.cache != nil {
		if data, found, err := h.cache.GetValue(ctx, overviewCacheKey); err == nil && found {
			var ov overview
			if err := json.Unmarshal(data, &ov); err == nil {
				return renderOverview(ov), nil
			}
		}
	}

	ov, err := h.buildOverview(ctx)
	if err != nil {
		return "", err
	}
	if h.cache != nil {
		if data, err := json.Marshal(ov); err == nil {
			if err := h.cache.SetValue(ctx, overviewCacheKey, data, overviewCacheTTL); err != nil {
				h.logger.Warn("overview cache write failed", "error", err)
			}
		}
	}
	return renderOverview(*ov), nil
}

func (h *Analytics) buildOverview(ctx context.Context) (*overview, error) {
	total, err := h.store.CountUsers(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	subscribed, err := h.store.CountUsers(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("count subscribed: %w", err)
	}
	tops, err := h.store.TopContents(ctx, 3)
	if err != nil {
		return nil, fmt.Errorf("top contents: %w", err)
	}
	ov := &overview{TotalUsers: total, SubscribedUsers: subscribed, GeneratedAt: time.Now()}
	for _, c := range tops {
		ov.TopContents = append(ov.TopContents, fmt.Sprintf("《%s》(%d 阅读)", c.Title, c.Views))
	}
	return ov, nil
}

func renderOverview(ov overview) string {
	var b strings.Builder
	b.WriteString("📊 运营概览\n")
	fmt.Fprintf(&b, "累计用户：%d，当前关注：%d\n", ov.TotalUsers, ov.SubscribedUsers)
	if len(ov.TopContents) > 0 {
		b.WriteString("热门内容：\n")
		for _, t := range ov.TopContents {
			b.WriteString("· " + t + "\n")
		}
	}
	if ov.SubscribedUsers < ov.TotalUsers {
		fmt.Fprintf(&b, "洞察：历史取关 %d 人，建议关注内容留存。", ov.TotalUsers-ov.SubscribedUsers)
	} else {
		b.WriteString("洞察：粉丝留存良好，保持当前内容节奏。")
	}
	return b.String()
}

func (h *Analytics) growthReport(ctx context.Context) (string, error) {
	points, err := h.store.UserGrowth(ctx, 7)
	if err != nil {
		return "", fmt.Errorf("user growth: %w", err)
	}
	if len(points) == 0 {
		return "📈 近7天暂无粉丝变化数据。", nil
	}
	var b strings.Builder
	b.WriteString("📈 近7天粉丝增长\n")
	var joined, churned int
	for _, p := range points {
		fmt.Fprintf(&b, "%s  +%d / -%d\n", p.Day, p.NewUsers, p.ChurnedUsers)
		joined += p.NewUsers
		churned += p.ChurnedUsers
	}
	fmt.Fprintf(&b, "合计：新增 %d，取关 %d，净增 %d", joined, churned, joined-churned)
	return b.String(), nil
}

func (h *Analytics) contentReport(ctx context.Context) (string, error) {
	tops, err := h.store.TopContents(ctx, 5)
	if err != nil {
		return "", fmt.Errorf("top contents: %w", err)
	}
	if len(tops) == 0 {
		return "📄 还没有已发布的内容数据。", nil
	}
	var b strings.Builder
	b.WriteString("📄 内容表现 Top\n")
	for i, c := range tops {
		fmt.Fprintf(&b, "%d. 《%s》 阅读 %d · 点赞 %d\n", i+1, c.Title, c.Views, c.Likes)
	}
	return b.String(), nil
}

func (h *Analytics) engagementReport(ctx context.Context) (string, error) {
	snap, err := h.store.LatestSnapshot(ctx, "engagement")
	if err != nil {
		return "", fmt.Errorf("engagement snapshot: %w", err)
	}
	if snap == nil {
		return "💬 暂无互动数据快照，请等待下一次指标采集。", nil
	}
	return fmt.Sprintf("💬 互动数据（%s 采集）\n%s",
		snap.CapturedAt.Format("01-02 15:04"), snap.Payload), nil
}
