package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"oabot/internal/cache"
	"oabot/internal/domain"
	"oabot/internal/wechat"
)

const (
	overviewCacheKey = "analytics:overview"
	trendingCacheKey = "trending:topics"
	trendingCacheTTL = 30 * time.Minute
)

// Publisher is the platform surface publish-due-content needs.
type Publisher interface {
	AddDraft(ctx context.Context, article wechat.DraftArticle) (string, error)
}

// StatsSource is the datacube surface collect-metrics needs.
type StatsSource interface {
	UserSummary(ctx context.Context, beginDate, endDate string) ([]wechat.SummaryPoint, error)
	ArticleTotal(ctx context.Context, beginDate, endDate string) ([]wechat.ArticleStat, error)
}

type Deps struct {
	Store     domain.Store
	Cache     cache.Cache
	Publisher Publisher
	Stats     StatsSource
	Provider  domain.Provider
	Logger    *slog.Logger
}

// Intervals carries the per-job cadence from config.
type Intervals struct {
	Publish  time.Duration
	Collect  time.Duration
	Reports  time.Duration
	Trending time.Duration
}

func (i Intervals) withDefaults() Intervals {
	if i.Publish <= 0 {
		i.Publish = 10 * time.Minute
	}
	if i.Collect <= 0 {
		i.Collect = time.Hour
	}
	if i.Reports <= 0 {
		i.Reports = 24 * time.Hour
	}
	if i.Trending <= 0 {
		i.Trending = 30 * time.Minute
	}
	return i
}

// RegisterAll wires the standard job set into the runner.
func RegisterAll(r *Runner, deps Deps, intervals Intervals) {
	intervals = intervals.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r.Register(Job{Name: "publish-due-content", Interval: intervals.Publish, Run: PublishDueContent(deps)})
	r.Register(Job{Name: "collect-metrics", Interval: intervals.Collect, Run: CollectMetrics(deps)})
	r.Register(Job{Name: "build-reports", Interval: intervals.Reports, Run: BuildReports(deps)})
	r.Register(Job{Name: "monitor-trending", Interval: intervals.Trending, Run: MonitorTrending(deps)})
}

// PublishDueContent uploads every due pending schedule. The pending →
// publishing claim in the store is the idempotency gate: a schedule that
// was already claimed by a previous or concurrent run is skipped, so
// re-invocation never duplicates a platform send.
func PublishDueContent(deps Deps) func(ctx context.Context) error {
	logger := deps.Logger.With("job", "publish-due-content")
	return func(ctx context.Context) error {
		due, err := deps.Store.DueSchedules(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("due schedules: %w", err)
		}
		for _, sc := range due {
			claimed, err := deps.Store.ClaimSchedule(ctx, sc.ID)
			if err != nil {
				return fmt.Errorf("claim %s: %w", sc.ID, err)
			}
			if !claimed {
				logger.Debug("schedule already claimed", "schedule", sc.ID)
				continue
			}
			if err := publishOne(ctx, deps, logger, sc); err != nil {
				logger.Error("publish failed", "schedule", sc.ID, "error", err)
				if ferr := deps.Store.MarkScheduleFailed(ctx, sc.ID, err.Error(), true); ferr != nil {
					logger.Error("failure record failed", "schedule", sc.ID, "error", ferr)
				}
			}
		}
		return nil
	}
}

func publishOne(ctx context.Context, deps Deps, logger *slog.Logger, sc domain.ContentSchedule) error {
	content, err := deps.Store.GetContent(ctx, sc.ContentID)
	if err != nil {
		return fmt.Errorf("load content: %w", err)
	}
	if content == nil {
		return fmt.Errorf("content %s missing", sc.ContentID)
	}

	mediaID, err := deps.Publisher.AddDraft(ctx, wechat.DraftArticle{
		Title:   content.Title,
		Digest:  content.Summary,
		Content: content.Body,
	})
	if err != nil {
		return fmt.Errorf("draft upload: %w", err)
	}

	if err := deps.Store.UpdateContentStatus(ctx, content.ID, domain.ContentPublished, mediaID); err != nil {
		return fmt.Errorf("content status: %w", err)
	}
	if err := deps.Store.MarkSchedulePublished(ctx, sc.ID); err != nil {
		return fmt.Errorf("schedule status: %w", err)
	}
	logger.Info("content published", "schedule", sc.ID, "content", content.ID, "media", mediaID)
	return nil
}

// CollectMetrics pulls yesterday's datacube stats into snapshot rows and
// drops the cached analytics overview so the next ask recomputes it.
func CollectMetrics(deps Deps) func(ctx context.Context) error {
	logger := deps.Logger.With("job", "collect-metrics")
	return func(ctx context.Context) error {
		day := time.Now().AddDate(0, 0, -1).Format("2006-01-02")

		users, err := deps.Stats.UserSummary(ctx, day, day)
		if err != nil {
			return fmt.Errorf("user summary: %w", err)
		}
		if payload, err := json.Marshal(users); err == nil {
			if err := deps.Store.SaveSnapshot(ctx, domain.MetricSnapshot{Kind: "user_summary", Payload: string(payload)}); err != nil {
				return fmt.Errorf("save user snapshot: %w", err)
			}
		}

		articles, err := deps.Stats.ArticleTotal(ctx, day, day)
		if err != nil {
			return fmt.Errorf("article total: %w", err)
		}
		if payload, err := json.Marshal(articles); err == nil {
			if err := deps.Store.SaveSnapshot(ctx, domain.MetricSnapshot{Kind: "article_total", Payload: string(payload)}); err != nil {
				return fmt.Errorf("save article snapshot: %w", err)
			}
		}

		if deps.Cache != nil {
			if err := deps.Cache.DeleteValue(ctx, overviewCacheKey); err != nil {
				logger.Warn("overview cache invalidation failed", "error", err)
			}
		}
		logger.Info("metrics collected", "day", day, "user_points", len(users), "article_points", len(articles))
		return nil
	}
}

// BuildReports condenses the day's snapshots into one daily_report row.
func BuildReports(deps Deps) func(ctx context.Context) error {
	logger := deps.Logger.With("job", "build-reports")
	return func(ctx context.Context) error {
		since := time.Now().Add(-24 * time.Hour)

		userSnaps, err := deps.Store.SnapshotsSince(ctx, "user_summary", since)
		if err != nil {
			return fmt.Errorf("user snapshots: %w", err)
		}
		articleSnaps, err := deps.Store.SnapshotsSince(ctx, "article_total", since)
		if err != nil {
			return fmt.Errorf("article snapshots: %w", err)
		}

		report := map[string]any{
			"date":              time.Now().Format("2006-01-02"),
			"user_snapshots":    len(userSnaps),
			"article_snapshots": len(articleSnaps),
		}
		if n := len(userSnaps); n > 0 {
			report["latest_user_summary"] = json.RawMessage(userSnaps[n-1].Payload)
		}
		if n := len(articleSnaps); n > 0 {
			report["latest_article_total"] = json.RawMessage(articleSnaps[n-1].Payload)
		}
		payload, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		if err := deps.Store.SaveSnapshot(ctx, domain.MetricSnapshot{Kind: "daily_report", Payload: string(payload)}); err != nil {
			return fmt.Errorf("save report: %w", err)
		}
		logger.Info("daily report built")
		return nil
	}
}

// MonitorTrending refreshes the trending-topics cache entry via the
// completion provider. A failure keeps the previous entry in place.
func MonitorTrending(deps Deps) func(ctx context.Context) error {
	logger := deps.Logger.With("job", "monitor-trending")
	return func(ctx context.Context) error {
		if deps.Provider == nil || deps.Cache == nil {
			logger.Debug("trending monitor disabled, missing provider or cache")
			return nil
		}
		resp, err := deps.Provider.Complete(ctx, domain.CompletionRequest{
			Prompt:      "List 5 topics currently trending on Chinese social media that suit a WeChat official account, as a JSON array of strings. No other output.",
			MaxTokens:   256,
			Temperature: 0.7,
		})
		if err != nil {
			return fmt.Errorf("trending completion: %w", err)
		}
		var topics []string
		if err := json.Unmarshal([]byte(resp.Text), &topics); err != nil || len(topics) == 0 {
			return fmt.Errorf("unusable trending payload: %q", resp.Text)
		}
		payload, _ := json.Marshal(topics)
		if err := deps.Cache.SetValue(ctx, trendingCacheKey, payload, trendingCacheTTL); err != nil {
			return fmt.Errorf("trending cache write: %w", err)
		}
		logger.Info("trending topics refreshed", "count", len(topics))
		return nil
	}
}
