package handler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"oabot/internal/domain"
)

// Scheduling manages publish schedules: create one at a future time, render
// the 7-day calendar, or list pending schedules.
type Scheduling struct {
	store  domain.Store
	logger *slog.Logger
	now    func() time.Time
}

type SchedulingConfig struct {
	Store  domain.Store
	Logger *slog.Logger
}

func NewScheduling(cfg SchedulingConfig) *Scheduling {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduling{store: cfg.Store, logger: cfg.Logger.With("handler", "scheduling"), now: time.Now}
}

var (
	timePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}`)
	idPattern   = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
)

func (h *Scheduling) Handle(ctx context.Context, event domain.InboundEvent, _ *domain.ConversationContext) (*domain.HandlerResult, error) {
	if h.store == nil {
		return nil, domain.NewHandlerError(domain.ErrInternal, "no store configured", nil)
	}

	lower := strings.ToLower(event.Text)
	switch {
	case containsAny(lower, "日历", "calendar"):
		return h.calendar(ctx)
	case containsAny(lower, "待发布", "pending", "列表"):
		return h.listPending(ctx)
	default:
		return h.create(ctx, event.Text)
	}
}

func (h *Scheduling) create(ctx context.Context, text string) (*domain.HandlerResult, error) {
	match := timePattern.FindString(text)
	if match == "" {
		return &domain.HandlerResult{
			Reply: domain.Reply{Kind: domain.ReplyText,
				Text: "请告诉我发布时间，格式如：2026-08-24 09:00（可附草稿编号，默认使用最新草稿）。"},
		}, nil
	}
	at, err := time.ParseInLocation("2006-01-02 15:04", strings.Replace(match, "T", " ", 1), time.Local)
	if err != nil {
		return nil, domain.NewHandlerError(domain.ErrValidation, "unparseable schedule time", err)
	}
	if !at.After(h.now()) {
		return nil, domain.NewHandlerError(domain.ErrValidation,
			fmt.Sprintf("schedule time %s is not in the future", at.Format("2006-01-02 15:04")), nil)
	}

	contentID := idPattern.FindString(text)
	if contentID == "" {
		draft, err := h.store.LatestDraft(ctx)
		if err != nil {
			return nil, domain.NewHandlerError(domain.ErrInternal, "draft lookup failed", err)
		}
		if draft == nil {
			return nil, domain.NewHandlerError(domain.ErrValidation, "no draft available to schedule", nil)
		}
		contentID = draft.ID
	}

	sc := domain.ContentSchedule{
		ID:             uuid.NewString(),
		ContentID:      contentID,
		ScheduledAt:    at,
		Status:         domain.SchedulePending,
		IdempotencyKey: uuid.NewString(),
	}
	if err := h.store.CreateSchedule(ctx, sc); err != nil {
		return nil, domain.NewHandlerError(domain.ErrInternal, "schedule create failed", err)
	}
	if err := h.store.UpdateContentStatus(ctx, contentID, domain.ContentScheduled, ""); err != nil {
		h.logger.Warn("content status update failed", "content", contentID, "error", err)
	}

	return &domain.HandlerResult{
		Reply: domain.Reply{Kind: domain.ReplyText,
			Text: fmt.Sprintf("已安排发布：%s，草稿 %s。", at.Format("2006-01-02 15:04"), contentID)},
		SideEffects: []string{"schedule_created:" + sc.ID},
	}, nil
}

func (h *Scheduling) calendar(ctx context.Context) (*domain.HandlerResult, error) {
	pending, err := h.store.PendingSchedules(ctx)
	if err != nil {
		return nil, domain.NewHandlerError(domain.ErrInternal, "pending schedules query failed", err)
	}

	byDay := make(map[string][]domain.ContentSchedule)
	for _, sc := range pending {
		day := sc.ScheduledAt.Format("2006-01-02")
		byDay[day] = append(byDay[day], sc)
	}

	var b strings.Builder
	b.WriteString("🗓 未来7天内容日历\n")
	start := h.now()
	for i := 0; i < 7; i++ {
		day := start.AddDate(0, 0, i).Format("2006-01-02")
		entries := byDay[day]
		if len(entries) == 0 {
			fmt.Fprintf(&b, "%s  （空）\n", day)
			continue
		}
		for _, sc := range entries {
			fmt.Fprintf(&b, "%s  %s 发布 %s\n", day, sc.ScheduledAt.Format("15:04"), sc.ContentID)
		}
	}
	return &domain.HandlerResult{Reply: domain.Reply{Kind: domain.ReplyText, Text: b.String()}}, nil
}

func (h *Scheduling) listPending(ctx context.Context) (*domain.HandlerResult, error) {
	pending, err := h.store.PendingSchedules(ctx)
	if err != nil {
		return nil, domain.NewHandlerError(domain.ErrInternal, "pending schedules query failed", err)
	}
	if len(pending) == 0 {
		return &domain.HandlerResult{
			Reply: domain.Reply{Kind: domain.ReplyText, Text: "当前没有待发布的内容。"},
		}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "⏳ 待发布（%d 条）\n", len(pending))
	for _, sc := range pending {
		fmt.Fprintf(&b, "· %s → %s\n", sc.ScheduledAt.Format("2006-01-02 15:04"), sc.ContentID)
	}
	return &domain.HandlerResult{Reply: domain.Reply{Kind: domain.ReplyText, Text: b.String()}}, nil
}
