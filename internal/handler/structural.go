package handler

import (
	"context"
	"log/slog"
	"time"

	"oabot/internal/domain"
)

const defaultWelcomeText = "感谢关注！我是您的智能助手，可以陪您聊天、帮您写文章、查看运营数据、安排内容发布。回复任意内容开始吧。"

// Welcome greets a new follower and upserts the user row.
type Welcome struct {
	store  domain.Store
	text   string
	logger *slog.Logger
}

type WelcomeConfig struct {
	Store  domain.Store
	Text   string
	Logger *slog.Logger
}

func NewWelcome(cfg WelcomeConfig) *Welcome {
	if cfg.Text == "" {
		cfg.Text = defaultWelcomeText
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Welcome{store: cfg.Store, text: cfg.Text, logger: cfg.Logger.With("handler", "welcome")}
}

func (h *Welcome) Handle(ctx context.Context, event domain.InboundEvent, _ *domain.ConversationContext) (*domain.HandlerResult, error) {
	if h.store != nil {
		err := h.store.UpsertUser(ctx, domain.User{
			OpenID:       event.UserID,
			Subscribed:   true,
			SubscribedAt: time.Now(),
		})
		if err != nil {
			// The greeting still goes out; the row can be repaired later.
			h.logger.Warn("user upsert failed", "user", event.UserID, "error", err)
		}
	}
	return &domain.HandlerResult{
		Reply: domain.Reply{Kind: domain.ReplyText, Text: h.text},
	}, nil
}

// Farewell records an unfollow. The platform cannot deliver a reply to a
// user who just unfollowed, so the reply is empty.
type Farewell struct {
	store  domain.Store
	logger *slog.Logger
}

type FarewellConfig struct {
	Store  domain.Store
	Logger *slog.Logger
}

func NewFarewell(cfg FarewellConfig) *Farewell {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Farewell{store: cfg.Store, logger: cfg.Logger.With("handler", "farewell")}
}

func (h *Farewell) Handle(ctx context.Context, event domain.InboundEvent, _ *domain.ConversationContext) (*domain.HandlerResult, error) {
	if h.store != nil {
		if err := h.store.MarkUnsubscribed(ctx, event.UserID); err != nil {
			h.logger.Warn("unsubscribe record failed", "user", event.UserID, "error", err)
		}
	}
	return &domain.HandlerResult{
		Reply: domain.Reply{Kind: domain.ReplyNone},
	}, nil
}

// Menu maps configured menu click keys to canned replies.
type Menu struct {
	actions map[string]string
	logger  *slog.Logger
}

type MenuConfig struct {
	Actions map[string]string // click key -> reply text
	Logger  *slog.Logger
}

func NewMenu(cfg MenuConfig) *Menu {
	if cfg.Actions == nil {
		cfg.Actions = map[string]string{
			"MENU_FAQ":     "常见问题：回复“退款”“会员”等关键词即可获得解答。",
			"MENU_LATEST":  "最新文章请访问公众号历史消息页面。",
			"MENU_CONTACT": "人工客服工作时间 9:00-18:00，请留言，我们会尽快回复。",
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Menu{actions: cfg.Actions, logger: cfg.Logger.With("handler", "menu")}
}

func (h *Menu) Handle(_ context.Context, event domain.InboundEvent, _ *domain.ConversationContext) (*domain.HandlerResult, error) {
	text, ok := h.actions[event.ClickKey]
	if !ok {
		h.logger.Warn("unknown menu key", "key", event.ClickKey)
		text = "该菜单项暂未开放。"
	}
	return &domain.HandlerResult{
		Reply: domain.Reply{Kind: domain.ReplyText, Text: text},
	}, nil
}
