package domain

import (
	"context"
	"time"
)

// ContentStatus is the lifecycle state of an authored piece.
type ContentStatus string

const (
	ContentDraft     ContentStatus = "draft"
	ContentScheduled ContentStatus = "scheduled"
	ContentPublished ContentStatus = "published"
	ContentFailed    ContentStatus = "failed"
)

// ScheduleStatus is the lifecycle state of one publish schedule.
type ScheduleStatus string

const (
	SchedulePending    ScheduleStatus = "pending"
	SchedulePublishing ScheduleStatus = "publishing"
	ScheduleSuccess    ScheduleStatus = "success"
	ScheduleFailed     ScheduleStatus = "failed"
)

// User is one platform follower.
type User struct {
	OpenID       string
	Nickname     string
	Subscribed   bool
	SubscribedAt time.Time
	Tags         []string
	MessageCount int
	LastSeenAt   time.Time
}

// Content is an authored article draft or published piece.
type Content struct {
	ID            string
	Title         string
	Body          string
	Summary       string
	Status        ContentStatus
	Topic         string
	Keywords      []string
	TitleVariants []string
	MediaID       string
	Views         int
	Likes         int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ContentSchedule is one pending publish of a content row at a set time.
type ContentSchedule struct {
	ID             string
	ContentID      string
	ScheduledAt    time.Time
	Status         ScheduleStatus
	RetryCount     int
	MaxRetries     int
	IdempotencyKey string
	LastError      string
	CreatedAt      time.Time
}

// FAQ is a canned question/answer pair matched before the provider is asked.
type FAQ struct {
	ID       int64
	Question string
	Answer   string
	HitCount int
}

// MetricSnapshot is one captured platform statistic, payload is JSON.
type MetricSnapshot struct {
	ID         int64
	Kind       string
	Payload    string
	CapturedAt time.Time
}

// GrowthPoint is one day of follower movement for analytics aggregates.
type GrowthPoint struct {
	Day          string
	NewUsers     int
	ChurnedUsers int
}

// Store is the relational persistence surface.
type Store interface {
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, openID string) (*User, error)
	MarkUnsubscribed(ctx context.Context, openID string) error
	TouchUser(ctx context.Context, openID string) error
	CountUsers(ctx context.Context, subscribedOnly bool) (int, error)
	UserGrowth(ctx context.Context, days int) ([]GrowthPoint, error)

	SaveContent(ctx context.Context, c Content) error
	GetContent(ctx context.Context, id string) (*Content, error)
	UpdateContentStatus(ctx context.Context, id string, status ContentStatus, mediaID string) error
	TopContents(ctx context.Context, limit int) ([]Content, error)
	LatestDraft(ctx context.Context) (*Content, error)

	CreateSchedule(ctx context.Context, s ContentSchedule) error
	GetSchedule(ctx context.Context, id string) (*ContentSchedule, error)
	DueSchedules(ctx context.Context, before time.Time) ([]ContentSchedule, error)
	PendingSchedules(ctx context.Context) ([]ContentSchedule, error)
	ClaimSchedule(ctx context.Context, id string) (bool, error)
	MarkSchedulePublished(ctx context.Context, id string) error
	MarkScheduleFailed(ctx context.Context, id string, reason string, retryable bool) error

	SearchFAQ(ctx context.Context, text string) (*FAQ, error)
	AddFAQ(ctx context.Context, f FAQ) error

	SaveSnapshot(ctx context.Context, s MetricSnapshot) error
	LatestSnapshot(ctx context.Context, kind string) (*MetricSnapshot, error)
	SnapshotsSince(ctx context.Context, kind string, since time.Time) ([]MetricSnapshot, error)

	Close() error
}
