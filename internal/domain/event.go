package domain

import "time"

// EventKind classifies a normalized inbound platform event.
type EventKind string

const (
	EventMessage   EventKind = "message"
	EventFollow    EventKind = "follow"
	EventUnfollow  EventKind = "unfollow"
	EventMenuClick EventKind = "menu_click"
)

// InboundEvent is the orchestrator's input type, produced by the webhook
// intake from a raw platform envelope. Immutable once constructed.
type InboundEvent struct {
	UserID     string
	Kind       EventKind
	Text       string // message text, empty for structural events
	MediaID    string // platform media reference for image/voice messages
	ClickKey   string // menu key for menu_click events
	ReceivedAt time.Time
}

// Turn is one utterance in a conversation.
type Turn struct {
	Role      string    `json:"role"` // user | assistant
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationContext is the short-term dialogue memory for one user.
// Owned by the context cache; handlers receive a snapshot.
type ConversationContext struct {
	UserID        string            `json:"user_id"`
	Turns         []Turn            `json:"turns"`
	LastUpdatedAt time.Time         `json:"last_updated_at"`
	Profile       map[string]string `json:"profile"` // derived trait -> value
}

// LastTurns returns up to n most recent turns, oldest first.
func (c *ConversationContext) LastTurns(n int) []Turn {
	if c == nil || n <= 0 || len(c.Turns) == 0 {
		return nil
	}
	if len(c.Turns) <= n {
		return c.Turns
	}
	return c.Turns[len(c.Turns)-n:]
}

// ReplyKind selects the outbound envelope shape.
type ReplyKind string

const (
	ReplyText  ReplyKind = "text"
	ReplyImage ReplyKind = "image"
	ReplyNews  ReplyKind = "news"
	ReplyNone  ReplyKind = "none" // platform gets an empty ack, no message
)

// Article is one entry of a rich news reply.
type Article struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PicURL      string `json:"picurl"`
}

// Reply is the payload handed back to the platform boundary for delivery.
type Reply struct {
	Kind     ReplyKind
	Text     string
	MediaID  string
	Articles []Article
}

// RouteDecision is the classifier's verdict for one event. Not persisted.
type RouteDecision struct {
	Route      RouteLabel
	Confidence float64
	Rationale  string
}
