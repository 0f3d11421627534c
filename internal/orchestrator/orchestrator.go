// Package orchestrator drives one inbound event through classification,
// routing, handler execution, and context recording. Events for the same
// user are processed strictly in arrival order; distinct users proceed
// concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"oabot/internal/cache"
	"oabot/internal/domain"
	"oabot/internal/metrics"
)

// State is the processing phase of one event.
type State string

const (
	StateReceived   State = "RECEIVED"
	StateClassified State = "CLASSIFIED"
	StateRouted     State = "ROUTED"
	StateExecuting  State = "EXECUTING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

const defaultFallbackReply = "抱歉，我暂时无法处理您的请求，请稍后再试。"

// Classifier is the routing decision source.
type Classifier interface {
	Classify(ctx context.Context, event domain.InboundEvent, conv *domain.ConversationContext) domain.RouteDecision
}

// Result is the outcome of processing one event. State is COMPLETED for
// every finished event; Failed reports whether the error path was taken.
type Result struct {
	Reply       domain.Reply
	Route       domain.RouteLabel
	State       State
	Failed      bool
	SideEffects []string
}

type Config struct {
	Classifier    Classifier
	Registry      *Registry
	Cache         cache.Cache
	FallbackReply string
	Logger        *slog.Logger
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	classifier    Classifier
	registry      *Registry
	cache         cache.Cache
	fallbackReply string
	logger        *slog.Logger

	userLocks sync.Map // userID -> *sync.Mutex
}

func New(cfg Config) *Orchestrator {
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = defaultFallbackReply
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		classifier:    cfg.Classifier,
		registry:      cfg.Registry,
		cache:         cfg.Cache,
		fallbackReply: cfg.FallbackReply,
		logger:        cfg.Logger.With("component", "orchestrator"),
	}
}

// Process runs one event to completion. It never panics outward and only
// returns an error for events it cannot even begin to process.
func (o *Orchestrator) Process(ctx context.Context, event domain.InboundEvent) (*Result, error) {
	if event.UserID == "" {
		return nil, fmt.Errorf("event without user id")
	}

	lock := o.lockFor(event.UserID)
	lock.Lock()
	defer lock.Unlock()

	metrics.EventsTotal.Inc()
	metrics.EventsInFlight.Inc()
	defer metrics.EventsInFlight.Dec()

	o.logger.Debug("event received", "user", event.UserID, "kind", event.Kind, "state", StateReceived)

	conv := o.snapshot(ctx, event.UserID)

	decision := o.classifier.Classify(ctx, event, conv)
	o.logger.Debug("event classified", "user", event.UserID,
		"route", decision.Route, "confidence", decision.Confidence, "state", StateClassified)

	handler, route := o.registry.Resolve(decision.Route)
	if route != decision.Route {
		o.logger.Warn("unknown route remapped", "requested", decision.Route, "actual", route)
	}
	metrics.EventsByRoute(string(route)).Inc()
	o.logger.Debug("event routed", "user", event.UserID, "route", route, "state", StateRouted)

	start := time.Now()
	hres, err := o.execute(ctx, handler, event, conv)
	metrics.HandlerLatency.Observe(time.Since(start).Seconds())

	out := &Result{Route: route, State: StateCompleted}

	if err != nil {
		if cancelled(ctx, err) {
			// Caller went away mid-flight: minimal reply, no turn append so
			// the context never records a half-finished exchange.
			o.logger.Warn("handler cancelled", "user", event.UserID, "route", route, "error", err)
			out.Reply = domain.Reply{Kind: domain.ReplyText, Text: o.fallbackReply}
			return out, nil
		}

		var herr *domain.HandlerError
		kind := domain.ErrInternal
		if errors.As(err, &herr) {
			kind = herr.Kind
		}
		metrics.EventsFailedTotal.Inc()
		o.logger.Error("handler failed", "user", event.UserID, "route", route,
			"kind", kind, "error", err, "state", StateFailed)

		out.Failed = true
		out.Reply = domain.Reply{Kind: domain.ReplyText, Text: o.fallbackReply}
		o.record(ctx, event, out.Reply)
		return out, nil
	}

	out.Reply = hres.Reply
	out.SideEffects = hres.SideEffects
	o.record(ctx, event, out.Reply)
	o.logger.Info("event completed", "user", event.UserID, "route", route,
		"side_effects", len(out.SideEffects), "state", StateCompleted)
	return out, nil
}

// execute invokes the handler, converting panics into internal errors.
func (o *Orchestrator) execute(ctx context.Context, h domain.Handler, event domain.InboundEvent, conv *domain.ConversationContext) (res *domain.HandlerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewHandlerError(domain.ErrInternal, "handler panic", fmt.Errorf("%v", r))
		}
	}()
	o.logger.Debug("executing handler", "user", event.UserID, "state", StateExecuting)
	res, err = h.Handle(ctx, event, conv)
	if err == nil && res == nil {
		err = domain.NewHandlerError(domain.ErrInternal, "handler returned no result", nil)
	}
	return res, err
}

// snapshot reads the conversation context, degrading to stateless operation
// when the cache is unreachable.
func (o *Orchestrator) snapshot(ctx context.Context, userID string) *domain.ConversationContext {
	if o.cache == nil {
		return nil
	}
	conv, found, err := o.cache.Get(ctx, userID)
	if err != nil {
		metrics.CacheMisses.Inc()
		o.logger.Warn("context cache unavailable, continuing stateless", "user", userID, "error", err)
		return nil
	}
	if !found {
		metrics.CacheMisses.Inc()
		return nil
	}
	metrics.CacheHits.Inc()
	return conv
}

// record appends the user/assistant turn pair in a single call so the pair
// lands atomically. Only real text exchanges are recorded.
func (o *Orchestrator) record(ctx context.Context, event domain.InboundEvent, reply domain.Reply) {
	if o.cache == nil || event.Kind != domain.EventMessage || event.Text == "" {
		return
	}
	now := time.Now()
	turns := []domain.Turn{{Role: "user", Text: event.Text, Timestamp: event.ReceivedAt}}
	if turns[0].Timestamp.IsZero() {
		turns[0].Timestamp = now
	}
	if reply.Kind == domain.ReplyText && reply.Text != "" {
		turns = append(turns, domain.Turn{Role: "assistant", Text: reply.Text, Timestamp: now})
	}
	if err := o.cache.AppendTurns(ctx, event.UserID, turns...); err != nil {
		o.logger.Warn("turn append failed", "user", event.UserID, "error", err)
	}
}

func (o *Orchestrator) lockFor(userID string) *sync.Mutex {
	if l, ok := o.userLocks.Load(userID); ok {
		return l.(*sync.Mutex)
	}
	l, _ := o.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
