package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"oabot/internal/cache"
	"oabot/internal/domain"
)

type staticClassifier struct {
	route domain.RouteLabel
}

func (s staticClassifier) Classify(context.Context, domain.InboundEvent, *domain.ConversationContext) domain.RouteDecision {
	return domain.RouteDecision{Route: s.route, Confidence: 0.9}
}

func echoHandler(prefix string) domain.Handler {
	return domain.HandlerFunc(func(_ context.Context, e domain.InboundEvent, _ *domain.ConversationContext) (*domain.HandlerResult, error) {
		return &domain.HandlerResult{
			Reply: domain.Reply{Kind: domain.ReplyText, Text: prefix + e.Text},
		}, nil
	})
}

func newTestOrchestrator(route domain.RouteLabel, h domain.Handler, c cache.Cache) *Orchestrator {
	reg := NewRegistry(echoHandler("fallback:"))
	if h != nil {
		reg.Register(route, h)
	}
	return New(Config{
		Classifier: staticClassifier{route: route},
		Registry:   reg,
		Cache:      c,
	})
}

func msg(user, text string) domain.InboundEvent {
	return domain.InboundEvent{UserID: user, Kind: domain.EventMessage, Text: text, ReceivedAt: time.Now()}
}

func TestProcessHappyPath(t *testing.T) {
	c := cache.NewMemoryCache(cache.Config{})
	o := newTestOrchestrator(domain.RouteConversation, echoHandler("re:"), c)

	res, err := o.Process(context.Background(), msg("u1", "hello"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.State != StateCompleted || res.Failed {
		t.Fatalf("result = %+v", res)
	}
	if res.Reply.Text != "re:hello" {
		t.Fatalf("reply = %q", res.Reply.Text)
	}

	conv, found, _ := c.Get(context.Background(), "u1")
	if !found || len(conv.Turns) != 2 {
		t.Fatalf("context after process: found=%v turns=%d", found, len(conv.Turns))
	}
	if conv.Turns[0].Role != "user" || conv.Turns[1].Role != "assistant" {
		t.Fatalf("turn roles = %s/%s", conv.Turns[0].Role, conv.Turns[1].Role)
	}
}

func TestPerUserOrderUnderConcurrentLoad(t *testing.T) {
	c := cache.NewMemoryCache(cache.Config{MaxTurns: 200})
	o := newTestOrchestrator(domain.RouteConversation, echoHandler("re:"), c)

	const perUser = 20
	var wg sync.WaitGroup
	// u1's events are sent strictly in order from one goroutine while other
	// users hammer the orchestrator concurrently.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < perUser; i++ {
			if _, err := o.Process(context.Background(), msg("u1", fmt.Sprintf("m%d", i))); err != nil {
				t.Errorf("u1 m%d: %v", i, err)
			}
		}
	}()
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			user := fmt.Sprintf("noise-%d", g)
			for i := 0; i < perUser; i++ {
				if _, err := o.Process(context.Background(), msg(user, fmt.Sprintf("n%d", i))); err != nil {
					t.Errorf("%s n%d: %v", user, i, err)
				}
			}
		}(g)
	}
	wg.Wait()

	conv, found, _ := c.Get(context.Background(), "u1")
	if !found {
		t.Fatal("u1 context missing")
	}
	var userTurns []string
	for _, turn := range conv.Turns {
		if turn.Role == "user" {
			userTurns = append(userTurns, turn.Text)
		}
	}
	if len(userTurns) != perUser {
		t.Fatalf("u1 user turns = %d, want %d", len(userTurns), perUser)
	}
	for i, text := range userTurns {
		if want := fmt.Sprintf("m%d", i); text != want {
			t.Fatalf("turn %d = %q, want %q (order violated)", i, text, want)
		}
	}
}

func TestUpstreamFailureFallsBack(t *testing.T) {
	c := cache.NewMemoryCache(cache.Config{})
	failing := domain.HandlerFunc(func(context.Context, domain.InboundEvent, *domain.ConversationContext) (*domain.HandlerResult, error) {
		return nil, domain.NewHandlerError(domain.ErrUpstream, "provider down", errors.New("503"))
	})
	o := newTestOrchestrator(domain.RouteConversation, failing, c)

	res, err := o.Process(context.Background(), msg("u1", "hello"))
	if err != nil {
		t.Fatalf("process must not propagate handler errors: %v", err)
	}
	if !res.Failed {
		t.Fatal("failure not reported")
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", res.State)
	}
	if res.Reply.Text == "" || res.Reply.Text == "hello" {
		t.Fatalf("expected generic fallback reply, got %q", res.Reply.Text)
	}
}

func TestUnknownRouteRemapsToFallback(t *testing.T) {
	o := newTestOrchestrator(domain.RouteLabel("weather"), nil, cache.NewMemoryCache(cache.Config{}))

	res, err := o.Process(context.Background(), msg("u1", "hello"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Route != domain.RouteFallback {
		t.Fatalf("route = %s, want %s", res.Route, domain.RouteFallback)
	}
	if res.Reply.Text != "fallback:hello" {
		t.Fatalf("reply = %q", res.Reply.Text)
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	panicking := domain.HandlerFunc(func(context.Context, domain.InboundEvent, *domain.ConversationContext) (*domain.HandlerResult, error) {
		panic("boom")
	})
	o := newTestOrchestrator(domain.RouteConversation, panicking, cache.NewMemoryCache(cache.Config{}))

	res, err := o.Process(context.Background(), msg("u1", "hello"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !res.Failed || res.Reply.Text == "" {
		t.Fatalf("panic not converted to fallback: %+v", res)
	}
}

func TestCancelledHandlerSkipsTurnAppend(t *testing.T) {
	c := cache.NewMemoryCache(cache.Config{})
	blocking := domain.HandlerFunc(func(ctx context.Context, _ domain.InboundEvent, _ *domain.ConversationContext) (*domain.HandlerResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newTestOrchestrator(domain.RouteConversation, blocking, c)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := o.Process(ctx, msg("u1", "hello"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Reply.Text == "" {
		t.Fatal("cancelled invocation must still produce a minimal reply")
	}

	if _, found, _ := c.Get(context.Background(), "u1"); found {
		t.Fatal("cancelled invocation left a partial turn append")
	}
}

type brokenCache struct {
	cache.Cache
}

func (brokenCache) Get(context.Context, string) (*domain.ConversationContext, bool, error) {
	return nil, false, cache.ErrUnavailable
}

func (brokenCache) AppendTurns(context.Context, string, ...domain.Turn) error {
	return cache.ErrUnavailable
}

func TestCacheUnavailableStaysStateless(t *testing.T) {
	o := newTestOrchestrator(domain.RouteConversation, echoHandler("re:"), brokenCache{})

	res, err := o.Process(context.Background(), msg("u1", "hello"))
	if err != nil {
		t.Fatalf("process with broken cache: %v", err)
	}
	if res.Failed || res.Reply.Text != "re:hello" {
		t.Fatalf("degraded processing broke the reply: %+v", res)
	}
}

func TestMissingUserIDRejected(t *testing.T) {
	o := newTestOrchestrator(domain.RouteConversation, echoHandler("re:"), cache.NewMemoryCache(cache.Config{}))
	if _, err := o.Process(context.Background(), domain.InboundEvent{Kind: domain.EventMessage, Text: "x"}); err == nil {
		t.Fatal("event without user id accepted")
	}
}
