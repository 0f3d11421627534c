package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"oabot/internal/domain"
)

func turn(role, text string) domain.Turn {
	return domain.Turn{Role: role, Text: text, Timestamp: time.Now()}
}

func TestMemoryAppendGetRoundTrip(t *testing.T) {
	c := NewMemoryCache(Config{})
	ctx := context.Background()

	if err := c.AppendTurns(ctx, "u1", turn("user", "hello"), turn("assistant", "hi")); err != nil {
		t.Fatalf("append: %v", err)
	}
	conv, found, err := c.Get(ctx, "u1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if len(conv.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(conv.Turns))
	}
	if conv.Turns[len(conv.Turns)-1].Text != "hi" {
		t.Fatalf("last turn = %q, want %q", conv.Turns[len(conv.Turns)-1].Text, "hi")
	}
}

func TestMemoryTurnCapEvictsOldest(t *testing.T) {
	c := NewMemoryCache(Config{MaxTurns: 50})
	ctx := context.Background()

	for i := 0; i < 51; i++ {
		if err := c.AppendTurns(ctx, "u1", turn("user", fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	conv, found, err := c.Get(ctx, "u1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if len(conv.Turns) != 50 {
		t.Fatalf("expected 50 turns after cap, got %d", len(conv.Turns))
	}
	if conv.Turns[0].Text != "m1" {
		t.Fatalf("oldest surviving turn = %q, want m1", conv.Turns[0].Text)
	}
	if conv.Turns[49].Text != "m50" {
		t.Fatalf("newest turn = %q, want m50", conv.Turns[49].Text)
	}
}

func TestMemoryExpiredIsAbsent(t *testing.T) {
	c := NewMemoryCache(Config{DialogueTTL: time.Minute})
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }
	if err := c.AppendTurns(ctx, "u1", turn("user", "hello")); err != nil {
		t.Fatalf("append: %v", err)
	}

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, found, err := c.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("expired context still returned")
	}
}

func TestMemoryDerivedTTLIndependent(t *testing.T) {
	c := NewMemoryCache(Config{DialogueTTL: 7 * 24 * time.Hour, ProfileTTL: time.Hour})
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }
	if err := c.AppendTurns(ctx, "u1", turn("user", "hello")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.PutDerived(ctx, "u1", "interest", "ai"); err != nil {
		t.Fatalf("put derived: %v", err)
	}

	// Past the profile TTL but well inside the dialogue TTL.
	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	conv, found, err := c.Get(ctx, "u1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if len(conv.Turns) != 1 {
		t.Fatalf("turns gone with profile: %d", len(conv.Turns))
	}
	if _, ok := conv.Profile["interest"]; ok {
		t.Fatal("profile trait outlived its TTL")
	}
}

func TestMemoryGenericValueTTL(t *testing.T) {
	c := NewMemoryCache(Config{})
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }
	if err := c.SetValue(ctx, "analytics:overview", []byte(`{"users":10}`), 6*time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, found, err := c.GetValue(ctx, "analytics:overview")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(got) != `{"users":10}` {
		t.Fatalf("value = %s", got)
	}

	c.now = func() time.Time { return base.Add(7 * time.Hour) }
	if _, found, _ := c.GetValue(ctx, "analytics:overview"); found {
		t.Fatal("value outlived its TTL")
	}
}

func TestMemoryIncrWindow(t *testing.T) {
	c := NewMemoryCache(Config{})
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }
	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrWindow(ctx, "rate:u1", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Fatalf("count = %d, want %d", got, want)
		}
	}

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	got, err := c.IncrWindow(ctx, "rate:u1", time.Minute)
	if err != nil {
		t.Fatalf("incr after window: %v", err)
	}
	if got != 1 {
		t.Fatalf("count after window = %d, want 1", got)
	}
}
