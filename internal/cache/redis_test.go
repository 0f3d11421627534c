package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisCache(t *testing.T, cfg Config) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(rdb, cfg)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestRedisAppendGetRoundTrip(t *testing.T) {
	c, _ := newTestRedisCache(t, Config{})
	ctx := context.Background()

	if err := c.AppendTurns(ctx, "u1", turn("user", "你好"), turn("assistant", "你好，有什么可以帮您？")); err != nil {
		t.Fatalf("append: %v", err)
	}
	conv, found, err := c.Get(ctx, "u1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if len(conv.Turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(conv.Turns))
	}
	if conv.Turns[1].Role != "assistant" {
		t.Fatalf("last role = %q", conv.Turns[1].Role)
	}
}

func TestRedisTurnCapEvictsOldest(t *testing.T) {
	c, _ := newTestRedisCache(t, Config{MaxTurns: 50})
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
		t.Fatalf("expected 50 turns, got %d", len(conv.Turns))
	}
	if conv.Turns[0].Text != "m1" || conv.Turns[49].Text != "m50" {
		t.Fatalf("window = [%s..%s], want [m1..m50]", conv.Turns[0].Text, conv.Turns[49].Text)
	}
}

func TestRedisDialogueTTLRefreshOnAppend(t *testing.T) {
	c, mr := newTestRedisCache(t, Config{DialogueTTL: time.Hour})
	ctx := context.Background()

	if err := c.AppendTurns(ctx, "u1", turn("user", "first")); err != nil {
		t.Fatalf("append: %v", err)
	}
	mr.FastForward(40 * time.Minute)
	if err := c.AppendTurns(ctx, "u1", turn("user", "second")); err != nil {
		t.Fatalf("append: %v", err)
	}
	// 80 minutes after the first append; the refresh keeps the entry alive.
	mr.FastForward(40 * time.Minute)
	conv, found, err := c.Get(ctx, "u1")
	if err != nil || !found {
		t.Fatalf("get after refresh: found=%v err=%v", found, err)
	}
	if len(conv.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(conv.Turns))
	}

	mr.FastForward(2 * time.Hour)
	if _, found, _ := c.Get(ctx, "u1"); found {
		t.Fatal("entry survived past its TTL")
	}
}

func TestRedisDerivedProfileOwnTTL(t *testing.T) {
	c, mr := newTestRedisCache(t, Config{DialogueTTL: 7 * 24 * time.Hour, ProfileTTL: time.Hour})
	ctx := context.Background()

	if err := c.AppendTurns(ctx, "u1", turn("user", "hello")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.PutDerived(ctx, "u1", "interest", "ai"); err != nil {
		t.Fatalf("put derived: %v", err)
	}

	conv, found, err := c.Get(ctx, "u1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if conv.Profile["interest"] != "ai" {
		t.Fatalf("profile = %v", conv.Profile)
	}

	mr.FastForward(2 * time.Hour)
	conv, found, err = c.Get(ctx, "u1")
	if err != nil || !found {
		t.Fatalf("get after profile expiry: found=%v err=%v", found, err)
	}
	if len(conv.Profile) != 0 {
		t.Fatalf("profile outlived its TTL: %v", conv.Profile)
	}
	if len(conv.Turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(conv.Turns))
	}
}

func TestRedisGenericValueAndCounter(t *testing.T) {
	c, mr := newTestRedisCache(t, Config{})
	ctx := context.Background()

	if err := c.SetValue(ctx, "trending:topics", []byte(`["ai"]`), 30*time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, found, err := c.GetValue(ctx, "trending:topics")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(got) != `["ai"]` {
		t.Fatalf("value = %s", got)
	}
	mr.FastForward(time.Hour)
	if _, found, _ := c.GetValue(ctx, "trending:topics"); found {
		t.Fatal("value outlived its TTL")
	}

	n, err := c.IncrWindow(ctx, "rate:u1", time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("first incr: n=%d err=%v", n, err)
	}
	n, err = c.IncrWindow(ctx, "rate:u1", time.Minute)
	if err != nil || n != 2 {
		t.Fatalf("second incr: n=%d err=%v", n, err)
	}
	mr.FastForward(2 * time.Minute)
	n, err = c.IncrWindow(ctx, "rate:u1", time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("incr after window: n=%d err=%v", n, err)
	}
}

func TestRedisUnavailableErrors(t *testing.T) {
	c, mr := newTestRedisCache(t, Config{})
	ctx := context.Background()
	mr.Close()

	if _, _, err := c.Get(ctx, "u1"); err == nil {
		t.Fatal("expected error after server shutdown")
	}
	if err := c.AppendTurns(ctx, "u1", turn("user", "hello")); err == nil {
		t.Fatal("expected error after server shutdown")
	}
}
