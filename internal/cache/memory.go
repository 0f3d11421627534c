package cache

import (
	"context"
	"sync"
	"time"

	"oabot/internal/domain"
)

// MemoryCache is the in-process fallback used when Redis is not configured.
// Same semantics as the Redis implementation, process-local lifetime.
type MemoryCache struct {
	cfg Config

	mu       sync.Mutex
	convs    map[string]*memConv
	profiles map[string]*memProfile
	values   map[string]memValue
	counters map[string]memCounter

	now func() time.Time // overridable in tests
}

type memConv struct {
	turns     []domain.Turn
	expiresAt time.Time
	updatedAt time.Time
}

type memProfile struct {
	fields    map[string]string
	expiresAt time.Time
}

type memValue struct {
	data      []byte
	expiresAt time.Time
}

type memCounter struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryCache(cfg Config) *MemoryCache {
	return &MemoryCache{
		cfg:      cfg.withDefaults(),
		convs:    make(map[string]*memConv),
		profiles: make(map[string]*memProfile),
		values:   make(map[string]memValue),
		counters: make(map[string]memCounter),
		now:      time.Now,
	}
}

func (m *MemoryCache) Get(_ context.Context, userID string) (*domain.ConversationContext, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	conv := m.convs[userID]
	if conv != nil && !conv.expiresAt.After(now) {
		delete(m.convs, userID)
		conv = nil
	}
	prof := m.profiles[userID]
	if prof != nil && !prof.expiresAt.After(now) {
		delete(m.profiles, userID)
		prof = nil
	}
	if conv == nil && prof == nil {
		return nil, false, nil
	}

	out := &domain.ConversationContext{UserID: userID, Profile: map[string]string{}}
	if conv != nil {
		out.Turns = append(out.Turns, conv.turns...)
		out.LastUpdatedAt = conv.updatedAt
	}
	if prof != nil {
		for k, v := range prof.fields {
			out.Profile[k] = v
		}
	}
	return out, true, nil
}

func (m *MemoryCache) AppendTurns(_ context.Context, userID string, turns ...domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	conv := m.convs[userID]
	if conv == nil || !conv.expiresAt.After(now) {
		conv = &memConv{}
		m.convs[userID] = conv
	}
	conv.turns = append(conv.turns, turns...)
	if over := len(conv.turns) - m.cfg.MaxTurns; over > 0 {
		conv.turns = conv.turns[over:]
	}
	conv.updatedAt = now
	conv.expiresAt = now.Add(m.cfg.DialogueTTL)
	return nil
}

func (m *MemoryCache) PutDerived(_ context.Context, userID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	prof := m.profiles[userID]
	if prof == nil || !prof.expiresAt.After(now) {
		prof = &memProfile{fields: make(map[string]string)}
		m.profiles[userID] = prof
	}
	prof.fields[key] = value
	prof.expiresAt = now.Add(m.cfg.ProfileTTL)
	return nil
}

func (m *MemoryCache) SetValue(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = memValue{data: append([]byte(nil), value...), expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryCache) GetValue(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok || !v.expiresAt.After(m.now()) {
		delete(m.values, key)
		return nil, false, nil
	}
	return append([]byte(nil), v.data...), true, nil
}

func (m *MemoryCache) DeleteValue(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryCache) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c, ok := m.counters[key]
	if !ok || !c.expiresAt.After(now) {
		c = memCounter{expiresAt: now.Add(window)}
	}
	c.count++
	m.counters[key] = c
	return c.count, nil
}

func (m *MemoryCache) Close() error { return nil }
