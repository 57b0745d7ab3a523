package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func TestCachedClassifierMemoises(t *testing.T) {
	inner := &mockClassifier{intent: "  Summarize "}
	c := newMapCache()
	cc := NewCachedClassifier(inner, c, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := cc.Classify(ctx, "shorten this article")
		if err != nil {
			t.Fatal(err)
		}
		if got != "summarize" {
			t.Errorf("expected normalised intent, got %q", got)
		}
	}
	if n := inner.calls.Load(); n != 1 {
		t.Errorf("expected one classifier call, got %d", n)
	}
	if ttl := c.ttls[classifyKey("shorten this article")]; ttl != time.Hour {
		t.Errorf("unexpected ttl %v", ttl)
	}

	// Surrounding whitespace does not change the key.
	if _, err := cc.Classify(ctx, "  shorten this article\n"); err != nil {
		t.Fatal(err)
	}
	if n := inner.calls.Load(); n != 1 {
		t.Errorf("trimmed text should hit the cache, got %d calls", n)
	}
}

func TestCachedClassifierDoesNotCacheErrors(t *testing.T) {
	inner := &mockClassifier{err: errors.New("timeout")}
	c := newMapCache()
	cc := NewCachedClassifier(inner, c, time.Minute)

	if _, err := cc.Classify(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	if len(c.data) != 0 {
		t.Error("failed classification must not be cached")
	}

	inner.err = nil
	inner.intent = "chat"
	got, err := cc.Classify(context.Background(), "hi")
	if err != nil || got != "chat" {
		t.Errorf("expected retry to succeed, got %q %v", got, err)
	}
}

func TestCachedClassifierWithoutCache(t *testing.T) {
	inner := &mockClassifier{intent: "chat"}
	cc := NewCachedClassifier(inner, nil, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := cc.Classify(context.Background(), "hi"); err != nil {
			t.Fatal(err)
		}
	}
	if n := inner.calls.Load(); n != 2 {
		t.Errorf("without a cache every call reaches the classifier, got %d", n)
	}
}
