// Package pubsub provides in-process typed topics for the cache engine's
// internal events.
//
// Topic Naming Convention:
//   - cache.invalidate: keys removed by delete, clear or pattern invalidation
//   - cache.warm.completed: a warmup task reached a terminal state or failed an attempt
//   - monitoring.alert.raised: the analyzer raised a new alert
//
// Design Notes:
//   - Delivery is synchronous, in publish order, to every subscriber
//   - A panicking subscriber is recovered and logged; other subscribers still run
//   - Topics are owned by whoever constructs the engine; there are no globals
package pubsub

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Topic name constants.
const (
	TopicCacheInvalidate    = "cache.invalidate"
	TopicCacheWarmCompleted = "cache.warm.completed"
	TopicAlertRaised        = "monitoring.alert.raised"
)

// AllTopics returns all defined topic names.
func AllTopics() []string {
	return []string{
		TopicCacheInvalidate,
		TopicCacheWarmCompleted,
		TopicAlertRaised,
	}
}

// Handler consumes one event.
type Handler[T any] func(ctx context.Context, event T) error

// Topic fans events out to named subscribers.
type Topic[T any] struct {
	name   string
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]Handler[T]
}

// NewTopic creates a topic. A nil logger discards subscriber errors.
func NewTopic[T any](name string, logger *zap.Logger) *Topic[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Topic[T]{
		name:   name,
		logger: logger.With(zap.String("topic", name)),
		subs:   make(map[string]Handler[T]),
	}
}

// Name returns the topic name.
func (t *Topic[T]) Name() string { return t.name }

// Subscribe registers handler under name, replacing any previous handler with
// the same name. The returned func removes the subscription.
func (t *Topic[T]) Subscribe(name string, handler Handler[T]) func() {
	t.mu.Lock()
	t.subs[name] = handler
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, name)
		t.mu.Unlock()
	}
}

// Subscribers returns subscriber names in sorted order.
func (t *Topic[T]) Subscribers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.subs))
	for name := range t.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publish delivers event to every subscriber and returns how many handled it
// without error. Safe to call on a nil topic.
func (t *Topic[T]) Publish(ctx context.Context, event T) int {
	if t == nil {
		return 0
	}

	t.mu.RLock()
	names := make([]string, 0, len(t.subs))
	handlers := make([]Handler[T], 0, len(t.subs))
	for name, h := range t.subs {
		names = append(names, name)
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()

	delivered := 0
	for i, h := range handlers {
		if t.deliver(ctx, names[i], h, event) {
			delivered++
		}
	}
	return delivered
}

func (t *Topic[T]) deliver(ctx context.Context, name string, h Handler[T], event T) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("subscriber panicked", zap.String("subscriber", name), zap.Any("panic", r))
			ok = false
		}
	}()

	if err := h(ctx, event); err != nil {
		t.logger.Warn("subscriber failed", zap.String("subscriber", name), zap.Error(err))
		return false
	}
	return true
}
