package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/procurement-api/internal/models"
)

// TransitionEvent is published after a request transition has been committed.
type TransitionEvent struct {
	RequestID     string               `json:"requestId"`
	RequestNumber int64                `json:"requestNumber"`
	ProjectNumber int64                `json:"projectNumber"`
	Action        models.Action        `json:"action"`
	OldState      models.RequestStatus `json:"oldState"`
	NewState      models.RequestStatus `json:"newState"`
	Actor         string               `json:"actor"`
	Comment       string               `json:"comment"`
	StudentEmail  string               `json:"studentEmail"`
	ManagerEmail  string               `json:"manager"`
	RequestTotal  int64                `json:"requestTotal"`
	OccurredAt    time.Time            `json:"occurredAt"`
}

// EventHandler receives committed transitions. Handlers run on the publisher's
// goroutine and must hand off slow work.
type EventHandler func(TransitionEvent)

// EventBus fans transition events out to explicit subscribers.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]EventHandler
	nextID uint64
	logger *zap.Logger
}

// NewEventBus constructs an empty bus.
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{subs: make(map[uint64]EventHandler), logger: logger}
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (b *EventBus) Subscribe(fn EventHandler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers evt to every current subscriber. A panicking subscriber is
// logged and does not affect the others.
func (b *EventBus) Publish(evt TransitionEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.deliver(fn, evt)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *EventBus) deliver(fn EventHandler, evt TransitionEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.String("request_id", evt.RequestID),
				zap.String("action", string(evt.Action)),
				zap.Any("panic", r),
			)
		}
	}()
	fn(evt)
}
