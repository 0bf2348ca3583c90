package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestEventBusDeliversToEverySubscriber(t *testing.T) {
	bus := NewEventBus(zap.NewNop())
	var a, b []string
	bus.Subscribe(func(evt TransitionEvent) { a = append(a, evt.RequestID) })
	unsubscribe := bus.Subscribe(func(evt TransitionEvent) { b = append(b, evt.RequestID) })

	bus.Publish(TransitionEvent{RequestID: "r1"})
	unsubscribe()
	unsubscribe()
	bus.Publish(TransitionEvent{RequestID: "r2"})

	assert.Equal(t, []string{"r1", "r2"}, a)
	assert.Equal(t, []string{"r1"}, b)
	assert.Equal(t, 1, bus.Subscribers())
}

func TestEventBusIsolatesPanickingSubscriber(t *testing.T) {
	bus := NewEventBus(zap.NewNop())
	delivered := 0
	bus.Subscribe(func(TransitionEvent) { panic("boom") })
	bus.Subscribe(func(TransitionEvent) { delivered++ })

	assert.NotPanics(t, func() { bus.Publish(TransitionEvent{RequestID: "r1"}) })
	assert.Equal(t, 1, delivered)
}

func TestNilEventBusPublishIsNoop(t *testing.T) {
	var bus *EventBus
	assert.NotPanics(t, func() { bus.Publish(TransitionEvent{}) })
}
