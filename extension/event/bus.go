// Package event carries plugin lifecycle and security events to subscribers.
package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ncobase/guardrail/extension/types"
	"github.com/ncobase/guardrail/logging/logger"
)

const source = "guardrail"

// Publisher is the part of the bus producers depend on
type Publisher interface {
	Publish(eventName string, data any)
}

// Bus is an in-memory asynchronous event bus
type Bus struct {
	subscribers map[string][]func(any)
	mu          sync.RWMutex
	inflight    sync.WaitGroup
	now         func() time.Time
	metrics     struct {
		published        atomic.Int64
		delivered        atomic.Int64
		failed           atomic.Int64
		lastEventTime    atomic.Value
		activeHandlers   atomic.Int32
		totalSubscribers atomic.Int32
	}
}

// NewEventBus creates a new Bus
func NewEventBus() *Bus {
	eb := &Bus{
		subscribers: make(map[string][]func(any)),
		now:         time.Now,
	}
	eb.metrics.lastEventTime.Store(time.Time{})
	return eb
}

// GetMetrics returns event bus metrics
func (eb *Bus) GetMetrics() map[string]any {
	return map[string]any{
		"published_events": eb.metrics.published.Load(),
		"delivered_events": eb.metrics.delivered.Load(),
		"failed_events":    eb.metrics.failed.Load(),
		"last_event_time":  eb.metrics.lastEventTime.Load().(time.Time),
		"active_handlers":  eb.metrics.activeHandlers.Load(),
		"total":            eb.metrics.totalSubscribers.Load(),
		"failure_rate":     eb.failureRate(),
	}
}

func (eb *Bus) failureRate() float64 {
	delivered := eb.metrics.delivered.Load()
	failed := eb.metrics.failed.Load()
	if delivered+failed == 0 {
		return 0.0
	}
	return float64(failed) / float64(delivered+failed) * 100.0
}

// Subscribe adds a subscriber for a specific event
func (eb *Bus) Subscribe(eventName string, handler func(any)) {
	if handler == nil {
		return
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	wrappedHandler := func(data any) {
		eb.metrics.activeHandlers.Add(1)
		defer eb.metrics.activeHandlers.Add(-1)

		defer func() {
			if r := recover(); r != nil {
				eb.metrics.failed.Add(1)
				logger.Errorf(context.Background(), "panic in event handler for %s: %v", eventName, r)
			}
		}()

		handler(data)
		eb.metrics.delivered.Add(1)
	}

	eb.subscribers[eventName] = append(eb.subscribers[eventName], wrappedHandler)
	eb.metrics.totalSubscribers.Add(1)
}

// Publish delivers data to every subscriber of eventName on its own goroutine
func (eb *Bus) Publish(eventName string, data any) {
	eb.mu.RLock()
	handlers := eb.subscribers[eventName]
	eb.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	now := eb.now()
	eb.metrics.published.Add(1)
	eb.metrics.lastEventTime.Store(now)

	eventData := types.EventData{
		Time:      now,
		Source:    source,
		EventType: eventName,
		Data:      data,
	}

	for _, handler := range handlers {
		eb.inflight.Add(1)
		go func(h func(any)) {
			defer eb.inflight.Done()
			h(eventData)
		}(handler)
	}
}

// Wait blocks until every handler started so far has returned
func (eb *Bus) Wait() {
	eb.inflight.Wait()
}
