package x402

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType names a payment lifecycle event
type EventType string

const (
	EventPaymentRequested     EventType = "payment:requested"
	EventPaymentConfirmed     EventType = "payment:confirmed"
	EventPaymentFailed        EventType = "payment:failed"
	EventAuthorizationCreated EventType = "authorization:created"
	EventAuthorizationSettled EventType = "authorization:settled"
)

// Event is delivered to every registered listener.
// Data is a *PaymentRequest, *PaymentTransaction or *EIP3009Authorization
// depending on Type.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Error     string      `json:"error,omitempty"`
}

// Listener receives events. A returned error is logged and never
// interrupts delivery to other listeners or the payment itself.
type Listener func(ctx context.Context, event Event) error

// ListenerHandle identifies a registration for Off
type ListenerHandle uint64

// ListenerOutcome records what one listener did with one event
type ListenerOutcome struct {
	Handle ListenerHandle
	Err    error
}

type subscriber struct {
	handle   ListenerHandle
	listener Listener
}

// eventBus is an ordered subscriber list with snapshot delivery
type eventBus struct {
	mu     sync.Mutex
	next   ListenerHandle
	subs   []subscriber
	logger *logrus.Entry
}

func newEventBus(logger *logrus.Entry) *eventBus {
	return &eventBus{logger: logger}
}

func (b *eventBus) on(listener Listener) ListenerHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs = append(b.subs, subscriber{handle: b.next, listener: listener})
	return b.next
}

func (b *eventBus) off(handle ListenerHandle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.handle == handle {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (b *eventBus) snapshot() []subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]subscriber, len(b.subs))
	copy(out, b.subs)
	return out
}

// emit delivers event to each listener in registration order
func (b *eventBus) emit(ctx context.Context, eventType EventType, data interface{}, cause error) []ListenerOutcome {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	if cause != nil {
		event.Error = cause.Error()
	}

	subs := b.snapshot()
	outcomes := make([]ListenerOutcome, 0, len(subs))
	for _, s := range subs {
		err := invokeListener(ctx, s.listener, event)
		if err != nil {
			b.logger.WithFields(logrus.Fields{
				"event":    event.Type,
				"listener": s.handle,
			}).WithError(err).Warn("event listener failed")
		}
		outcomes = append(outcomes, ListenerOutcome{Handle: s.handle, Err: err})
	}
	return outcomes
}

func invokeListener(ctx context.Context, l Listener, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return l(ctx, event)
}
