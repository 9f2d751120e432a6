// Package events fans validation results out to independent subscribers.
package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// ValidationSucceeded is the only event the validator emits.
const ValidationSucceeded = "ValidationSucceeded"

// Validation is the payload of ValidationSucceeded.
type Validation struct {
	TxID string `json:"txid"`
	Hash string `json:"hash"`
	Data string `json:"data"`
}

type Handler func(Validation)

type subscriber struct {
	ch      chan Validation
	handler Handler
}

// Bus delivers each published event to every subscriber on its own
// goroutine. A slow or failing subscriber never blocks the publisher or the
// other subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	wg     sync.WaitGroup
	logger *slog.Logger
}

// subscriberBuffer absorbs bursts while a subscriber is busy; events beyond
// it are dropped for that subscriber only.
const subscriberBuffer = 256

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		subs:   make(map[string]*subscriber),
		logger: logger,
	}
}

func (b *Bus) Subscribe(name string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[name]; exists {
		return fmt.Errorf("subscriber %q already registered", name)
	}

	sub := &subscriber{
		ch:      make(chan Validation, subscriberBuffer),
		handler: handler,
	}
	b.subs[name] = sub

	b.wg.Add(1)
	go b.run(name, sub)

	return nil
}

func (b *Bus) Unsubscribe(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subs[name]
	if !exists {
		return fmt.Errorf("subscriber %q does not exist", name)
	}

	delete(b.subs, name)
	close(sub.ch)
	return nil
}

// Publish never blocks.
func (b *Bus) Publish(ev Validation) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for name, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("Dropping event for slow subscriber",
				"subscriber", name,
				"event", ValidationSucceeded,
				"txid", ev.TxID)
		}
	}
}

// Shutdown removes every subscriber and waits for in-flight deliveries.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	for name, sub := range b.subs {
		delete(b.subs, name)
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) run(name string, sub *subscriber) {
	defer b.wg.Done()

	for ev := range sub.ch {
		b.deliver(name, sub.handler, ev)
	}
}

func (b *Bus) deliver(name string, handler Handler, ev Validation) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber panicked",
				"subscriber", name,
				"txid", ev.TxID,
				"panic", r)
		}
	}()

	handler(ev)
}
