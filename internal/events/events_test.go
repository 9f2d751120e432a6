package events

import (
	"sync"
	"testing"
	"time"
)

func TestFanOut(t *testing.T) {
	bus := New(nil)

	var mu sync.Mutex
	got := map[string][]string{}
	var wg sync.WaitGroup
	wg.Add(2)

	for _, name := range []string{"indexer", "webhook"} {
		name := name
		err := bus.Subscribe(name, func(ev Validation) {
			mu.Lock()
			got[name] = append(got[name], ev.TxID)
			mu.Unlock()
			wg.Done()
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	bus.Publish(Validation{TxID: "T1", Hash: "h", Data: "d"})
	wg.Wait()
	bus.Shutdown()

	if len(got["indexer"]) != 1 || len(got["webhook"]) != 1 {
		t.Errorf("Expected one delivery per subscriber, got %v", got)
	}
}

func TestDuplicateSubscriber(t *testing.T) {
	bus := New(nil)
	defer bus.Shutdown()

	bus.Subscribe("a", func(Validation) {})
	if err := bus.Subscribe("a", func(Validation) {}); err == nil {
		t.Error("Expected error for duplicate subscriber")
	}
	if err := bus.Unsubscribe("a"); err != nil {
		t.Errorf("Unsubscribe failed: %v", err)
	}
	if err := bus.Unsubscribe("a"); err == nil {
		t.Error("Expected error unsubscribing twice")
	}
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	bus := New(nil)

	done := make(chan Validation, 2)
	bus.Subscribe("bad", func(Validation) { panic("boom") })
	bus.Subscribe("good", func(ev Validation) { done <- ev })

	bus.Publish(Validation{TxID: "T1"})
	bus.Publish(Validation{TxID: "T2"})

	for _, want := range []string{"T1", "T2"} {
		select {
		case ev := <-done:
			if ev.TxID != want {
				t.Errorf("Expected %s, got %s", want, ev.TxID)
			}
		case <-time.After(time.Second):
			t.Fatal("Good subscriber starved by panicking one")
		}
	}
	bus.Shutdown()
}

func TestPublishDoesNotBlock(t *testing.T) {
	bus := New(nil)

	release := make(chan struct{})
	bus.Subscribe("stuck", func(Validation) { <-release })

	start := time.Now()
	for i := 0; i < subscriberBuffer*2; i++ {
		bus.Publish(Validation{TxID: "T"})
	}
	if time.Since(start) > time.Second {
		t.Error("Publish blocked on a stuck subscriber")
	}

	close(release)
	bus.Shutdown()
}
