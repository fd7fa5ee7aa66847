package pubsub

import "testing"

func TestHubDeliversToTopicSubscribers(t *testing.T) {
	hub := NewHub[int](4)
	a, cancelA := hub.Subscribe("s1")
	defer cancelA()
	b, cancelB := hub.Subscribe("s2")
	defer cancelB()

	hub.Publish("s1", 7)

	if got := <-a; got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	select {
	case v := <-b:
		t.Fatalf("unexpected delivery to other topic: %d", v)
	default:
	}
}

func TestHubDropsOldestWhenFull(t *testing.T) {
	hub := NewHub[int](2)
	ch, cancel := hub.Subscribe("s1")
	defer cancel()

	for i := 1; i <= 5; i++ {
		hub.Publish("s1", i)
	}

	first, second := <-ch, <-ch
	if first != 4 || second != 5 {
		t.Fatalf("expected newest values 4,5 got %d,%d", first, second)
	}
}

func TestHubCancelClosesAndCleansUp(t *testing.T) {
	hub := NewHub[string](1)
	ch, cancel := hub.Subscribe("s1")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	hub.mu.RLock()
	_, ok := hub.topics["s1"]
	hub.mu.RUnlock()
	if ok {
		t.Fatalf("expected topic removed")
	}
	hub.Publish("s1", "ignored")
}

func TestHubClose(t *testing.T) {
	hub := NewHub[int](1)
	ch, cancel := hub.Subscribe("s1")
	hub.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after Close")
	}
	cancel()
}
