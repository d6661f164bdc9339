package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})
	b.Emit(SourceMCP, KindSessionState, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestEmitStampsTime(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Emit(SourceDelivery, KindDelivered, map[string]any{"recipient": "91@s.whatsapp.net"})

	select {
	case got := <-ch:
		if got.Timestamp.IsZero() {
			t.Error("Emit should stamp the event time")
		}
		if got.Source != SourceDelivery || got.Kind != KindDelivered {
			t.Errorf("got %s/%s, want delivery/delivered", got.Source, got.Kind)
		}
		if got.Data["recipient"] != "91@s.whatsapp.net" {
			t.Errorf("recipient = %v", got.Data["recipient"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	channels := make([]<-chan Event, 3)
	for i := range channels {
		channels[i] = b.Subscribe(4)
	}

	b.Publish(Event{Source: SourceWhatsApp, Kind: KindMessageReceived})

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != KindMessageReceived {
				t.Errorf("subscriber %d: kind = %q", i, got.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
		b.Unsubscribe(ch)
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d after unsubscribing all", n)
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got kind %q, want first", got.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got %v", evt)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	b.Publish(Event{Kind: "after"})
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				b.Emit(SourceAgent, KindToolCall, nil)
			}
		}()
		go func() {
			defer wg.Done()
			ch := b.Subscribe(2)
			time.Sleep(time.Millisecond)
			b.Unsubscribe(ch)
		}()
	}
	wg.Wait()
}
