package bus

import (
	"context"
	"testing"
	"time"
)

func TestLocalBusPublishSubscribe(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	got := make(chan Event, 1)
	unsub, err := b.Subscribe(TopicMessageCreated, func(_ context.Context, e Event) {
		got <- e
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := b.Publish(context.Background(), Event{
		Topic:          TopicMessageCreated,
		ConversationID: "c1",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case e := <-got:
		if e.ConversationID != "c1" {
			t.Fatalf("conversation id: %q", e.ConversationID)
		}
		if e.Timestamp.IsZero() {
			t.Fatal("publish should stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}
}

func TestLocalBusTopicIsolation(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	got := make(chan Event, 1)
	unsub, _ := b.Subscribe(TopicTyping, func(_ context.Context, e Event) { got <- e })
	defer unsub()

	_ = b.Publish(context.Background(), Event{Topic: TopicPresence, ConversationID: "c1"})
	select {
	case <-got:
		t.Fatal("typing subscriber must not see presence events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusUnsubscribe(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	got := make(chan Event, 1)
	unsub, _ := b.Subscribe(TopicMessageCreated, func(_ context.Context, e Event) { got <- e })
	unsub()

	_ = b.Publish(context.Background(), Event{Topic: TopicMessageCreated})
	select {
	case <-got:
		t.Fatal("unsubscribed handler must not fire")
	case <-time.After(50 * time.Millisecond):
	}
}
