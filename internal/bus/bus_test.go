package bus

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicAskStateChanged)
	defer b.Unsubscribe(sub)

	b.Publish(TopicAskStateChanged, AskStateChangedEvent{TaskID: "t1", OldState: "CREATED", NewState: "CLASSIFYING"})

	select {
	case event := <-sub.Ch():
		payload, ok := event.Payload.(AskStateChangedEvent)
		if !ok {
			t.Fatalf("payload type = %T, want AskStateChangedEvent", event.Payload)
		}
		if payload.NewState != "CLASSIFYING" {
			t.Fatalf("new state = %q, want CLASSIFYING", payload.NewState)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	askSub := b.Subscribe("ask.")
	defer b.Unsubscribe(askSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicAskCompleted, AskCompletedEvent{TaskID: "t1"})
	b.Publish(TopicRetrievalDegraded, RetrievalDegradedEvent{TaskID: "t1", Index: "sql_pairs"})

	select {
	case event := <-askSub.Ch():
		if event.Topic != TopicAskCompleted {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicAskCompleted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for ask event")
	}

	// askSub must not see the retrieval topic.
	select {
	case event := <-askSub.Ch():
		t.Fatalf("unexpected event on askSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all-events subscriber")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlockingPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicAskStateChanged, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on full subscriber buffer")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	// Double unsubscribe must be safe.
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}
