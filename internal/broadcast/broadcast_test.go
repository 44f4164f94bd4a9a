package broadcast

import (
	"testing"
	"time"
)

func TestSubscribeMatchesTopicPrefix(t *testing.T) {
	b := New()
	defer b.Shutdown()

	sub := b.Subscribe("execution.", 4)
	b.Publish("execution.approved", map[string]any{"id": "1"})
	b.Publish("other.topic", "ignored")

	select {
	case evt := <-sub.C:
		if evt.Topic != "execution.approved" {
			t.Fatalf("expected execution.approved, got %s", evt.Topic)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for matching event")
	}

	select {
	case evt := <-sub.C:
		t.Fatalf("did not expect a second delivery, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Shutdown()

	sub := b.Subscribe("", 4)
	sub.Unsubscribe()
	b.Publish("anything", "payload")

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatalf("expected channel closed, got a delivered event")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
}

func TestPublishAfterShutdownIsNoOp(t *testing.T) {
	b := New()
	sub := b.Subscribe("", 4)
	b.Shutdown()
	b.Publish("topic", "payload")

	select {
	case evt := <-sub.C:
		t.Fatalf("did not expect delivery after shutdown, got %+v", evt)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOrderingPreservedPerTopic(t *testing.T) {
	b := New()
	defer b.Shutdown()

	sub := b.Subscribe("t", 16)
	for i := 0; i < 10; i++ {
		b.Publish("t", i)
	}

	for i := 0; i < 10; i++ {
		select {
		case evt := <-sub.C:
			if evt.Payload != i {
				t.Fatalf("expected payload %d in order, got %v", i, evt.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}
