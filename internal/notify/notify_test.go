package notify

import (
	"testing"
	"time"

	"github.com/atlasgw/atlas/internal/broadcast"
)

func TestSendStampsCreatedAtAndPublishes(t *testing.T) {
	bus := broadcast.New()
	defer bus.Shutdown()
	sub := bus.Subscribe(Topic, 4)

	sink := NewSink(bus)
	sink.Send(Notification{Kind: KindApprovalPending, Title: "Approval needed"})

	select {
	case evt := <-sub.C:
		n, ok := evt.Payload.(Notification)
		if !ok {
			t.Fatalf("expected a Notification payload, got %T", evt.Payload)
		}
		if n.CreatedAt.IsZero() {
			t.Fatalf("expected CreatedAt to be stamped")
		}
		if n.Title != "Approval needed" {
			t.Fatalf("unexpected title: %s", n.Title)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the notification")
	}
}

func TestSendPreservesExplicitCreatedAt(t *testing.T) {
	bus := broadcast.New()
	defer bus.Shutdown()
	sub := bus.Subscribe(Topic, 4)

	stamp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sink := NewSink(bus)
	sink.Send(Notification{Kind: KindTrustHalt, CreatedAt: stamp})

	select {
	case evt := <-sub.C:
		n := evt.Payload.(Notification)
		if !n.CreatedAt.Equal(stamp) {
			t.Fatalf("expected preserved CreatedAt %v, got %v", stamp, n.CreatedAt)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the notification")
	}
}
