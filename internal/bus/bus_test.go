package bus

import (
	"context"
	"testing"
	"time"
)

// TestPublishConsumeInbound verifies that a published message reaches the
// consumer with its fields intact.
func TestPublishConsumeInbound(t *testing.T) {
	b := New()
	b.PublishInbound(InboundMessage{
		ID:        "m1",
		ChannelID: "telegram",
		From:      Sender{ChannelID: "telegram", UserID: "u1"},
		Text:      "hello",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("ConsumeInbound returned ok=false, want a message")
	}
	if msg.ID != "m1" || msg.Text != "hello" || msg.From.UserID != "u1" {
		t.Errorf("consumed message = %+v, want id=m1 text=hello user=u1", msg)
	}
}

// TestConsumeInboundCancelled verifies that a cancelled context unblocks
// the consumer with ok=false.
func TestConsumeInboundCancelled(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := b.ConsumeInbound(ctx)
	if ok {
		t.Error("ConsumeInbound on cancelled ctx returned ok=true, want false")
	}
}

// TestBroadcastFanOut verifies that every subscriber sees the event and
// that unsubscribing stops delivery.
func TestBroadcastFanOut(t *testing.T) {
	b := New()
	var got1, got2 int
	b.Subscribe("a", func(e Event) { got1++ })
	b.Subscribe("b", func(e Event) { got2++ })

	b.Broadcast(Event{Name: EventChildCrashed})
	if got1 != 1 || got2 != 1 {
		t.Errorf("after broadcast: handler counts = %d,%d, want 1,1", got1, got2)
	}

	b.Unsubscribe("a")
	b.Broadcast(Event{Name: EventChildRestarted})
	if got1 != 1 {
		t.Errorf("unsubscribed handler ran again: count = %d, want 1", got1)
	}
	if got2 != 2 {
		t.Errorf("remaining handler count = %d, want 2", got2)
	}
}

// TestInboundQueueFullDrops verifies that publishing beyond the buffer
// does not block the caller.
func TestInboundQueueFullDrops(t *testing.T) {
	b := New()
	done := make(chan struct{})
	go func() {
		for i := 0; i < inboundBuffer+10; i++ {
			b.PublishInbound(InboundMessage{ID: "x", ChannelID: "cli"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PublishInbound blocked on a full queue")
	}
}
