package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_InboundRoundtrip(t *testing.T) {
	b := New()
	want := InboundMessage{
		Channel:    "whatsapp",
		AccountID:  "default",
		From:       "+15551234567",
		Body:       "what moved NVDA today?",
		MessageKey: "mk-1",
	}
	b.PublishInbound(want)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("ConsumeInbound returned no message")
	}
	if got.MessageKey != want.MessageKey || got.Body != want.Body {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestMessageBus_ConsumeRespectsContext(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("ConsumeInbound returned a message from a cancelled context")
	}
	if _, ok := b.ConsumeOutbound(ctx); ok {
		t.Error("ConsumeOutbound returned a message from a cancelled context")
	}
}

func TestMessageBus_Broadcast(t *testing.T) {
	b := New()

	var got []string
	b.Subscribe("status", func(ev Event) {
		got = append(got, ev.Name)
	})
	b.Broadcast(Event{Name: "channel.status"})
	b.Unsubscribe("status")
	b.Broadcast(Event{Name: "channel.status"})

	if len(got) != 1 {
		t.Errorf("handler saw %d events, want 1 (unsubscribe should stop delivery)", len(got))
	}
}
