package channels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dexterhq/dexter/internal/bus"
)

type recordingSender struct {
	id        string
	err       error
	delivered chan bus.OutboundMessage
}

func (s *recordingSender) ID() string { return s.id }

func (s *recordingSender) Send(_ context.Context, msg bus.OutboundMessage) error {
	s.delivered <- msg
	return s.err
}

func TestDispatcherRoutesToSender(t *testing.T) {
	router := bus.New()
	d := NewDispatcher(router)
	sender := &recordingSender{id: "telegram", delivered: make(chan bus.OutboundMessage, 4)}
	d.Register(sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	router.PublishOutbound(bus.OutboundMessage{Channel: "telegram", To: "123", Body: "hi"})

	select {
	case msg := <-sender.delivered:
		if msg.To != "123" || msg.Body != "hi" {
			t.Errorf("delivered %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestDispatcherSkipsUnknownChannel(t *testing.T) {
	router := bus.New()
	d := NewDispatcher(router)
	sender := &recordingSender{id: "telegram", delivered: make(chan bus.OutboundMessage, 4)}
	d.Register(sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// The unknown-channel message is dropped; the next one still flows.
	router.PublishOutbound(bus.OutboundMessage{Channel: "pager", To: "1", Body: "lost"})
	router.PublishOutbound(bus.OutboundMessage{Channel: "telegram", To: "2", Body: "kept"})

	select {
	case msg := <-sender.delivered:
		if msg.Body != "kept" {
			t.Errorf("delivered %q, want %q", msg.Body, "kept")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestDispatcherContinuesAfterSendError(t *testing.T) {
	router := bus.New()
	d := NewDispatcher(router)
	sender := &recordingSender{
		id:        "discord",
		err:       errors.New("session closed"),
		delivered: make(chan bus.OutboundMessage, 4),
	}
	d.Register(sender)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	router.PublishOutbound(bus.OutboundMessage{Channel: "discord", To: "1", Body: "first"})
	router.PublishOutbound(bus.OutboundMessage{Channel: "discord", To: "2", Body: "second"})

	for _, want := range []string{"first", "second"} {
		select {
		case msg := <-sender.delivered:
			if msg.Body != want {
				t.Errorf("delivered %q, want %q", msg.Body, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%q not delivered", want)
		}
	}
}
