package bus

import (
	"context"
	"log/slog"
	"sync"
)

const queueSize = 256

// MessageBus routes inbound/outbound messages between channel adapters and
// the gateway consumer, and broadcasts events to status-feed subscribers.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	handlers map[string]EventHandler
	mu       sync.RWMutex
}

// New creates a MessageBus with buffered queues.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, queueSize),
		outbound: make(chan OutboundMessage, queueSize),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues an inbound message. When the queue is full the
// message is dropped with a warning rather than blocking the transport.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("inbound queue full, dropping message",
			"channel", msg.Channel, "key", msg.MessageKey)
	}
}

// ConsumeInbound blocks until a message arrives or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues an outbound reply.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("outbound queue full, dropping message",
			"channel", msg.Channel, "to", msg.To)
	}
}

// ConsumeOutbound blocks until a reply is queued or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers an event handler under id, replacing any previous
// handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes a handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers event to all subscribers synchronously. Handler
// order is not guaranteed; handlers must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
