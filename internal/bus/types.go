package bus

import (
	"context"
	"time"
)

// InboundMessage is the normalized inbound event every channel adapter
// publishes, regardless of transport.
type InboundMessage struct {
	Channel    string `json:"channel"`
	AccountID  string `json:"account_id"`
	From       string `json:"from"`                  // raw sender identifier (jid, chat id)
	SenderE164 string `json:"sender_e164,omitempty"` // normalized sender phone when known
	SelfE164   string `json:"self_e164,omitempty"`   // the account's own number when known
	Group      bool   `json:"group"`
	IsFromMe   bool   `json:"is_from_me"`
	Body       string `json:"body"`
	ReplyToJid string `json:"reply_to_jid,omitempty"` // where the reply should go

	// MessageKey is the dedup primary key for this event.
	MessageKey       string    `json:"message_key"`
	MessageTimestamp time.Time `json:"message_timestamp"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply to be sent through a channel.
type OutboundMessage struct {
	Channel   string `json:"channel"`
	AccountID string `json:"account_id"`
	To        string `json:"to"`
	Body      string `json:"body"`
}

// Event is a server-side event broadcast to status-feed subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the status server and the agent runtime to decouple from the
// concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channel
// adapters and the gateway consumer.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
