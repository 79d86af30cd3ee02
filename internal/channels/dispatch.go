package channels

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dexterhq/dexter/internal/bus"
)

// One message per second with a burst of three, per channel. Keeps a
// burst of replies under transport flood-control thresholds.
const (
	outboundRate  = rate.Limit(1)
	outboundBurst = 3
)

// Sender delivers outbound messages for one channel.
type Sender interface {
	ID() string
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Dispatcher consumes the outbound queue and fans replies out to the
// registered channel senders, rate limited per channel.
type Dispatcher struct {
	bus bus.MessageRouter

	mu      sync.RWMutex
	senders map[string]Sender
	limits  map[string]*rate.Limiter
}

// NewDispatcher creates a dispatcher over the given message router.
// Senders are registered separately as channels come up.
func NewDispatcher(router bus.MessageRouter) *Dispatcher {
	return &Dispatcher{
		bus:     router,
		senders: make(map[string]Sender),
		limits:  make(map[string]*rate.Limiter),
	}
}

// Register adds a channel sender, replacing any previous sender with
// the same id.
func (d *Dispatcher) Register(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[s.ID()] = s
	if _, ok := d.limits[s.ID()]; !ok {
		d.limits[s.ID()] = rate.NewLimiter(outboundRate, outboundBurst)
	}
}

// Run consumes outbound messages until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("outbound dispatcher started")
	for {
		msg, ok := d.bus.ConsumeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		d.deliver(ctx, msg)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg bus.OutboundMessage) {
	d.mu.RLock()
	sender, exists := d.senders[msg.Channel]
	limiter := d.limits[msg.Channel]
	d.mu.RUnlock()

	if !exists {
		slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
		return
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}
	if err := sender.Send(ctx, msg); err != nil {
		slog.Error("error sending message to channel",
			"channel", msg.Channel,
			"account", msg.AccountID,
			"error", err,
		)
	}
}
