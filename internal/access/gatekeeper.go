package access

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// pairingReplyDebounce bounds how often one sender receives the pairing
// reply, whatever they keep sending.
const pairingReplyDebounce = 60 * time.Second

// Gatekeeper applies access policy and drives the pairing flow for
// denied DM senders: mint (or re-read) the sender's code and reply with
// approval instructions, debounced per sender.
type Gatekeeper struct {
	pairing *PairingStore // nil disables the pairing flow

	mu        sync.Mutex
	lastReply map[string]time.Time
	now       func() time.Time
}

// NewGatekeeper wraps a pairing store; pass nil to evaluate policy only.
func NewGatekeeper(pairing *PairingStore) *Gatekeeper {
	return &Gatekeeper{
		pairing:   pairing,
		lastReply: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Check evaluates the policy for one message. When the decision asks for
// pairing and a reply function is provided, the pairing reply is sent
// through it; reply errors are logged, never surfaced, and the decision
// is unchanged either way.
func (g *Gatekeeper) Check(req Request, policy Policy, reply func(text string) error) Decision {
	if g.pairing != nil && !req.Paired {
		req.Paired = g.pairing.IsPaired(pairingKey(req))
	}

	d := CheckInbound(req, policy)
	if !d.ShouldPair || g.pairing == nil || reply == nil {
		return d
	}

	key := pairingKey(req)
	if key == "" {
		slog.Debug("pairing skipped, sender has no stable key", "sender", req.Sender)
		return d
	}
	if !g.claimReplySlot(key) {
		return d
	}

	code, err := g.pairing.GetOrCreate(key)
	if err != nil {
		slog.Warn("pairing code unavailable", "sender", key, "error", err)
		return d
	}

	display := req.SenderE164
	if display == "" {
		display = req.Sender
	}
	if err := reply(BuildPairingReply(code, display)); err != nil {
		slog.Warn("pairing reply failed", "sender", key, "error", err)
		g.releaseReplySlot(key)
		return d
	}
	slog.Info("pairing reply sent", "sender", key)
	return d
}

// IsPaired reports whether an id (phone, jid, or channel-native sender
// id) belongs to an approved pairing. False when no store is attached.
func (g *Gatekeeper) IsPaired(id string) bool {
	if g == nil || g.pairing == nil {
		return false
	}
	return g.pairing.IsPaired(id)
}

// BuildPairingReply renders the message an unapproved DM sender receives.
func BuildPairingReply(code, senderID string) string {
	return fmt.Sprintf(
		"Dexter: access not configured.\n\nYour id: %s\nPairing code: %s\n\nAsk the operator to approve with:\n  dexter pairing approve %s",
		senderID, code, code,
	)
}

// pairingKey picks the identity pairing records are keyed by: the sender
// phone when the transport knows it, else whatever digits the
// channel-native id normalizes to.
func pairingKey(req Request) string {
	if k := NormalizeE164(req.SenderE164); k != "" {
		return k
	}
	return NormalizeE164(req.Sender)
}

func (g *Gatekeeper) claimReplySlot(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if last, ok := g.lastReply[key]; ok && now.Sub(last) < pairingReplyDebounce {
		return false
	}
	g.lastReply[key] = now
	return true
}

func (g *Gatekeeper) releaseReplySlot(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastReply, key)
}
