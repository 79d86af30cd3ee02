// Package access decides whether inbound channel messages reach the
// agent. The policy check is a pure function over the message and the
// account's access policy; pairing state and reply delivery are layered
// on top by the Gatekeeper.
package access

import (
	"strings"
	"time"
)

// Deny reasons surfaced in Decision.DenyReason and structured logs.
const (
	DenyGroupBlockedSelfChat  = "group_blocked_self_chat_mode"
	DenySenderNotSelf         = "sender_not_self_in_self_chat_mode"
	DenyGroupPolicy           = "group_policy_not_permissive"
	DenyGroupAllowlistEmpty   = "group_allowlist_empty"
	DenyGroupSenderNotAllowed = "group_sender_not_allowlisted"
	DenyDMDisabled            = "dm_policy_disabled"
	DenyOutboundDMToNonSelf   = "outbound_dm_to_non_self"
	DenyDMSenderNotAllowed    = "dm_sender_not_allowlisted"
)

// DefaultPairingGrace bounds how far past the transport's connect time a
// message may be stamped before pairing replies are suppressed as
// backlog replay.
const DefaultPairingGrace = 30 * time.Second

// Policy is one account's access configuration.
type Policy struct {
	DMPolicy       string // "pairing" (default), "allowlist", "open", "disabled"
	GroupPolicy    string // "open", "allowlist", anything else blocks
	AllowFrom      []string
	GroupAllowFrom []string
}

// Request carries the message facts the policy check needs.
type Request struct {
	Sender     string // channel-native sender id, may be compound "id|username"
	SenderE164 string // sender phone when the transport knows it
	SelfE164   string // own phone of the receiving account, when known
	Peer       string // chat counterpart (DM recipient) id or jid
	Group      bool
	IsFromMe   bool

	// Pairing grace inputs. Zero values disable suppression.
	MessageTime  time.Time
	ConnectedAt  time.Time
	PairingGrace time.Duration
	Paired       bool // sender already approved through pairing
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed        bool
	ShouldMarkRead bool
	IsSelfChat     bool
	ShouldPair     bool // caller should issue a pairing code and reply
	DenyReason     string
}

// CheckInbound evaluates the access policy for one inbound message.
//
// Self-chat mode (allowFrom contains the account's own number) locks the
// account to its owner: groups are blocked and only the owner's direct
// messages pass. Otherwise groups require an explicitly permissive
// groupPolicy and direct messages follow dmPolicy, with the pairing flow
// signalled through Decision.ShouldPair rather than executed here.
func CheckInbound(req Request, policy Policy) Decision {
	selfNorm := NormalizeE164(req.SelfE164)
	senderNorm := NormalizeE164(req.SenderE164)
	senderIsSelf := req.IsFromMe || (selfNorm != "" && senderNorm == selfNorm)

	if selfChatMode(policy, selfNorm) {
		if req.Group {
			return deny(DenyGroupBlockedSelfChat)
		}
		if !senderIsSelf {
			return deny(DenySenderNotSelf)
		}
		return Decision{Allowed: true, IsSelfChat: true, ShouldMarkRead: !req.IsFromMe}
	}

	if req.Group {
		return checkGroup(req, policy)
	}
	return checkDirect(req, policy, senderIsSelf, selfNorm)
}

func checkGroup(req Request, policy Policy) Decision {
	switch policy.GroupPolicy {
	case "open":
		return allow(req)
	case "allowlist":
		if len(policy.GroupAllowFrom) == 0 {
			return deny(DenyGroupAllowlistEmpty)
		}
		if Matches(policy.GroupAllowFrom, req.Sender, req.SenderE164) {
			return allow(req)
		}
		return deny(DenyGroupSenderNotAllowed)
	default:
		return deny(DenyGroupPolicy)
	}
}

func checkDirect(req Request, policy Policy, senderIsSelf bool, selfNorm string) Decision {
	dmPolicy := policy.DMPolicy
	if dmPolicy == "" {
		dmPolicy = "pairing"
	}

	if dmPolicy == "disabled" {
		return deny(DenyDMDisabled)
	}

	// A message sent from the own account into someone else's DM is the
	// owner talking to that person, not to the agent.
	if req.IsFromMe && NormalizeE164(req.Peer) != selfNorm {
		return deny(DenyOutboundDMToNonSelf)
	}

	if dmPolicy == "open" || senderIsSelf {
		return allow(req)
	}
	if req.Paired || Matches(policy.AllowFrom, req.Sender, req.SenderE164) {
		return allow(req)
	}

	d := deny(DenyDMSenderNotAllowed)
	if dmPolicy == "pairing" && !backlogMessage(req) {
		d.ShouldPair = true
	}
	return d
}

func allow(req Request) Decision {
	return Decision{Allowed: true, ShouldMarkRead: !req.IsFromMe}
}

func deny(reason string) Decision {
	return Decision{DenyReason: reason}
}

// backlogMessage reports whether the message predates the transport's
// current session by more than the grace window; replayed history must
// not trigger fresh pairing replies.
func backlogMessage(req Request) bool {
	if req.MessageTime.IsZero() || req.ConnectedAt.IsZero() {
		return false
	}
	grace := req.PairingGrace
	if grace <= 0 {
		grace = DefaultPairingGrace
	}
	return req.MessageTime.Before(req.ConnectedAt.Add(-grace))
}

// selfChatMode reports whether the allowlist pins the account to its own
// number.
func selfChatMode(policy Policy, selfNorm string) bool {
	if selfNorm == "" {
		return false
	}
	for _, entry := range policy.AllowFrom {
		if NormalizeE164(entry) == selfNorm {
			return true
		}
	}
	return false
}

// Matches reports whether a sender is covered by an allowlist. Entries
// may be "*", a phone number in any formatting, a platform user id, a
// username (with or without a leading "@"), or the compound
// "id|username" form; senderID may be compound as well.
func Matches(allowlist []string, senderID, senderE164 string) bool {
	if len(allowlist) == 0 {
		return false
	}

	idPart := senderID
	userPart := ""
	if idx := strings.IndexByte(senderID, '|'); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}
	senderNorm := NormalizeE164(senderE164)
	senderIDNorm := NormalizeE164(senderID)

	for _, entry := range allowlist {
		if entry == "*" {
			return true
		}

		trimmed := strings.TrimPrefix(entry, "@")
		entryID := trimmed
		entryUser := ""
		if idx := strings.IndexByte(trimmed, '|'); idx > 0 {
			entryID = trimmed[:idx]
			entryUser = trimmed[idx+1:]
		}

		if senderID == entry || senderID == trimmed ||
			idPart == entry || idPart == trimmed || idPart == entryID ||
			(entryUser != "" && senderID == entryUser) ||
			(userPart != "" && (userPart == entry || userPart == trimmed || userPart == entryUser)) {
			return true
		}

		if entryNorm := NormalizeE164(entry); entryNorm != "" {
			if (senderNorm != "" && senderNorm == entryNorm) ||
				(senderIDNorm != "" && senderIDNorm == entryNorm) {
				return true
			}
		}
	}
	return false
}

// NormalizeE164 canonicalizes a phone number: strips a "whatsapp:"
// prefix, drops every character outside [0-9+], and guarantees a leading
// "+". Idempotent; returns "" when nothing phone-like remains.
func NormalizeE164(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "whatsapp:")

	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.Trim(out, "+") == "" {
		return ""
	}
	if !strings.HasPrefix(out, "+") {
		out = "+" + out
	}
	return out
}
