package access

import (
	"testing"
	"time"
)

func TestSelfChatAllowed(t *testing.T) {
	policy := Policy{AllowFrom: []string{"+15551234567"}}
	req := Request{
		SelfE164:   "+15551234567",
		SenderE164: "+15551234567",
		Group:      false,
		IsFromMe:   true,
	}

	d := CheckInbound(req, policy)
	if !d.Allowed {
		t.Fatalf("self chat denied: %q", d.DenyReason)
	}
	if !d.IsSelfChat {
		t.Error("IsSelfChat = false")
	}
}

func TestSelfChatBlocksGroups(t *testing.T) {
	policy := Policy{AllowFrom: []string{"+15551234567"}}
	req := Request{
		SelfE164:   "+15551234567",
		SenderE164: "+15551234567",
		Group:      true,
		IsFromMe:   true,
	}

	d := CheckInbound(req, policy)
	if d.Allowed {
		t.Fatal("group message allowed in self-chat mode")
	}
	if d.DenyReason != "group_blocked_self_chat_mode" {
		t.Errorf("DenyReason = %q", d.DenyReason)
	}
}

func TestCheckInboundDenied(t *testing.T) {
	tests := []struct {
		name   string
		req    Request
		policy Policy
		reason string
	}{
		{
			name:   "stranger in self-chat mode",
			req:    Request{SelfE164: "+15551234567", SenderE164: "+15550000000"},
			policy: Policy{AllowFrom: []string{"+15551234567"}},
			reason: DenySenderNotSelf,
		},
		{
			name:   "dm disabled",
			req:    Request{SenderE164: "+15550000000"},
			policy: Policy{DMPolicy: "disabled"},
			reason: DenyDMDisabled,
		},
		{
			name: "own dm to someone else",
			req: Request{
				SelfE164: "+15551234567",
				IsFromMe: true,
				Peer:     "+15559990000",
			},
			policy: Policy{DMPolicy: "open"},
			reason: DenyOutboundDMToNonSelf,
		},
		{
			name:   "group with default policy",
			req:    Request{Group: true, SenderE164: "+15550000000"},
			policy: Policy{},
			reason: DenyGroupPolicy,
		},
		{
			name:   "group with disabled policy",
			req:    Request{Group: true, SenderE164: "+15550000000"},
			policy: Policy{GroupPolicy: "disabled"},
			reason: DenyGroupPolicy,
		},
		{
			name:   "group allowlist empty",
			req:    Request{Group: true, SenderE164: "+15550000000"},
			policy: Policy{GroupPolicy: "allowlist"},
			reason: DenyGroupAllowlistEmpty,
		},
		{
			name: "group allowlist miss",
			req:  Request{Group: true, SenderE164: "+15550000000"},
			policy: Policy{
				GroupPolicy:    "allowlist",
				GroupAllowFrom: []string{"+15551112222"},
			},
			reason: DenyGroupSenderNotAllowed,
		},
		{
			name:   "dm allowlist miss",
			req:    Request{SenderE164: "+15550000000"},
			policy: Policy{DMPolicy: "allowlist", AllowFrom: []string{"+15551112222"}},
			reason: DenyDMSenderNotAllowed,
		},
		{
			name:   "dm pairing stranger",
			req:    Request{SenderE164: "+15550000000"},
			policy: Policy{},
			reason: DenyDMSenderNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := CheckInbound(tt.req, tt.policy)
			if d.Allowed {
				t.Fatal("allowed")
			}
			if d.DenyReason != tt.reason {
				t.Errorf("DenyReason = %q, want %q", d.DenyReason, tt.reason)
			}
			if d.ShouldMarkRead {
				t.Error("denied message flagged for read receipt")
			}
		})
	}
}

func TestCheckInboundAllowed(t *testing.T) {
	tests := []struct {
		name   string
		req    Request
		policy Policy
	}{
		{
			name:   "dm open",
			req:    Request{SenderE164: "+15550000000"},
			policy: Policy{DMPolicy: "open"},
		},
		{
			name:   "dm allowlist hit",
			req:    Request{SenderE164: "+1 (555) 000-0000"},
			policy: Policy{DMPolicy: "allowlist", AllowFrom: []string{"+15550000000"}},
		},
		{
			name:   "paired sender under pairing policy",
			req:    Request{SenderE164: "+15550000000", Paired: true},
			policy: Policy{DMPolicy: "pairing"},
		},
		{
			name:   "group open",
			req:    Request{Group: true, SenderE164: "+15550000000"},
			policy: Policy{GroupPolicy: "open"},
		},
		{
			name: "group allowlist wildcard",
			req:  Request{Group: true, SenderE164: "+15550000000"},
			policy: Policy{
				GroupPolicy:    "allowlist",
				GroupAllowFrom: []string{"*"},
			},
		},
		{
			name: "message-yourself chat without self-chat mode",
			req: Request{
				SelfE164: "+15551234567",
				IsFromMe: true,
				Peer:     "15551234567@s.whatsapp.net",
			},
			policy: Policy{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := CheckInbound(tt.req, tt.policy)
			if !d.Allowed {
				t.Errorf("denied: %q", d.DenyReason)
			}
		})
	}
}

func TestShouldMarkRead(t *testing.T) {
	policy := Policy{DMPolicy: "open"}

	d := CheckInbound(Request{SenderE164: "+15550000000"}, policy)
	if !d.ShouldMarkRead {
		t.Error("inbound message not flagged for read receipt")
	}

	d = CheckInbound(Request{SelfE164: "+15551234567", IsFromMe: true, Peer: "+15551234567"}, policy)
	if d.ShouldMarkRead {
		t.Error("own message flagged for read receipt")
	}
}

func TestShouldPair(t *testing.T) {
	now := time.Now()
	stranger := Request{
		SenderE164:  "+15550000000",
		MessageTime: now,
		ConnectedAt: now,
	}

	d := CheckInbound(stranger, Policy{DMPolicy: "pairing"})
	if !d.ShouldPair {
		t.Error("pairing not requested for stranger DM")
	}

	d = CheckInbound(stranger, Policy{DMPolicy: "allowlist"})
	if d.ShouldPair {
		t.Error("pairing requested under allowlist policy")
	}

	backlog := stranger
	backlog.MessageTime = now.Add(-2 * time.Minute)
	d = CheckInbound(backlog, Policy{DMPolicy: "pairing"})
	if d.ShouldPair {
		t.Error("pairing requested for backlog message")
	}
	if d.DenyReason != DenyDMSenderNotAllowed {
		t.Errorf("DenyReason = %q", d.DenyReason)
	}

	// Within the grace window the message counts as live.
	recent := stranger
	recent.MessageTime = now.Add(-10 * time.Second)
	if d := CheckInbound(recent, Policy{DMPolicy: "pairing"}); !d.ShouldPair {
		t.Error("pairing suppressed inside the grace window")
	}

	// No connect time recorded means no suppression.
	untracked := stranger
	untracked.ConnectedAt = time.Time{}
	untracked.MessageTime = now.Add(-time.Hour)
	if d := CheckInbound(untracked, Policy{DMPolicy: "pairing"}); !d.ShouldPair {
		t.Error("pairing suppressed without a connect timestamp")
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		senderID  string
		e164      string
		want      bool
	}{
		{"empty list", nil, "123", "+15550000000", false},
		{"wildcard", []string{"*"}, "anyone", "", true},
		{"exact id", []string{"123456"}, "123456", "", true},
		{"compound sender id part", []string{"123456"}, "123456|alice", "", true},
		{"compound sender user part", []string{"alice"}, "123456|alice", "", true},
		{"at-prefixed username", []string{"@alice"}, "123456|alice", "", true},
		{"compound entry", []string{"123456|alice"}, "123456", "", true},
		{"phone formatting ignored", []string{"+1 (555) 123-4567"}, "", "+15551234567", true},
		{"whatsapp prefix stripped", []string{"whatsapp:+15551234567"}, "", "+15551234567", true},
		{"jid digits match entry", []string{"+15551234567"}, "15551234567@s.whatsapp.net", "", true},
		{"miss", []string{"+15551112222"}, "999", "+15550000000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Matches(tt.allowlist, tt.senderID, tt.e164)
			if got != tt.want {
				t.Errorf("Matches(%v, %q, %q) = %v, want %v",
					tt.allowlist, tt.senderID, tt.e164, got, tt.want)
			}
		})
	}
}

func TestNormalizeE164(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+15551234567", "+15551234567"},
		{"15551234567", "+15551234567"},
		{"whatsapp:+15551234567", "+15551234567"},
		{" +1 (555) 123-4567 ", "+15551234567"},
		{"15551234567@s.whatsapp.net", "+15551234567"},
		{"", ""},
		{"@alice", ""},
		{"+", ""},
	}

	for _, tt := range tests {
		got := NormalizeE164(tt.in)
		if got != tt.want {
			t.Errorf("NormalizeE164(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if again := NormalizeE164(got); again != got {
			t.Errorf("not idempotent: NormalizeE164(%q) = %q", got, again)
		}
	}
}
