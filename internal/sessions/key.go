// Package sessions canonicalizes session identity and remembers where
// each agent last talked.
//
// Session keys take one of two forms:
//
//	agent:{agentId}:main
//	agent:{agentId}:{channel}:{accountId}:{peerKind}:{peerId}
//
// The main form backs peerless work (the chat REPL, scheduled queries);
// the long form isolates one conversation on one channel account.
//
// Examples:
//
//	agent:dexter:main
//	agent:dexter:whatsapp:default:direct:15551234567@s.whatsapp.net
//	agent:dexter:telegram:default:group:-100123456
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// Peer identifies the conversation counterpart on a channel.
type Peer struct {
	Kind PeerKind
	ID   string
}

// KeyParts is a decomposed session key. Peer is nil for the main form.
type KeyParts struct {
	AgentID   string
	Channel   string
	AccountID string
	Peer      *Peer
}

// BuildSessionKey canonicalizes a conversation's session key. A nil
// peer yields the agent's main session.
func BuildSessionKey(agentID, channel, accountID string, peer *Peer) string {
	if peer == nil {
		return BuildMainSessionKey(agentID)
	}
	return fmt.Sprintf("agent:%s:%s:%s:%s:%s", agentID, channel, accountID, peer.Kind, peer.ID)
}

// BuildMainSessionKey returns the agent's shared peerless session key.
func BuildMainSessionKey(agentID string) string {
	return fmt.Sprintf("agent:%s:main", agentID)
}

// ParseSessionKey decomposes a key produced by BuildSessionKey.
// Building from the returned parts reproduces the input exactly.
func ParseSessionKey(key string) (KeyParts, error) {
	parts := strings.SplitN(key, ":", 6)
	if len(parts) < 3 || parts[0] != "agent" || parts[1] == "" {
		return KeyParts{}, fmt.Errorf("malformed session key %q", key)
	}
	if len(parts) == 3 {
		if parts[2] != "main" {
			return KeyParts{}, fmt.Errorf("malformed session key %q", key)
		}
		return KeyParts{AgentID: parts[1]}, nil
	}
	if len(parts) != 6 {
		return KeyParts{}, fmt.Errorf("malformed session key %q", key)
	}
	kind := PeerKind(parts[4])
	if kind != PeerDirect && kind != PeerGroup {
		return KeyParts{}, fmt.Errorf("session key %q has unknown peer kind %q", key, parts[4])
	}
	return KeyParts{
		AgentID:   parts[1],
		Channel:   parts[2],
		AccountID: parts[3],
		Peer:      &Peer{Kind: kind, ID: parts[5]},
	}, nil
}
