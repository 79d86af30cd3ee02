// Package routing maps inbound channel traffic to agents. Bindings from
// config are matched most-specific first: a peer binding beats an
// account binding beats a channel binding beats the default agent.
package routing

import (
	"strings"

	"github.com/dexterhq/dexter/internal/config"
	"github.com/dexterhq/dexter/internal/sessions"
)

// MatchedBy names the binding level that selected the agent.
type MatchedBy string

const (
	MatchedPeer    MatchedBy = "binding.peer"
	MatchedAccount MatchedBy = "binding.account"
	MatchedChannel MatchedBy = "binding.channel"
	MatchedDefault MatchedBy = "default"
)

// Route is the resolved destination for one inbound message.
type Route struct {
	AgentID        string
	Channel        string
	AccountID      string
	SessionKey     string
	MainSessionKey string
	MatchedBy      MatchedBy
}

// Resolve picks the agent for a message and canonicalizes its session
// keys. Bindings are considered in config order within each
// specificity level; defaultAgent applies when nothing matches.
func Resolve(bindings []config.AgentBinding, defaultAgent, channel, accountID string, peer *sessions.Peer) Route {
	agentID, matchedBy := matchAgent(bindings, defaultAgent, channel, accountID, peer)
	return Route{
		AgentID:        agentID,
		Channel:        channel,
		AccountID:      accountID,
		SessionKey:     sessions.BuildSessionKey(agentID, channel, accountID, peer),
		MainSessionKey: sessions.BuildMainSessionKey(agentID),
		MatchedBy:      matchedBy,
	}
}

func matchAgent(bindings []config.AgentBinding, defaultAgent, channel, accountID string, peer *sessions.Peer) (string, MatchedBy) {
	var candidates []config.AgentBinding
	for _, b := range bindings {
		if !strings.EqualFold(b.Match.Channel, channel) {
			continue
		}
		if b.Match.AccountID != "" && b.Match.AccountID != "*" && b.Match.AccountID != accountID {
			continue
		}
		candidates = append(candidates, b)
	}

	if peer != nil {
		for _, b := range candidates {
			p := b.Match.Peer
			if p != nil && p.Kind == string(peer.Kind) && p.ID == peer.ID {
				return b.AgentID, MatchedPeer
			}
		}
	}
	for _, b := range candidates {
		if b.Match.Peer == nil && b.Match.AccountID != "" && b.Match.AccountID != "*" {
			return b.AgentID, MatchedAccount
		}
	}
	for _, b := range candidates {
		if b.Match.Peer == nil && (b.Match.AccountID == "" || b.Match.AccountID == "*") {
			return b.AgentID, MatchedChannel
		}
	}
	return defaultAgent, MatchedDefault
}
