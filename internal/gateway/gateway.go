// Package gateway connects the channel runtime to the research agent.
// Inbound messages flow dedupe → access check → route → per-session
// serializer → agent run → outbound reply; a status server exposes
// runtime state over HTTP and a websocket event feed.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dexterhq/dexter/internal/access"
	"github.com/dexterhq/dexter/internal/agent"
	"github.com/dexterhq/dexter/internal/bus"
	"github.com/dexterhq/dexter/internal/channels"
	"github.com/dexterhq/dexter/internal/config"
	"github.com/dexterhq/dexter/internal/history"
	"github.com/dexterhq/dexter/internal/planner"
	"github.com/dexterhq/dexter/internal/routing"
	"github.com/dexterhq/dexter/internal/sessions"
)

const (
	// typingInterval is how often the composing presence is refreshed
	// while a turn is in flight.
	typingInterval = 5 * time.Second

	// sessionQueueSize bounds how many turns may wait behind the one in
	// flight for a single session.
	sessionQueueSize = 16

	// DefaultReplyPrefix brands outbound replies when the config leaves
	// replyPrefix empty.
	DefaultReplyPrefix = "[dexter] "

	dedupeTTL        = 20 * time.Minute
	dedupeMaxEntries = 5000
)

// turnRunner runs one agent turn. Satisfied by planner.Runner.
type turnRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// channelHandle caches the optional capabilities a channel adapter
// exposes beyond plain delivery.
type channelHandle struct {
	typer   channels.Typer
	reader  channels.ReadMarker
	tracker channels.ConnectionTracker
}

// turnJob is one queued agent turn. stopTyping cancels the composing
// loop started at admission time; finish always runs once the turn
// ends, with the answer or "" when the turn failed or produced nothing.
type turnJob struct {
	query      string
	stopTyping context.CancelFunc
	finish     func(answer string)
}

// sessionState serializes turns for one session key. The mailbox is
// drained by a single goroutine, so turns within a session are FIFO
// while different sessions run concurrently.
type sessionState struct {
	key    string
	runner turnRunner
	jobs   chan turnJob
}

// Orchestrator consumes normalized inbound messages and drives agent
// turns, at most one in flight per session.
type Orchestrator struct {
	cfg     *config.Config
	router  bus.MessageRouter
	gate    *access.Gatekeeper
	meta    *sessions.MetaStore
	planner *planner.Planner
	base    agent.LoopConfig
	dedupe  *bus.DedupeCache

	mu       sync.Mutex
	handles  map[string]*channelHandle
	sessions map[string]*sessionState

	// newRunner builds the per-session turn runner; swapped in tests.
	newRunner func(sessionKey string) turnRunner
}

// NewOrchestrator wires the inbound pipeline. planner may be nil to run
// every query directly; base carries the shared agent configuration and
// is cloned per session with that session's conversation history.
func NewOrchestrator(cfg *config.Config, router bus.MessageRouter, gate *access.Gatekeeper, meta *sessions.MetaStore, p *planner.Planner, base agent.LoopConfig) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		router:   router,
		gate:     gate,
		meta:     meta,
		planner:  p,
		base:     base,
		dedupe:   bus.NewDedupeCache(dedupeTTL, dedupeMaxEntries),
		handles:  make(map[string]*channelHandle),
		sessions: make(map[string]*sessionState),
	}
	o.newRunner = o.buildRunner
	return o
}

// RegisterChannel records the optional capabilities (typing indicator,
// read receipts, connection tracking) a channel adapter offers. Plugins
// without any of them still deliver; the gateway just skips the extras.
func (o *Orchestrator) RegisterChannel(id string, plugin interface{}) {
	h := &channelHandle{}
	if t, ok := plugin.(channels.Typer); ok {
		h.typer = t
	}
	if r, ok := plugin.(channels.ReadMarker); ok {
		h.reader = r
	}
	if ct, ok := plugin.(channels.ConnectionTracker); ok {
		h.tracker = ct
	}
	o.mu.Lock()
	o.handles[id] = h
	o.mu.Unlock()
}

// Run consumes inbound messages until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		msg, ok := o.router.ConsumeInbound(ctx)
		if !ok {
			return
		}
		o.HandleInbound(ctx, msg)
	}
}

// HandleInbound admits one message through dedupe, access policy, and
// routing, then queues the agent turn on its session mailbox. Everything
// here is fast; the turn itself runs on the session's goroutine. Denials
// are silent on the transport (apart from pairing replies) and logged.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg bus.InboundMessage) {
	if msg.MessageKey != "" && o.dedupe.IsRecentInbound(msg.Channel+":"+msg.MessageKey) {
		slog.Debug("duplicate message ignored", "channel", msg.Channel, "key", msg.MessageKey)
		return
	}

	cfg := o.cfg.Snapshot()
	pol, ok := policyFor(&cfg, msg.Channel, msg.AccountID)
	if !ok {
		slog.Warn("message for unconfigured account", "channel", msg.Channel, "account", msg.AccountID)
		return
	}

	h := o.handle(msg.Channel)
	req := access.Request{
		Sender:       msg.From,
		SenderE164:   msg.SenderE164,
		SelfE164:     msg.SelfE164,
		Peer:         msg.ReplyToJid,
		Group:        msg.Group,
		IsFromMe:     msg.IsFromMe,
		MessageTime:  msg.MessageTimestamp,
		PairingGrace: pol.pairingGrace,
	}
	if h != nil && h.tracker != nil {
		if at, ok := h.tracker.ConnectedAt(msg.AccountID); ok {
			req.ConnectedAt = at
		}
	}

	// Pairing replies bypass the outbound allowlist: they are the one
	// sanctioned message to a sender the policy just rejected.
	dec := o.gate.Check(req, pol.Policy, func(text string) error {
		o.publish(msg.Channel, msg.AccountID, msg.ReplyToJid, text)
		return nil
	})
	if !dec.Allowed {
		slog.Info("inbound denied",
			"channel", msg.Channel,
			"account", msg.AccountID,
			"from", msg.From,
			"reason", dec.DenyReason)
		return
	}

	if dec.ShouldMarkRead && pol.readReceipts && h != nil && h.reader != nil && msg.MessageKey != "" {
		if err := h.reader.MarkRead(msg.AccountID, msg.ReplyToJid, msg.MessageKey); err != nil {
			slog.Debug("mark read failed", "channel", msg.Channel, "account", msg.AccountID, "error", err)
		}
	}

	// Don't start a turn whose reply the allowlist would refuse.
	if !destinationAllowed(pol, o.gate.IsPaired, msg.ReplyToJid, msg.Group) {
		slog.Warn("outbound destination not in allowFrom, dropping",
			"channel", msg.Channel, "account", msg.AccountID, "to", msg.ReplyToJid)
		return
	}

	peer := &sessions.Peer{Kind: sessions.PeerDirect, ID: msg.ReplyToJid}
	if msg.Group {
		peer.Kind = sessions.PeerGroup
	}
	route := routing.Resolve(cfg.Bindings, (&cfg).DefaultAgentID(), msg.Channel, msg.AccountID, peer)

	if _, err := o.meta.Upsert(route.AgentID, sessions.MetaUpdate{
		Channel:    msg.Channel,
		AccountID:  msg.AccountID,
		To:         msg.ReplyToJid,
		SessionKey: route.SessionKey,
	}); err != nil {
		slog.Warn("session meta upsert failed", "agent", route.AgentID, "error", err)
	}

	job := turnJob{
		query:      msg.Body,
		stopTyping: func() {},
		finish: func(answer string) {
			if answer == "" {
				return
			}
			if err := o.Reply(msg, answer); err != nil {
				slog.Warn("reply dropped", "channel", msg.Channel, "to", msg.ReplyToJid, "error", err)
			}
		},
	}
	if h != nil && h.typer != nil {
		tctx, cancel := context.WithCancel(ctx)
		job.stopTyping = cancel
		go typingLoop(tctx, h.typer, msg.AccountID, msg.ReplyToJid)
	}

	st := o.session(ctx, route.SessionKey)
	select {
	case st.jobs <- job:
	default:
		job.stopTyping()
		slog.Warn("session queue full, dropping message", "session", route.SessionKey)
	}
}

// Send verifies the destination against the account allowlist and queues
// the message for delivery. Callers outside the inbound pipeline
// (schedules) go through here too.
func (o *Orchestrator) Send(channel, accountID, to string, group bool, body string) error {
	cfg := o.cfg.Snapshot()
	pol, ok := policyFor(&cfg, channel, accountID)
	if !ok {
		return fmt.Errorf("unknown account %s/%s", channel, accountID)
	}
	if !destinationAllowed(pol, o.gate.IsPaired, to, group) {
		return fmt.Errorf("destination %q not in allowFrom", to)
	}
	o.publish(channel, accountID, to, body)
	return nil
}

// EnqueueTurn queues an agent turn on a session from outside the
// channel pipeline. It runs in order with channel turns on the same
// session; finish receives the answer, or "" when the turn failed or
// produced nothing.
func (o *Orchestrator) EnqueueTurn(ctx context.Context, sessionKey, query string, finish func(answer string)) error {
	st := o.session(ctx, sessionKey)
	job := turnJob{query: query, stopTyping: func() {}, finish: finish}
	select {
	case st.jobs <- job:
		return nil
	default:
		return fmt.Errorf("session %s queue full", sessionKey)
	}
}

// Reply renders an answer for the channel, brands it, and sends it to
// the message's chat.
func (o *Orchestrator) Reply(msg bus.InboundMessage, answer string) error {
	return o.Announce(msg.Channel, msg.AccountID, msg.ReplyToJid, msg.Group, answer)
}

// Announce brands and renders an answer for a destination outside the
// reply flow. Scheduled digests deliver through here; the destination
// still has to pass the account allowlist.
func (o *Orchestrator) Announce(channel, accountID, to string, group bool, answer string) error {
	prefix := o.cfg.Snapshot().Gateway.ReplyPrefix
	if prefix == "" {
		prefix = DefaultReplyPrefix
	}
	return o.Send(channel, accountID, to, group, prefix+RenderFor(channel, answer))
}

func (o *Orchestrator) publish(channel, accountID, to, body string) {
	o.router.PublishOutbound(bus.OutboundMessage{
		Channel:   channel,
		AccountID: accountID,
		To:        to,
		Body:      body,
	})
}

func (o *Orchestrator) handle(channelID string) *channelHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handles[channelID]
}

// session returns the state for key, creating its mailbox and starting
// its serving goroutine on first use.
func (o *Orchestrator) session(ctx context.Context, key string) *sessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.sessions[key]; ok {
		return st
	}
	st := &sessionState{
		key:    key,
		runner: o.newRunner(key),
		jobs:   make(chan turnJob, sessionQueueSize),
	}
	o.sessions[key] = st
	go o.serve(ctx, st)
	return st
}

// buildRunner clones the base agent config with this session's
// conversation history.
func (o *Orchestrator) buildRunner(sessionKey string) turnRunner {
	base := o.base
	base.History = history.New(o.cfg.DataDir(), sessionKey, base.Provider, base.Model)
	return planner.NewRunner(o.planner, base)
}

func (o *Orchestrator) serve(ctx context.Context, st *sessionState) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-st.jobs:
			o.runTurn(ctx, st, job)
		}
	}
}

// runTurn executes one agent turn. Errors never reach the transport;
// the typing loop always stops and finish always runs.
func (o *Orchestrator) runTurn(ctx context.Context, st *sessionState, job turnJob) {
	defer job.stopTyping()

	answer := ""
	res, err := st.runner.Run(ctx, agent.RunRequest{SessionKey: st.key, Query: job.query})
	switch {
	case err != nil:
		slog.Error("agent turn failed", "session", st.key, "error", err)
	case res == nil || strings.TrimSpace(res.Answer) == "":
		slog.Debug("turn produced no answer", "session", st.key)
	default:
		answer = res.Answer
	}
	if job.finish != nil {
		job.finish(answer)
	}
}

// typingLoop sends a composing presence immediately and refreshes it
// until ctx is canceled.
func typingLoop(ctx context.Context, t channels.Typer, accountID, to string) {
	send := func() {
		if err := t.Typing(ctx, accountID, to); err != nil {
			slog.Debug("typing indicator failed", "account", accountID, "error", err)
		}
	}
	send()
	tick := time.NewTicker(typingInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			send()
		}
	}
}

// accountPolicy is one account's access policy plus the gateway-side
// delivery knobs that ride along with it in the config.
type accountPolicy struct {
	access.Policy
	readReceipts bool
	pairingGrace time.Duration
}

func policyFor(cfg *config.Config, channel, accountID string) (accountPolicy, bool) {
	switch channel {
	case "whatsapp":
		acct, ok := cfg.Channels.WhatsApp.Accounts[accountID]
		if !ok {
			return accountPolicy{}, false
		}
		grace := access.DefaultPairingGrace
		if acct.PairingGraceMs > 0 {
			grace = time.Duration(acct.PairingGraceMs) * time.Millisecond
		}
		return accountPolicy{
			Policy: access.Policy{
				DMPolicy:       acct.DMPolicy,
				GroupPolicy:    acct.GroupPolicy,
				AllowFrom:      acct.AllowFrom,
				GroupAllowFrom: acct.GroupAllowFrom,
			},
			readReceipts: acct.SendReadReceipts == nil || *acct.SendReadReceipts,
			pairingGrace: grace,
		}, true
	case "telegram":
		tg := cfg.Channels.Telegram
		return accountPolicy{
			Policy: access.Policy{
				DMPolicy:       tg.DMPolicy,
				GroupPolicy:    tg.GroupPolicy,
				AllowFrom:      tg.AllowFrom,
				GroupAllowFrom: tg.GroupAllowFrom,
			},
			pairingGrace: access.DefaultPairingGrace,
		}, true
	case "discord":
		dc := cfg.Channels.Discord
		return accountPolicy{
			Policy: access.Policy{
				DMPolicy:       dc.DMPolicy,
				GroupPolicy:    dc.GroupPolicy,
				AllowFrom:      dc.AllowFrom,
				GroupAllowFrom: dc.GroupAllowFrom,
			},
			pairingGrace: access.DefaultPairingGrace,
		}, true
	}
	return accountPolicy{}, false
}

// destinationAllowed is the outbound counterpart of the inbound policy
// check. Group destinations ride the group policy; direct destinations
// must be allowlisted, paired, or unrestricted (empty allowFrom).
func destinationAllowed(pol accountPolicy, paired func(string) bool, to string, group bool) bool {
	if group {
		switch pol.GroupPolicy {
		case "open":
			return true
		case "allowlist":
			return len(pol.GroupAllowFrom) > 0
		default:
			return false
		}
	}
	if len(pol.AllowFrom) == 0 {
		return true
	}
	if access.Matches(pol.AllowFrom, to, "") {
		return true
	}
	return paired != nil && paired(to)
}
