// Package whatsapp connects linked WhatsApp accounts through an external
// bridge process. The bridge speaks the WhatsApp protocol; this plugin
// exchanges JSON frames with it over a websocket and normalizes inbound
// traffic onto the message bus.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dexterhq/dexter/internal/bus"
	"github.com/dexterhq/dexter/internal/channels"
	"github.com/dexterhq/dexter/internal/config"
)

// ChannelID is the canonical channel name.
const ChannelID = "whatsapp"

const groupJIDSuffix = "@g.us"

// bridgeFrame is one JSON frame exchanged with the bridge process.
type bridgeFrame struct {
	Type string `json:"type"`

	// message frames (inbound)
	ID         string `json:"id,omitempty"`
	From       string `json:"from,omitempty"`
	Chat       string `json:"chat,omitempty"`
	SenderE164 string `json:"sender_e164,omitempty"`
	FromMe     bool   `json:"from_me,omitempty"`
	Content    string `json:"content,omitempty"`
	ReplyTo    string `json:"reply_to,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"` // unix seconds

	// status frames
	State    string `json:"state,omitempty"`
	SelfE164 string `json:"self_e164,omitempty"`

	// outbound frames
	To string `json:"to,omitempty"`
}

// Plugin implements channels.Plugin over the bridge protocol, one
// websocket per account.
type Plugin struct {
	bus     bus.MessageRouter
	backoff channels.Backoff

	mu      sync.Mutex
	clients map[string]*client
}

// New creates the WhatsApp plugin. Accounts connect when the channel
// manager starts them.
func New(router bus.MessageRouter, backoff channels.Backoff) *Plugin {
	return &Plugin{
		bus:     router,
		backoff: backoff,
		clients: make(map[string]*client),
	}
}

// ID returns the channel name.
func (p *Plugin) ID() string { return ChannelID }

// ListAccountIDs returns the configured account ids in stable order.
func (p *Plugin) ListAccountIDs(cfg config.WhatsAppConfig) []string {
	ids := make([]string, 0, len(cfg.Accounts))
	for id := range cfg.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveAccount looks up one account's settings.
func (p *Plugin) ResolveAccount(cfg config.WhatsAppConfig, accountID string) (config.WhatsAppAccount, error) {
	acct, ok := cfg.Accounts[accountID]
	if !ok {
		return config.WhatsAppAccount{}, fmt.Errorf("whatsapp account %q not in config", accountID)
	}
	return acct, nil
}

// IsEnabled reports whether the whatsapp channel is switched on.
func (p *Plugin) IsEnabled(_ config.WhatsAppAccount, cfg config.WhatsAppConfig) bool {
	return cfg.Enabled
}

// IsConfigured requires a bridge endpoint.
func (p *Plugin) IsConfigured(acct config.WhatsAppAccount, _ config.WhatsAppConfig) bool {
	return acct.BridgeURL != ""
}

// StartAccount dials the account's bridge and pumps frames until the
// context is canceled. Lost connections are redialed under the backoff
// policy; the attempt counter resets on every successful dial.
func (p *Plugin) StartAccount(actx *channels.AccountContext[config.WhatsAppConfig, config.WhatsAppAccount]) error {
	c := &client{accountID: actx.AccountID, url: actx.Account.BridgeURL}

	p.mu.Lock()
	p.clients[actx.AccountID] = c
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.clients, actx.AccountID)
		p.mu.Unlock()
	}()

	attempt := 0
	for {
		if err := actx.Ctx.Err(); err != nil {
			return err
		}

		conn, err := dialBridge(actx.Ctx, c.url)
		if err != nil {
			attempt++
			delay, retry := p.backoff.Delay(attempt)
			if !retry {
				return fmt.Errorf("whatsapp bridge unreachable after %d attempts: %w", attempt, err)
			}
			slog.Warn("whatsapp bridge dial failed",
				"account", actx.AccountID, "attempt", attempt, "retry_in", delay, "error", err)
			if !sleepCtx(actx.Ctx, delay) {
				return actx.Ctx.Err()
			}
			continue
		}

		attempt = 0
		c.setConn(conn)
		slog.Info("whatsapp bridge connected", "account", actx.AccountID, "url", c.url)

		readErr := p.readLoop(actx, c, conn)
		c.clearConn()
		if actx.Ctx.Err() != nil {
			return actx.Ctx.Err()
		}

		attempt++
		delay, retry := p.backoff.Delay(attempt)
		if !retry {
			return fmt.Errorf("whatsapp bridge connection lost: %w", readErr)
		}
		slog.Warn("whatsapp bridge connection lost",
			"account", actx.AccountID, "retry_in", delay, "error", readErr)
		if !sleepCtx(actx.Ctx, delay) {
			return actx.Ctx.Err()
		}
	}
}

// StopAccount closes the live connection so the read loop unblocks
// without waiting for a network timeout.
func (p *Plugin) StopAccount(actx *channels.AccountContext[config.WhatsAppConfig, config.WhatsAppAccount]) error {
	if c := p.client(actx.AccountID); c != nil {
		c.closeConn()
	}
	return nil
}

// Send writes an outbound message frame for the account's bridge.
func (p *Plugin) Send(_ context.Context, msg bus.OutboundMessage) error {
	c := p.client(msg.AccountID)
	if c == nil {
		return fmt.Errorf("whatsapp account %q not running", msg.AccountID)
	}
	return c.write(bridgeFrame{Type: "message", To: msg.To, Content: msg.Body})
}

// MarkRead asks the bridge to mark a message as read.
func (p *Plugin) MarkRead(accountID, chatJID, messageID string) error {
	c := p.client(accountID)
	if c == nil {
		return fmt.Errorf("whatsapp account %q not running", accountID)
	}
	return c.write(bridgeFrame{Type: "read", To: chatJID, ID: messageID})
}

// Typing asks the bridge to show a typing indicator in the chat.
func (p *Plugin) Typing(_ context.Context, accountID, to string) error {
	c := p.client(accountID)
	if c == nil {
		return fmt.Errorf("whatsapp account %q not running", accountID)
	}
	return c.write(bridgeFrame{Type: "typing", To: to})
}

// ConnectedAt reports when the account's bridge last reached the
// connected state. Used for the pairing grace window.
func (p *Plugin) ConnectedAt(accountID string) (time.Time, bool) {
	c := p.client(accountID)
	if c == nil {
		return time.Time{}, false
	}
	return c.connectedAt()
}

func (p *Plugin) client(accountID string) *client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[accountID]
}

// readLoop decodes frames until the connection drops.
func (p *Plugin) readLoop(actx *channels.AccountContext[config.WhatsAppConfig, config.WhatsAppAccount], c *client, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("invalid bridge frame", "account", c.accountID, "error", err)
			continue
		}

		switch frame.Type {
		case "status":
			p.handleStatus(actx, c, frame)
		case "message":
			p.handleMessage(c, frame)
		default:
			slog.Debug("bridge frame skipped", "account", c.accountID, "type", frame.Type)
		}
	}
}

// handleStatus tracks the bridge session state. The connected timestamp
// anchors the pairing grace window for backlog suppression.
func (p *Plugin) handleStatus(actx *channels.AccountContext[config.WhatsAppConfig, config.WhatsAppAccount], c *client, frame bridgeFrame) {
	switch frame.State {
	case "connected":
		c.setIdentity(frame.SelfE164, time.Now())
		actx.SetStatus(func(s *channels.AccountStatus) {
			s.LastError = ""
		})
		slog.Info("whatsapp session connected", "account", c.accountID, "self", frame.SelfE164)
	case "disconnected":
		actx.SetStatus(func(s *channels.AccountStatus) {
			s.LastError = "bridge session disconnected"
		})
		slog.Warn("whatsapp session disconnected", "account", c.accountID)
	}
}

// handleMessage normalizes one inbound message onto the bus.
func (p *Plugin) handleMessage(c *client, frame bridgeFrame) {
	if frame.From == "" {
		return
	}
	chat := frame.Chat
	if chat == "" {
		chat = frame.From
	}

	ts := time.Now()
	if frame.Timestamp > 0 {
		ts = time.Unix(frame.Timestamp, 0)
	}

	key := frame.ID
	if key == "" {
		key = fmt.Sprintf("%s|%s|%d", chat, frame.From, frame.Timestamp)
	}

	replyTo := frame.ReplyTo
	if replyTo == "" {
		replyTo = chat
	}

	self, _ := c.identity()

	msg := bus.InboundMessage{
		Channel:          ChannelID,
		AccountID:        c.accountID,
		From:             frame.From,
		SenderE164:       frame.SenderE164,
		SelfE164:         self,
		Group:            strings.HasSuffix(chat, groupJIDSuffix),
		IsFromMe:         frame.FromMe,
		Body:             frame.Content,
		ReplyToJid:       replyTo,
		MessageKey:       key,
		MessageTimestamp: ts,
	}

	slog.Debug("whatsapp message received",
		"account", c.accountID,
		"from", frame.From,
		"group", msg.Group,
		"preview", channels.Truncate(frame.Content, 50),
	)

	p.bus.PublishInbound(msg)
}

// dialBridge connects to the bridge endpoint.
func dialBridge(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial whatsapp bridge %s: %w", url, err)
	}
	return conn, nil
}

// sleepCtx waits for d, returning false if ctx finished first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// client is one live bridge connection.
type client struct {
	accountID string
	url       string

	mu        sync.Mutex
	conn      *websocket.Conn
	selfE164  string
	connected time.Time
}

func (c *client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *client) clearConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *client) closeConn() {
	c.clearConn()
}

func (c *client) setIdentity(selfE164 string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if selfE164 != "" {
		c.selfE164 = selfE164
	}
	c.connected = at
}

func (c *client) identity() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfE164, c.connected
}

func (c *client) connectedAt() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected, !c.connected.IsZero()
}

// write sends one frame. Gorilla connections allow a single concurrent
// writer, hence the lock.
func (c *client) write(frame bridgeFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal bridge frame: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send bridge frame: %w", err)
	}
	return nil
}
