// Package discord runs the Discord bot channel over the gateway API.
// The discordgo session maintains its own reconnect loop once open, so
// the account task only retries the initial connect and then parks
// until the account is stopped.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dexterhq/dexter/internal/bus"
	"github.com/dexterhq/dexter/internal/channels"
	"github.com/dexterhq/dexter/internal/config"
)

// ChannelID is the canonical channel name.
const ChannelID = "discord"

// DefaultAccountID names the single bot account a config describes.
const DefaultAccountID = "default"

// Discord rejects messages over 2000 characters.
const maxMessageLen = 2000

// Plugin runs the Discord bot as a channel account.
type Plugin struct {
	bus     bus.MessageRouter
	backoff channels.Backoff

	mu       sync.Mutex
	sessions map[string]*botSession
}

type botSession struct {
	session   *discordgo.Session
	botUserID string
}

// New creates the Discord channel plugin.
func New(router bus.MessageRouter, backoff channels.Backoff) *Plugin {
	return &Plugin{
		bus:      router,
		backoff:  backoff,
		sessions: make(map[string]*botSession),
	}
}

// ID implements channels.Plugin.
func (p *Plugin) ID() string { return ChannelID }

// ListAccountIDs implements channels.Plugin. Discord config describes a
// single bot account.
func (p *Plugin) ListAccountIDs(_ config.DiscordConfig) []string {
	return []string{DefaultAccountID}
}

// ResolveAccount implements channels.Plugin.
func (p *Plugin) ResolveAccount(cfg config.DiscordConfig, accountID string) (config.DiscordConfig, error) {
	if accountID != DefaultAccountID {
		return config.DiscordConfig{}, fmt.Errorf("discord account %q not in config", accountID)
	}
	return cfg, nil
}

// IsEnabled implements channels.Plugin.
func (p *Plugin) IsEnabled(_ config.DiscordConfig, cfg config.DiscordConfig) bool {
	return cfg.Enabled
}

// IsConfigured implements channels.Plugin.
func (p *Plugin) IsConfigured(acct config.DiscordConfig, _ config.DiscordConfig) bool {
	return acct.BotToken != ""
}

// StartAccount opens the gateway session and blocks until the account
// context is cancelled.
func (p *Plugin) StartAccount(actx *channels.AccountContext[config.DiscordConfig, config.DiscordConfig]) error {
	session, err := discordgo.New("Bot " + actx.Account.BotToken)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	// Registered before Open so no early event is missed.
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		p.handleMessage(actx.AccountID, m)
	})

	attempt := 0
	for {
		if err := actx.Ctx.Err(); err != nil {
			return err
		}
		err := session.Open()
		if err == nil {
			break
		}
		attempt++
		delay, retry := p.backoff.Delay(attempt)
		if !retry {
			return fmt.Errorf("discord gateway unreachable after %d attempts: %w", attempt, err)
		}
		slog.Warn("discord gateway open failed",
			"account", actx.AccountID,
			"attempt", attempt,
			"retry_in", delay,
			"error", err)
		if !sleepCtx(actx.Ctx, delay) {
			return actx.Ctx.Err()
		}
	}

	user, err := session.User("@me")
	if err != nil {
		session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}

	p.setSession(actx.AccountID, &botSession{session: session, botUserID: user.ID})
	defer p.clearSession(actx.AccountID)

	slog.Info("discord bot connected",
		"account", actx.AccountID,
		"username", user.Username,
		"id", user.ID)

	<-actx.Ctx.Done()
	if err := session.Close(); err != nil {
		slog.Warn("discord session close failed", "account", actx.AccountID, "error", err)
	}
	return actx.Ctx.Err()
}

// Send delivers an outbound message, splitting it into multiple Discord
// messages when it exceeds the length limit.
func (p *Plugin) Send(_ context.Context, msg bus.OutboundMessage) error {
	s := p.session(msg.AccountID)
	if s == nil {
		return fmt.Errorf("discord account %q not running", msg.AccountID)
	}
	for _, chunk := range channels.SplitMessage(msg.Body, maxMessageLen) {
		if _, err := s.session.ChannelMessageSend(msg.To, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// Typing shows the typing indicator in a channel. Discord expires it
// after roughly ten seconds, so callers refresh while work is running.
func (p *Plugin) Typing(_ context.Context, accountID, to string) error {
	s := p.session(accountID)
	if s == nil {
		return fmt.Errorf("discord account %q not running", accountID)
	}
	return s.session.ChannelTyping(to)
}

// handleMessage normalizes a gateway message event onto the bus.
func (p *Plugin) handleMessage(accountID string, m *discordgo.MessageCreate) {
	s := p.session(accountID)
	if s == nil {
		return
	}
	if m.Author == nil || m.Author.ID == s.botUserID || m.Author.Bot {
		return
	}

	body := m.Content
	for _, att := range m.Attachments {
		if body != "" {
			body += "\n"
		}
		body += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if body == "" {
		body = "[empty message]"
	}

	isDM := m.GuildID == ""

	p.bus.PublishInbound(bus.InboundMessage{
		Channel:          ChannelID,
		AccountID:        accountID,
		From:             m.Author.ID,
		Group:            !isDM,
		Body:             body,
		ReplyToJid:       m.ChannelID,
		MessageKey:       m.ID,
		MessageTimestamp: m.Timestamp,
		Metadata: map[string]string{
			"message_id":   m.ID,
			"username":     m.Author.Username,
			"display_name": resolveDisplayName(m),
			"guild_id":     m.GuildID,
		},
	})

	slog.Debug("discord message received",
		"account", accountID,
		"channel_id", m.ChannelID,
		"is_dm", isDM,
		"preview", channels.Truncate(body, 50))
}

// resolveDisplayName picks the best display name for a message author.
// Priority: server nickname, then global display name, then username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func (p *Plugin) setSession(accountID string, s *botSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[accountID] = s
}

func (p *Plugin) clearSession(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, accountID)
}

func (p *Plugin) session(accountID string) *botSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[accountID]
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
