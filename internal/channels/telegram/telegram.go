// Package telegram runs the Telegram bot channel over long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/dexterhq/dexter/internal/bus"
	"github.com/dexterhq/dexter/internal/channels"
	"github.com/dexterhq/dexter/internal/config"
)

// ChannelID is the canonical channel name.
const ChannelID = "telegram"

// DefaultAccountID names the single bot account the config carries.
const DefaultAccountID = "default"

// Telegram rejects messages over 4096 characters.
const maxMessageLen = 4096

// Plugin implements channels.Plugin for a single Telegram bot account.
type Plugin struct {
	bus     bus.MessageRouter
	backoff channels.Backoff

	mu   sync.Mutex
	bots map[string]*telego.Bot
}

// New creates the Telegram plugin.
func New(router bus.MessageRouter, backoff channels.Backoff) *Plugin {
	return &Plugin{
		bus:     router,
		backoff: backoff,
		bots:    make(map[string]*telego.Bot),
	}
}

// ID returns the channel name.
func (p *Plugin) ID() string { return ChannelID }

// ListAccountIDs returns the single implicit account.
func (p *Plugin) ListAccountIDs(_ config.TelegramConfig) []string {
	return []string{DefaultAccountID}
}

// ResolveAccount returns the channel config itself; Telegram carries one
// bot per gateway.
func (p *Plugin) ResolveAccount(cfg config.TelegramConfig, accountID string) (config.TelegramConfig, error) {
	if accountID != DefaultAccountID {
		return config.TelegramConfig{}, fmt.Errorf("telegram account %q not in config", accountID)
	}
	return cfg, nil
}

// IsEnabled reports whether the telegram channel is switched on.
func (p *Plugin) IsEnabled(_ config.TelegramConfig, cfg config.TelegramConfig) bool {
	return cfg.Enabled
}

// IsConfigured requires a bot token.
func (p *Plugin) IsConfigured(acct config.TelegramConfig, _ config.TelegramConfig) bool {
	return acct.BotToken != ""
}

// StartAccount polls for updates until the context is canceled. A
// closed updates channel outside shutdown restarts polling under the
// backoff policy.
func (p *Plugin) StartAccount(actx *channels.AccountContext[config.TelegramConfig, config.TelegramConfig]) error {
	bot, err := telego.NewBot(actx.Account.BotToken)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}

	attempt := 0
	for {
		if err := actx.Ctx.Err(); err != nil {
			return err
		}

		pollCtx, cancel := context.WithCancel(actx.Ctx)
		updates, err := bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
			Timeout:        30,
			AllowedUpdates: []string{"message"},
		})
		if err != nil {
			cancel()
			attempt++
			delay, retry := p.backoff.Delay(attempt)
			if !retry {
				return fmt.Errorf("telegram long polling failed after %d attempts: %w", attempt, err)
			}
			slog.Warn("telegram long polling failed",
				"account", actx.AccountID, "attempt", attempt, "retry_in", delay, "error", err)
			if !sleepCtx(actx.Ctx, delay) {
				return actx.Ctx.Err()
			}
			continue
		}

		attempt = 0
		p.setBot(actx.AccountID, bot)
		slog.Info("telegram bot connected", "account", actx.AccountID, "username", bot.Username())

		for update := range updates {
			if update.Message != nil {
				p.handleMessage(actx.AccountID, update.Message)
			}
		}

		cancel()
		p.clearBot(actx.AccountID)
		if actx.Ctx.Err() != nil {
			return actx.Ctx.Err()
		}

		attempt++
		delay, retry := p.backoff.Delay(attempt)
		if !retry {
			return fmt.Errorf("telegram updates channel closed after %d restarts", attempt)
		}
		slog.Warn("telegram updates channel closed, restarting polling",
			"account", actx.AccountID, "retry_in", delay)
		if !sleepCtx(actx.Ctx, delay) {
			return actx.Ctx.Err()
		}
	}
}

// Send delivers a reply, chunked under the Telegram message limit.
func (p *Plugin) Send(ctx context.Context, msg bus.OutboundMessage) error {
	bot := p.bot(msg.AccountID)
	if bot == nil {
		return fmt.Errorf("telegram account %q not running", msg.AccountID)
	}
	chatID, err := parseChatID(msg.To)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.To, err)
	}
	for _, chunk := range channels.SplitMessage(msg.Body, maxMessageLen) {
		if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// Typing shows the typing indicator for a chat.
func (p *Plugin) Typing(ctx context.Context, accountID, to string) error {
	bot := p.bot(accountID)
	if bot == nil {
		return fmt.Errorf("telegram account %q not running", accountID)
	}
	chatID, err := parseChatID(to)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", to, err)
	}
	return bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

// handleMessage normalizes one update onto the bus.
func (p *Plugin) handleMessage(accountID string, message *telego.Message) {
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}
	user := message.From
	if user == nil {
		return
	}

	// Compound sender id so allowlists can match either the numeric id
	// or the username.
	from := strconv.FormatInt(user.ID, 10)
	if user.Username != "" {
		from = from + "|" + user.Username
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"

	body := message.Text
	if message.Caption != "" {
		if body != "" {
			body += "\n"
		}
		body += message.Caption
	}
	if body == "" {
		body = "[empty message]"
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)

	msg := bus.InboundMessage{
		Channel:          ChannelID,
		AccountID:        accountID,
		From:             from,
		Group:            isGroup,
		Body:             body,
		ReplyToJid:       chatID,
		MessageKey:       fmt.Sprintf("tg:%s:%d", chatID, message.MessageID),
		MessageTimestamp: time.Unix(int64(message.Date), 0),
		Metadata: map[string]string{
			"message_id": strconv.Itoa(message.MessageID),
			"user_id":    strconv.FormatInt(user.ID, 10),
			"username":   user.Username,
			"first_name": user.FirstName,
		},
	}

	slog.Debug("telegram message received",
		"account", accountID,
		"chat_id", chatID,
		"group", isGroup,
		"preview", channels.Truncate(body, 50),
	)

	p.bus.PublishInbound(msg)
}

// isServiceMessage reports member/title/pin updates rather than user
// messages. Service messages carry no text, caption, or media.
func isServiceMessage(m *telego.Message) bool {
	if m.Text != "" || m.Caption != "" {
		return false
	}
	if m.Photo != nil || m.Audio != nil || m.Video != nil ||
		m.Document != nil || m.Voice != nil || m.VideoNote != nil ||
		m.Sticker != nil || m.Animation != nil || m.Contact != nil ||
		m.Location != nil || m.Venue != nil || m.Poll != nil {
		return false
	}
	return true
}

func (p *Plugin) setBot(accountID string, bot *telego.Bot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bots[accountID] = bot
}

func (p *Plugin) clearBot(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bots, accountID)
}

func (p *Plugin) bot(accountID string) *telego.Bot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bots[accountID]
}

func parseChatID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

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
