package channels

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// telegramMaxLen is Telegram's hard message-size limit.
const telegramMaxLen = 4096

// InboundHandler receives one normalized inbound message and returns the
// reply text, or "" for no reply.
type InboundHandler func(ctx context.Context, senderID, chatID, text string) string

// Telegram is the Telegram bot adapter. Inbound messages arrive either via
// the long-poll loop or the gateway webhook; both paths feed the same handler.
type Telegram struct {
	cfg    config.TelegramConfig
	bot    *tgbotapi.BotAPI
	logger *logger.Logger
}

// NewTelegram connects the bot. Returns nil when no token is configured.
func NewTelegram(cfg config.TelegramConfig, log *logger.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	t := &Telegram{
		cfg:    cfg,
		bot:    bot,
		logger: log.WithFields(zap.String("channel", "telegram")),
	}
	t.logger.Info("telegram bot connected", zap.String("username", bot.Self.UserName))
	return t, nil
}

func (t *Telegram) Name() string { return "telegram" }

// WebhookSecret returns the expected X-Telegram-Bot-Api-Secret-Token value.
func (t *Telegram) WebhookSecret() string { return t.cfg.WebhookSecret }

func (t *Telegram) Send(ctx context.Context, msg Message) error {
	chatID, err := strconv.ParseInt(msg.Target, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.Target, err)
	}
	for _, chunk := range splitMessage(msg.Text, telegramMaxLen) {
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (t *Telegram) Typing(ctx context.Context, target string) {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return
	}
	if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		t.logger.Debug("typing indicator failed", zap.Error(err))
	}
}

// Poll long-polls Telegram and feeds messages to handle, reconnecting with
// exponential backoff when the update stream dies.
func (t *Telegram) Poll(ctx context.Context, handle InboundHandler) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		err := t.readUpdates(ctx, updates, handle)
		t.bot.StopReceivingUpdates()
		if err == nil {
			return
		}

		t.logger.Warn("telegram poll disconnected, reconnecting",
			zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// readUpdates drains the update channel until ctx is done, the channel
// closes, or nothing arrives within the stall window. The library's
// long-poll blocks rather than closing the channel on a dead connection,
// so silence past 2.5x the poll timeout is treated as a disconnect.
func (t *Telegram) readUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, handle InboundHandler) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			t.HandleUpdate(ctx, update, handle)
		case <-timer.C:
			return fmt.Errorf("no updates for %v", stallTimeout)
		}
	}
}

// HandleUpdate processes one update from either the poller or the webhook.
func (t *Telegram) HandleUpdate(ctx context.Context, update tgbotapi.Update, handle InboundHandler) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	t.Typing(ctx, chatID)
	reply := handle(ctx, senderID, chatID, text)
	if reply == "" {
		return
	}
	if err := t.Send(ctx, Message{Target: chatID, Text: reply}); err != nil {
		t.logger.Error("telegram reply failed", zap.String("chat_id", chatID), zap.Error(err))
	}
}

// splitMessage breaks text into chunks of at most limit bytes, preferring
// line boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut < limit/2 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
