package channel

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramSendAttempts   = 4
	telegramOutboxCapacity = 64
)

// telegramRetryUnit scales backoff between failed sends.
var telegramRetryUnit = time.Second

// telegramAPI is the part of *tgbotapi.BotAPI used for replies.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type telegramReply struct {
	chatID int64
	text   string
}

// Telegram serves a bot over long polling; each chat is its own thread
// ("telegram:<chat id>"). Replies go through an outbox drained by a single
// sender so rate-limit backoff never stalls the gateway.
type Telegram struct {
	token     string
	allowFrom []int64 // empty allows everyone
	parseMode string
	logger    *slog.Logger

	api    telegramAPI
	outbox chan telegramReply
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string
	ParseMode string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	t := &Telegram{
		token:     cfg.Token,
		parseMode: cmp.Or(cfg.ParseMode, tgbotapi.ModeMarkdown),
		logger:    cfg.Logger,
		outbox:    make(chan telegramReply, telegramOutboxCapacity),
	}
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			t.allowFrom = append(t.allowFrom, id)
		}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.api = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	bus.OnOutbound(t.Name(), func(msg domain.OutboundMessage) {
		chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			t.logger.Error("invalid telegram chat id", "chat_id", msg.ChatID, "error", err)
			return
		}
		t.enqueue(chatID, decorate(msg.Content, msg.Incomplete))
	})
	go t.drain(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)
	defer bot.StopReceivingUpdates()
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if msg, ok := t.inbound(update); ok {
				_, _ = bot.Send(tgbotapi.NewChatAction(update.Message.Chat.ID, tgbotapi.ChatTyping))
				if err := bus.Publish(ctx, msg); err != nil {
					t.logger.Error("telegram publish failed", "error", err)
				}
			}
		}
	}
}

// inbound turns an update into a bus message. Updates that are not text from
// an allowed user are answered directly or ignored.
func (t *Telegram) inbound(update tgbotapi.Update) (domain.InboundMessage, bool) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return domain.InboundMessage{}, false
	}
	if len(t.allowFrom) > 0 && !slices.Contains(t.allowFrom, m.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", m.From.ID, "username", m.From.UserName)
		t.enqueue(m.Chat.ID, "Unauthorized. Your user id is not on the allow list.")
		return domain.InboundMessage{}, false
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return domain.InboundMessage{}, false
	}
	if m.IsCommand() && m.Command() == "start" {
		t.enqueue(m.Chat.ID, "Hello! Send me a message and I will answer, using tools when needed.\n\n/help lists commands.")
		return domain.InboundMessage{}, false
	}
	return domain.InboundMessage{
		Channel:   t.Name(),
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		SenderID:  strconv.FormatInt(m.From.ID, 10),
		Content:   text,
		Timestamp: m.Time(),
	}, true
}

func (t *Telegram) enqueue(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		select {
		case t.outbox <- telegramReply{chatID: chatID, text: chunk}:
		default:
			t.logger.Error("telegram outbox full, reply dropped", "chat_id", chatID)
			return
		}
	}
}

func (t *Telegram) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-t.outbox:
			if err := t.send(ctx, r); err != nil {
				t.logger.Error("telegram send failed", "chat_id", r.chatID, "error", err)
			}
		}
	}
}

// send delivers one chunk. Telegram's retry_after hint is honoured, rejected
// markup is resent as plain text, and other client errors are final.
func (t *Telegram) send(ctx context.Context, r telegramReply) error {
	parseMode := t.parseMode
	var err error
	for attempt := 1; attempt <= telegramSendAttempts; attempt++ {
		msg := tgbotapi.NewMessage(r.chatID, r.text)
		msg.ParseMode = parseMode
		if _, err = t.api.Send(msg); err == nil {
			return nil
		}

		wait := time.Duration(attempt) * telegramRetryUnit
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.RetryAfter > 0:
				wait = time.Duration(apiErr.RetryAfter) * telegramRetryUnit
			case parseMode != "" && strings.Contains(apiErr.Message, "can't parse entities"):
				t.logger.Warn("telegram markup rejected, resending as plain text", "parse_mode", parseMode)
				parseMode = ""
				continue
			case apiErr.Code >= 400 && apiErr.Code < 500:
				return err
			}
		}
		if attempt == telegramSendAttempts {
			break
		}
		t.logger.Warn("telegram send retry", "attempt", attempt, "wait", wait, "error", err)
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", telegramSendAttempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
