// Package bot is the Telegram front end. Each Telegram user acts as the
// user id "tg:<telegram id>"; commands go through the same services and
// access checks as the HTTP API.
package bot

import (
	"context"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/qvote/internal/bot/filters"
	"serotonyl.ru/qvote/internal/config"
	"serotonyl.ru/qvote/internal/features/aggregation"
	"serotonyl.ru/qvote/internal/features/ledger"
	"serotonyl.ru/qvote/internal/features/voting"
	"serotonyl.ru/qvote/internal/middleware"
)

// Sender is the part of the Telegram API the bot uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot ties Telegram updates to the voting services.
type Bot struct {
	api     *tgbotapi.BotAPI
	sender  Sender
	cfg     *config.Config
	handler *Handler

	chatFilter  *filters.ChatFilter
	rateLimiter *middleware.RateLimiter
	parser      *CommandParser

	// bounds how many updates are handled at once
	inflight chan struct{}
}

// New creates the bot.
func New(
	api *tgbotapi.BotAPI,
	cfg *config.Config,
	led *ledger.Service,
	engine *voting.Engine,
	agg *aggregation.Service,
) *Bot {
	maxInFlight := cfg.BotMaxInflight
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	return &Bot{
		api:         api,
		sender:      api,
		cfg:         cfg,
		handler:     NewHandler(led, engine, agg, cfg.AppTimezone),
		chatFilter:  filters.NewChatFilter(cfg.TelegramChatID),
		rateLimiter: middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		parser:      NewCommandParser(),
		inflight:    make(chan struct{}, maxInFlight),
	}
}

// UserID maps a Telegram user to a ledger user id.
func UserID(telegramID int64) string {
	return "tg:" + strconv.FormatInt(telegramID, 10)
}

// Start polls Telegram until ctx is done.
func (b *Bot) Start(ctx context.Context) {
	defer b.rateLimiter.Close()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.BotUpdateTimeoutSeconds
	updates := b.api.GetUpdatesChan(u)

	log.WithFields(log.Fields{
		"max_inflight": cap(b.inflight),
		"timeout_sec":  b.cfg.BotUpdateTimeoutSeconds,
	}).Info("Telegram bot started")

	for {
		select {
		case <-ctx.Done():
			log.Info("Telegram bot stopping")
			b.api.StopReceivingUpdates()
			// wait for in-flight handlers
			for range cap(b.inflight) {
				b.inflight <- struct{}{}
			}
			return

		case update, ok := <-updates:
			if !ok {
				log.Info("Update channel closed, bot stopped")
				return
			}
			b.inflight <- struct{}{}
			go func(upd tgbotapi.Update) {
				defer func() { <-b.inflight }()
				b.handleUpdate(ctx, upd)
			}(update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer middleware.RecoverFromPanic("telegram")

	message := update.Message
	if message == nil || message.Text == "" {
		return
	}
	logMessage(message)

	if !b.chatFilter.CheckAccess(message) {
		return
	}
	if !b.rateLimiter.Allow(UserID(message.From.ID)) {
		log.WithField("user_id", message.From.ID).Debug("Rate limited")
		return
	}

	cmd, args, isCommand := b.parser.ParseCommand(message.Text)
	if !isCommand {
		return
	}
	reply := b.handler.Handle(ctx, UserID(message.From.ID), cmd, args)
	if reply == "" {
		return
	}
	if Confidential(cmd, args) && !message.Chat.IsPrivate() {
		// a user's private chat id is their user id
		b.sendMessage(message.From.ID, reply)
		b.sendMessage(message.Chat.ID, "🔒 Sent you the result in a direct message")
		return
	}
	b.sendMessage(message.Chat.ID, reply)
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.sender.Send(msg); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Failed to send message")
	}
}
