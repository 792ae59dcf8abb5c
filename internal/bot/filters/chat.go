// Package filters decides which Telegram chats the bot answers in.
package filters

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

// ChatFilter allows private chats and, when configured, one group chat.
type ChatFilter struct {
	groupChatID int64
}

// NewChatFilter creates a filter. groupChatID 0 means private chats only.
func NewChatFilter(groupChatID int64) *ChatFilter {
	return &ChatFilter{groupChatID: groupChatID}
}

func (f *ChatFilter) CheckAccess(message *tgbotapi.Message) bool {
	if message == nil || message.Chat == nil {
		log.WithField("component", "ChatFilter").Warn("nil message/chat")
		return false
	}
	if message.From == nil {
		log.WithFields(log.Fields{
			"component": "ChatFilter",
			"chat_id":   message.Chat.ID,
			"chat_type": message.Chat.Type,
		}).Debug("nil message.From (service/channel message?)")
		return false
	}
	if message.From.IsBot {
		return false
	}

	if message.Chat.IsPrivate() {
		return true
	}
	if f.groupChatID != 0 && message.Chat.ID == f.groupChatID {
		return true
	}

	log.WithFields(log.Fields{
		"component": "ChatFilter",
		"chat_id":   message.Chat.ID,
		"chat_type": message.Chat.Type,
	}).Debug("deny: not private and not the configured chat")
	return false
}
