package filters

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
)

func msg(chatID int64, chatType string, from *tgbotapi.User) *tgbotapi.Message {
	return &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: chatID, Type: chatType},
		From: from,
	}
}

func TestChatFilter(t *testing.T) {
	user := &tgbotapi.User{ID: 7}
	bot := &tgbotapi.User{ID: 8, IsBot: true}

	f := NewChatFilter(-100)
	assert.True(t, f.CheckAccess(msg(7, "private", user)))
	assert.True(t, f.CheckAccess(msg(-100, "supergroup", user)))
	assert.False(t, f.CheckAccess(msg(-200, "supergroup", user)))
	assert.False(t, f.CheckAccess(msg(7, "private", bot)))
	assert.False(t, f.CheckAccess(msg(7, "private", nil)))
	assert.False(t, f.CheckAccess(nil))

	dmOnly := NewChatFilter(0)
	assert.True(t, dmOnly.CheckAccess(msg(7, "private", user)))
	assert.False(t, dmOnly.CheckAccess(msg(-100, "group", user)))
}
