package telegram

import (
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Handler turns plain messages into MessageContext values for a callback.
type Handler struct {
	bot    *Bot
	logger zerolog.Logger

	onMessage func(MessageContext) error
}

// MessageContext contains message metadata
type MessageContext struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	Text      string
	Timestamp time.Time
	IsGroup   bool
	IsMention bool
	// IsReplyToBot is set when the message answers one of the bot's own.
	IsReplyToBot bool
}

// Addressed reports whether the bot should answer: always in private chats,
// in groups only when mentioned or replied to.
func (m MessageContext) Addressed() bool {
	return !m.IsGroup || m.IsMention || m.IsReplyToBot
}

// NewHandler creates a new message handler
func NewHandler(bot *Bot) *Handler {
	return &Handler{
		bot:    bot,
		logger: bot.logger.With().Str("module", "handler").Logger(),
	}
}

// HandleMessage processes incoming messages
func (h *Handler) HandleMessage(update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return nil
	}

	ctx := MessageContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		Text:      ParseCaption(msg),
		Timestamp: time.Unix(int64(msg.Date), 0),
		IsGroup:   msg.Chat.IsGroup() || msg.Chat.IsSuperGroup(),
	}
	if ctx.IsGroup {
		ctx.IsMention = h.isMentioned(msg)
		if ctx.IsMention {
			ctx.Text = strings.TrimSpace(strings.ReplaceAll(ctx.Text, "@"+h.bot.Username(), ""))
		}
	}
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil {
		ctx.IsReplyToBot = reply.From.ID == h.bot.self.ID
	}

	h.logger.Debug().
		Int64("chat_id", ctx.ChatID).
		Int64("user_id", ctx.UserID).
		Str("username", ctx.Username).
		Bool("is_group", ctx.IsGroup).
		Bool("is_mention", ctx.IsMention).
		Msg("Message received")

	if h.onMessage != nil {
		return h.onMessage(ctx)
	}
	return nil
}

// isMentioned checks if the bot is mentioned in a message
func (h *Handler) isMentioned(msg *tgbotapi.Message) bool {
	text := msg.Text
	entities := msg.Entities
	if text == "" {
		text = msg.Caption
		entities = msg.CaptionEntities
	}
	// Entity offsets count UTF-16 code units.
	units := utf16Units(text)
	for _, entity := range entities {
		if entity.Type != "mention" || entity.Offset+entity.Length > len(units) {
			continue
		}
		mention := utf16String(units[entity.Offset : entity.Offset+entity.Length])
		if strings.EqualFold(mention, "@"+h.bot.Username()) {
			return true
		}
	}
	return false
}

// SetOnMessage sets the message callback
func (h *Handler) SetOnMessage(callback func(MessageContext) error) {
	h.onMessage = callback
}

// SendResponse replies to a message
func (h *Handler) SendResponse(ctx MessageContext, text string) error {
	return h.bot.SendMessage(ctx.ChatID, text, ctx.MessageID)
}

// ParseCaption extracts caption from a message
func ParseCaption(msg *tgbotapi.Message) string {
	if msg.Caption != "" {
		return msg.Caption
	}
	return msg.Text
}
