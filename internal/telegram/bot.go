package telegram

import (
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/harun/parley/internal/config"
)

// maxMessageLength is Telegram's limit for one text message, in characters.
const maxMessageLength = 4096

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Bot represents a Telegram bot instance
type Bot struct {
	api    API
	self   tgbotapi.User
	config config.TelegramConfig
	logger zerolog.Logger

	allowed map[int64]bool

	mu             sync.RWMutex
	messageHandler MessageHandler
	commandHandler CommandHandler
	running        bool
	done           chan struct{}
}

// MessageHandler handles incoming messages
type MessageHandler interface {
	HandleMessage(update tgbotapi.Update) error
}

// CommandHandler handles bot commands
type CommandHandler interface {
	HandleCommand(update tgbotapi.Update) error
}

// New authenticates against the Bot API with the configured token.
func New(cfg config.TelegramConfig, logger zerolog.Logger) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := NewWithAPI(api, api.Self, cfg, logger)
	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")
	return bot, nil
}

// NewWithAPI builds a bot over an existing API client.
func NewWithAPI(api API, self tgbotapi.User, cfg config.TelegramConfig, logger zerolog.Logger) *Bot {
	allowed := make(map[int64]bool, len(cfg.Allowlist))
	for _, id := range cfg.Allowlist {
		allowed[id] = true
	}
	return &Bot{
		api:     api,
		self:    self,
		config:  cfg,
		logger:  logger.With().Str("component", "telegram").Logger(),
		allowed: allowed,
	}
}

// Start begins long polling. Updates are handled one at a time in arrival
// order; handlers that run long work should hand it off.
func (b *Bot) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	b.running = true
	b.done = make(chan struct{})
	go b.processUpdates(updates, b.done)

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop stops polling and waits for the update loop to exit.
func (b *Bot) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return fmt.Errorf("bot is not running")
	}
	b.running = false
	done := b.done
	b.mu.Unlock()

	b.api.StopReceivingUpdates()
	<-done
	b.logger.Info().Msg("Telegram bot stopped")
	return nil
}

// IsRunning returns whether the bot is running
func (b *Bot) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Username returns the bot's own username.
func (b *Bot) Username() string {
	return b.self.UserName
}

func (b *Bot) processUpdates(updates tgbotapi.UpdatesChannel, done chan struct{}) {
	defer close(done)
	for update := range updates {
		if !b.IsRunning() {
			return
		}
		if err := b.handleUpdate(update); err != nil {
			b.logger.Error().
				Err(err).
				Int("update_id", update.UpdateID).
				Msg("Failed to handle update")
		}
	}
}

// handleUpdate routes an update to the appropriate handler
func (b *Bot) handleUpdate(update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return nil
	}
	if !b.isAllowed(msg.From.ID) {
		b.logger.Warn().
			Int64("user_id", msg.From.ID).
			Str("username", msg.From.UserName).
			Msg("Ignoring message from user outside allowlist")
		return nil
	}

	b.mu.RLock()
	commands, messages := b.commandHandler, b.messageHandler
	b.mu.RUnlock()

	if msg.IsCommand() && commands != nil {
		return commands.HandleCommand(update)
	}
	if messages != nil {
		return messages.HandleMessage(update)
	}
	return nil
}

func (b *Bot) isAllowed(userID int64) bool {
	return len(b.allowed) == 0 || b.allowed[userID]
}

// SendMessage sends text to a chat, split into several messages when it
// exceeds Telegram's length limit. Only the first part is a reply.
func (b *Bot) SendMessage(chatID int64, text string, replyToMessageID int) error {
	for i, part := range SplitMessage(text, maxMessageLength) {
		msg := tgbotapi.NewMessage(chatID, part)
		if i == 0 {
			msg.ReplyToMessageID = replyToMessageID
		}
		if _, err := b.api.Send(msg); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}

	b.logger.Debug().
		Int64("chat_id", chatID).
		Int("reply_to", replyToMessageID).
		Msg("Message sent")
	return nil
}

// SendTyping shows the typing indicator in a chat.
func (b *Bot) SendTyping(chatID int64) error {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := b.api.Request(action); err != nil {
		return fmt.Errorf("failed to send typing action: %w", err)
	}
	return nil
}

// SetMessageHandler sets the message handler
func (b *Bot) SetMessageHandler(handler MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messageHandler = handler
}

// SetCommandHandler sets the command handler
func (b *Bot) SetCommandHandler(handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commandHandler = handler
}

// SplitMessage cuts text into parts of at most limit characters, preferring
// to break after a newline or space.
func SplitMessage(text string, limit int) []string {
	if text == "" {
		return []string{""}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' || runes[i-1] == ' ' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
