package telegram

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Commands dispatches slash commands to registered handlers.
type Commands struct {
	bot    *Bot
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]command
}

type command struct {
	description string
	handler     CommandFunc
}

// CommandFunc is a function that handles a command
type CommandFunc func(CommandContext) error

// CommandContext contains command metadata
type CommandContext struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	Command   string
	Args      []string
	RawArgs   string
}

// NewCommands creates a new command handler
func NewCommands(bot *Bot) *Commands {
	return &Commands{
		bot:      bot,
		logger:   bot.logger.With().Str("module", "commands").Logger(),
		handlers: make(map[string]command),
	}
}

// HandleCommand processes incoming commands
func (c *Commands) HandleCommand(update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || !msg.IsCommand() {
		return nil
	}

	ctx := CommandContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		UserID:    msg.From.ID,
		Username:  msg.From.UserName,
		Command:   msg.Command(),
		Args:      strings.Fields(msg.CommandArguments()),
		RawArgs:   msg.CommandArguments(),
	}

	c.logger.Debug().
		Int64("chat_id", ctx.ChatID).
		Str("command", ctx.Command).
		Strs("args", ctx.Args).
		Msg("Command received")

	c.mu.RLock()
	cmd, exists := c.handlers[ctx.Command]
	c.mu.RUnlock()
	if !exists {
		return c.SendResponse(ctx, fmt.Sprintf("Unknown command: /%s", ctx.Command))
	}
	return cmd.handler(ctx)
}

// Register registers a command handler
func (c *Commands) Register(name, description string, handler CommandFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = command{description: description, handler: handler}
}

// BotCommands lists the registered commands sorted by name, in the form
// Telegram's command menu expects.
func (c *Commands) BotCommands() []tgbotapi.BotCommand {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]tgbotapi.BotCommand, 0, len(c.handlers))
	for name, cmd := range c.handlers {
		out = append(out, tgbotapi.BotCommand{Command: name, Description: cmd.description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// Publish sets the bot's command menu in Telegram.
func (c *Commands) Publish() error {
	commands := c.BotCommands()
	if _, err := c.bot.api.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}
	c.logger.Info().Int("count", len(commands)).Msg("Bot commands updated")
	return nil
}

// Help renders one line per command.
func (c *Commands) Help() string {
	var b strings.Builder
	for _, cmd := range c.BotCommands() {
		fmt.Fprintf(&b, "/%s - %s\n", cmd.Command, cmd.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// SendResponse sends a response to a command
func (c *Commands) SendResponse(ctx CommandContext, text string) error {
	return c.bot.SendMessage(ctx.ChatID, text, ctx.MessageID)
}
