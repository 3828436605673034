package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/parley/internal/config"
)

func TestCommands_Dispatch(t *testing.T) {
	bot, _ := newTestBot(t, config.TelegramConfig{})
	commands := NewCommands(bot)

	var got CommandContext
	commands.Register("lang", "Set language", func(ctx CommandContext) error {
		got = ctx
		return nil
	})

	require.NoError(t, commands.HandleCommand(commandUpdate(5, 6, 1, "/lang zh en")))
	assert.Equal(t, "lang", got.Command)
	assert.Equal(t, []string{"zh", "en"}, got.Args)
	assert.Equal(t, "zh en", got.RawArgs)
	assert.Equal(t, int64(5), got.ChatID)
}

func TestCommands_Unknown(t *testing.T) {
	bot, api := newTestBot(t, config.TelegramConfig{})
	commands := NewCommands(bot)

	require.NoError(t, commands.HandleCommand(commandUpdate(5, 6, 9, "/nope")))
	sent := api.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Unknown command: /nope", sent[0].Text)
	assert.Equal(t, 9, sent[0].ReplyToMessageID)
}

func TestCommands_HelpAndPublish(t *testing.T) {
	bot, api := newTestBot(t, config.TelegramConfig{})
	commands := NewCommands(bot)
	noop := func(CommandContext) error { return nil }
	commands.Register("start", "Start", noop)
	commands.Register("help", "List commands", noop)

	assert.Equal(t, "/help - List commands\n/start - Start", commands.Help())
	cmds := commands.BotCommands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "help", cmds[0].Command)

	require.NoError(t, commands.Publish())
	assert.Equal(t, 1, api.requestCount())
}

func TestCommands_IgnoresPlainText(t *testing.T) {
	bot, api := newTestBot(t, config.TelegramConfig{})
	commands := NewCommands(bot)
	require.NoError(t, commands.HandleCommand(textUpdate(1, 1, 1, "hello")))
	assert.Empty(t, api.messages())
}
