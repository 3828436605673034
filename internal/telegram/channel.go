package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/harun/parley/pkg/channels"
	"github.com/harun/parley/pkg/moderation"
)

// ChannelName is the channel name Telegram events carry.
const ChannelName = "telegram"

const (
	failureReply = "Sorry, I could not complete that request. Please try again."
	blockedReply = "Sorry, I can't help with that message."
)

// Channel feeds Telegram messages into the engine and replies with the run
// text. Duplicates get no reply.
type Channel struct {
	bot      *Bot
	handler  *Handler
	commands *Commands
	agent    string

	mu       sync.RWMutex
	ctx      context.Context
	dispatch channels.DispatchFunc
	wg       sync.WaitGroup
}

var _ channels.Channel = (*Channel)(nil)

// NewChannel wraps bot as an ingress channel running agent for every chat.
func NewChannel(bot *Bot, agent string) *Channel {
	c := &Channel{
		bot:      bot,
		handler:  NewHandler(bot),
		commands: NewCommands(bot),
		agent:    agent,
	}
	c.handler.SetOnMessage(c.onMessage)
	c.commands.Register("start", "Start a conversation", func(ctx CommandContext) error {
		return c.commands.SendResponse(ctx, "Hi! Send me a message and I will do my best to help.")
	})
	c.commands.Register("help", "List commands", func(ctx CommandContext) error {
		return c.commands.SendResponse(ctx, c.commands.Help())
	})
	c.commands.Register("whoami", "Show your Telegram user id", func(ctx CommandContext) error {
		return c.commands.SendResponse(ctx, fmt.Sprintf("user id: %d\nchat id: %d", ctx.UserID, ctx.ChatID))
	})
	return c
}

// Name returns the channel name.
func (c *Channel) Name() string { return ChannelName }

// Start publishes the command menu and begins polling.
func (c *Channel) Start(ctx context.Context, dispatch channels.DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}
	c.mu.Lock()
	c.ctx = ctx
	c.dispatch = dispatch
	c.mu.Unlock()

	c.bot.SetMessageHandler(c.handler)
	c.bot.SetCommandHandler(c.commands)
	if err := c.commands.Publish(); err != nil {
		c.bot.logger.Warn().Err(err).Msg("Failed to publish bot commands")
	}
	return c.bot.Start()
}

// Stop stops polling and waits for in-flight replies until ctx ends.
func (c *Channel) Stop(ctx context.Context) error {
	if err := c.bot.Stop(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) onMessage(mc MessageContext) error {
	if !mc.Addressed() {
		return nil
	}
	c.mu.RLock()
	ctx, dispatch := c.ctx, c.dispatch
	c.mu.RUnlock()
	if dispatch == nil {
		return fmt.Errorf("telegram channel is not started")
	}

	// The engine orders events per session; the poll loop must not block on
	// a run.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.process(ctx, dispatch, mc)
	}()
	return nil
}

func (c *Channel) process(ctx context.Context, dispatch channels.DispatchFunc, mc MessageContext) {
	logger := c.bot.logger.With().Int64("chat_id", mc.ChatID).Int("message_id", mc.MessageID).Logger()

	if err := c.bot.SendTyping(mc.ChatID); err != nil {
		logger.Debug().Err(err).Msg("Typing indicator failed")
	}

	out := dispatch(ctx, c.toMessage(mc))
	if !out.Accepted {
		logger.Debug().Msg("Duplicate message ignored")
		return
	}

	text := out.Text
	switch {
	case errors.Is(out.Err, moderation.ErrBlocked):
		text = blockedReply
	case out.Err != nil:
		logger.Error().Err(out.Err).Str("run_id", out.RunID).Msg("Run failed")
		text = failureReply
	}
	if text == "" {
		return
	}
	if err := c.handler.SendResponse(mc, text); err != nil {
		logger.Error().Err(err).Msg("Failed to send reply")
	}
}

func (c *Channel) toMessage(mc MessageContext) channels.InboundMessage {
	return channels.InboundMessage{
		Channel:   ChannelName,
		SessionID: strconv.FormatInt(mc.ChatID, 10),
		Sender:    strconv.FormatInt(mc.UserID, 10),
		MessageID: strconv.Itoa(mc.MessageID),
		Content:   mc.Text,
		SentAt:    mc.Timestamp,
		Agent:     c.agent,
		Metadata: map[string]string{
			"username": mc.Username,
		},
	}
}
