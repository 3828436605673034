package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/telegram"
	"github.com/harun/parley/pkg/channels"
	"github.com/harun/parley/pkg/cron"
	"github.com/harun/parley/pkg/gateway"
)

// DirectChannelName is the channel programmatic and CLI events arrive on.
const DirectChannelName = "cli"

// initializeChannels registers every configured ingress channel. All of
// them dispatch into the engine.
func (d *Daemon) initializeChannels() error {
	cfg := d.config
	d.channelRegistry = channels.NewRegistry(d.engine.Handle)

	d.direct = channels.NewDirectChannel(DirectChannelName)
	if err := d.channelRegistry.Register(d.direct); err != nil {
		return err
	}

	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Host:              cfg.Gateway.Host,
			Port:              cfg.Gateway.Port,
			SharedSecret:      cfg.Gateway.SharedSecret,
			Agent:             cfg.Gateway.Agent,
			TickInterval:      cfg.Gateway.TickInterval,
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			MaxConcurrent:     cfg.Gateway.MaxConcurrent,
			Metrics:           d.metrics,
			Logger:            d.logger.Zerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		if err := d.channelRegistry.Register(server); err != nil {
			return err
		}
		d.gatewayServer = server
		d.log.Info().Str("host", cfg.Gateway.Host).Int("port", cfg.Gateway.Port).Msg("Gateway server initialized")
	}

	if cfg.Telegram.Enabled {
		bot := d.opts.telegramBot
		if bot == nil {
			var err error
			bot, err = telegram.New(cfg.Telegram, d.logger.Zerolog())
			if err != nil {
				return fmt.Errorf("failed to create telegram bot: %w", err)
			}
		}
		if err := d.channelRegistry.Register(telegram.NewChannel(bot, cfg.Telegram.Agent)); err != nil {
			return err
		}
		d.telegramBot = bot
		d.log.Info().Str("username", bot.Username()).Msg("Telegram channel initialized")
	}

	if len(cfg.Schedules) > 0 {
		loc := time.Local
		if cfg.Tools.Timezone != "" {
			var err error
			if loc, err = time.LoadLocation(cfg.Tools.Timezone); err != nil {
				return fmt.Errorf("invalid timezone: %w", err)
			}
		}
		zl := d.logger.Zerolog()
		scheduler, err := cron.NewScheduler(scheduleJobs(cfg.Schedules), cron.Options{Location: loc, Logger: &zl})
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		if err := d.channelRegistry.Register(scheduler); err != nil {
			return err
		}
		d.scheduler = scheduler
		d.log.Info().Int("jobs", len(cfg.Schedules)).Msg("Scheduler initialized")
	}
	return nil
}

func scheduleJobs(schedules []config.ScheduleConfig) []cron.Job {
	jobs := make([]cron.Job, 0, len(schedules))
	for _, sc := range schedules {
		jobs = append(jobs, cron.Job{
			ID:        sc.ID,
			Spec:      sc.Spec,
			Timezone:  sc.Timezone,
			Agent:     sc.Agent,
			SessionID: sc.Session,
			Message:   sc.Message,
		})
	}
	return jobs
}

// Ask submits content to agent through the direct channel, as one event of
// session. An empty agent uses the default. The error is Outcome.Err; a
// stopped daemon yields channels.ErrChannelStopped.
func (d *Daemon) Ask(ctx context.Context, agentName, session, content string) (channels.Outcome, error) {
	out := d.direct.Submit(ctx, channels.InboundMessage{
		SessionID: session,
		Sender:    DirectChannelName,
		Content:   content,
		Agent:     agentName,
	})
	return out, out.Err
}
