package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/parley/internal/daemon"
	"github.com/harun/parley/internal/logger"
	"github.com/harun/parley/pkg/agent"
)

var (
	askAgent   string
	askSession string
	askTimeout time.Duration
)

var askCmd = &cobra.Command{
	Use:   "ask <text>...",
	Short: "Send one message to an agent and print its reply",
	Long: `Send one message to an agent through an in-process daemon and print the reply.
The gateway and Telegram channels are not started, so ask works next to a
running daemon and shares its run store.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askAgent, "agent", "a", "", "agent to run (default is the configured default agent)")
	askCmd.Flags().StringVarP(&askSession, "session", "s", "cli", "session id used for run history and serialization")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 5*time.Minute, "give up after this long")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Gateway.Enabled = false
	cfg.Telegram.Enabled = false
	cfg.Tracing.Enabled = false
	if logLevel == "" {
		cfg.Logging.Level = "warn"
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	opts := append([]daemon.Option{daemon.WithoutPIDFile()}, daemonOptions...)
	d, err := daemon.New(cfg, log, opts...)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	defer d.Stop()

	ctx, cancel := context.WithTimeout(cmd.Context(), askTimeout)
	defer cancel()

	out, err := d.Ask(ctx, askAgent, askSession, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if !out.Accepted {
		return fmt.Errorf("message dropped as a duplicate")
	}

	fmt.Fprintln(cmd.OutOrStdout(), out.Text)
	if out.Status == agent.StatusCeilingReached {
		fmt.Fprintf(cmd.ErrOrStderr(), "run %s stopped at the iteration limit\n", out.RunID)
	}
	return nil
}
