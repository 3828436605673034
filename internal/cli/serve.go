package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/daemon"
	"github.com/harun/parley/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the Parley daemon in the foreground",
	Long: `Run the Parley daemon in the foreground until SIGINT or SIGTERM.
The daemon serves the gateway and Telegram channels when they are enabled
and reloads queue, loop and agent settings when the config file changes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loadWith(loader)
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFile(cfg.DataDir)
	if pid, ok := runningPID(pidFile); ok {
		return fmt.Errorf("daemon is already running (pid %d, PID file: %s)", pid, pidFile)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemonOptions...)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	if err := loader.Watch(d.ApplyConfig); err != nil {
		log.Component("cli").Debug().Err(err).Msg("Config hot reload disabled")
	}

	d.Wait()
	return nil
}

// runningPID reports the pid recorded in pidFile when that process is alive.
func runningPID(pidFile string) (int, bool) {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return 0, false
	}
	return pid, daemon.ProcessAlive(pid)
}
