package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harun/parley/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create, check and print the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write the default configuration to the --config path, or to
$HOME/.parley/parley.json when no path is given.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and report every problem",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as JSON",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the configured agents",
	Args:  cobra.NoArgs,
	RunE:  runAgents,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(agentsCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.NewLoader(cfgFile).Path()
	if path == "" {
		return fmt.Errorf("cannot determine config path")
	}
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(starterConfig().String()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Edit backends and agents, then start Parley with: parley serve")
	return nil
}

// starterConfig is the default configuration plus one local backend and
// agent, enough to pass validation.
func starterConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Backends = []config.BackendConfig{
		{ID: "local", Provider: "ollama", Model: "llama3.2", Concurrency: 1},
	}
	cfg.Agents = []config.AgentConfig{
		{Name: "assistant", Backend: "local", Description: "General purpose assistant"},
	}
	cfg.DefaultAgent = "assistant"
	return cfg
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	for i := range cfg.AI.Profiles {
		if cfg.AI.Profiles[i].APIKey != "" {
			cfg.AI.Profiles[i].APIKey = "***"
		}
	}
	if cfg.Telegram.BotToken != "" {
		cfg.Telegram.BotToken = "***"
	}
	if cfg.Gateway.SharedSecret != "" {
		cfg.Gateway.SharedSecret = "***"
	}
	fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
	return nil
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tBACKEND\tCALLABLE\tDESCRIPTION")
	for _, a := range cfg.Agents {
		name := a.Name
		if name == cfg.DefaultAgent {
			name += " (default)"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", name, a.Backend, a.Callable, a.Description)
	}
	return w.Flush()
}
