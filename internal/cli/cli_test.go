package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/harun/parley/internal/daemon"
	"github.com/harun/parley/pkg/agent"
)

// execute runs the root command with args after resetting every flag to its
// default, returning what the command printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := GetRootCmd()
	resetFlags(cmd)

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return output.String(), err
}

// resetFlags undoes values left behind by an earlier Execute, including
// --help, which cobra never clears.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// writeConfig writes a minimal config rooted in a temp dir and returns its
// path and the data directory.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")

	body := `{
  "data_dir": "` + dataDir + `",
  "backends": [{"id": "local", "provider": "ollama", "model": "llama3.2"}],
  "agents": [
    {"name": "assistant", "backend": "local"},
    {"name": "critic", "backend": "local", "description": "Reviews answers", "callable": true}
  ],
  "gateway": {"enabled": false},
  "tracing": {"enabled": false},
  "logging": {"level": "error", "console": false},
  "telegram": {"bot_token": "123456:secret-token"}
}`
	path := filepath.Join(dir, "parley.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path, dataDir
}

// useEchoModel makes in-process daemons answer with the last message.
func useEchoModel(t *testing.T) {
	t.Helper()
	daemonOptions = []daemon.Option{daemon.WithModelCaller(agent.ModelCallerFunc(
		func(ctx context.Context, backendID string, req agent.LLMRequest) (*agent.LLMResponse, error) {
			return &agent.LLMResponse{Content: "echo: " + req.Messages[len(req.Messages)-1].Content}, nil
		}))}
	t.Cleanup(func() { daemonOptions = nil })
}
