package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskCommand(t *testing.T) {
	path, _ := writeConfig(t)
	useEchoModel(t)

	output, err := execute(t, "ask", "--config", path, "hello", "there")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello there\n", output)

	output, err = execute(t, "ask", "--config", path, "--agent", "critic", "--session", "review-1", "check this")
	require.NoError(t, err)
	assert.Contains(t, output, "echo: check this")

	t.Run("unknown agent", func(t *testing.T) {
		_, err := execute(t, "ask", "--config", path, "--agent", "ghost", "hi")
		assert.ErrorContains(t, err, "ghost")
	})

	t.Run("needs text", func(t *testing.T) {
		_, err := execute(t, "ask", "--config", path)
		assert.Error(t, err)
	})

	t.Run("runs are recorded", func(t *testing.T) {
		output, err := execute(t, "runs", "list", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, output, "AGENT")
		assert.Contains(t, output, "assistant")
		assert.Contains(t, output, "critic")

		output, err = execute(t, "runs", "list", "--config", path, "--session", "review-1")
		require.NoError(t, err)
		assert.Contains(t, output, "critic")
		assert.NotContains(t, output, "assistant")
	})
}
