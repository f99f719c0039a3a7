package logx

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/chative-companion/server/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	t.Run("Should honour the production level and write JSON", func(t *testing.T) {
		var buf bytes.Buffer
		Init(LoggerOpts{Environment: core.Production, Output: &buf})
		t.Cleanup(func() { Init() })

		Debug().Msg("hidden")
		Info().Str("user_id", "42").Msg("visible")

		lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
		require.Len(t, lines, 1)
		var entry map[string]any
		require.NoError(t, json.Unmarshal(lines[0], &entry))
		assert.Equal(t, "visible", entry["message"])
		assert.Equal(t, "42", entry["user_id"])
	})

	t.Run("Should log at info level in staging", func(t *testing.T) {
		var buf bytes.Buffer
		Init(LoggerOpts{Environment: core.Staging, Output: &buf})
		t.Cleanup(func() { Init() })

		Debug().Msg("hidden")
		Info().Msg("visible")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "visible")
	})

	t.Run("Should let an explicit level override the environment", func(t *testing.T) {
		var buf bytes.Buffer
		Init(LoggerOpts{Environment: core.Development, Level: "warn", Output: &buf})
		t.Cleanup(func() { Init() })

		Info().Msg("dropped")
		Warn().Msg("kept")
		child := With().Str("job_id", "j1").Logger()
		child.Warn().Msg("child")

		out := buf.String()
		assert.NotContains(t, out, "dropped")
		assert.Contains(t, out, "kept")
		assert.Contains(t, out, `"job_id":"j1"`)
	})
}
