package logs

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	prev := GetLevel()
	defer SetLevel(prev)

	SetLevel(LevelWarning)
	Info("hidden %d", 1)
	Warn("shown %d", 2)
	Error("shown %d", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "shown 3")
	assert.Contains(t, out, "log_test.go")
}

func TestSetLevelClamps(t *testing.T) {
	prev := GetLevel()
	defer SetLevel(prev)

	SetLevel(-5)
	assert.Equal(t, LevelTrace, GetLevel())
	SetLevel(99)
	assert.Equal(t, LevelError, GetLevel())
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]int{
		"trace": LevelTrace, "DEBUG": LevelDebug, " info ": LevelInfo,
		"": LevelInfo, "warning": LevelWarning, "error": LevelError,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
