package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("info", "json", &buf)

	l.Debug().Msg("hidden")
	l.Info().Str("queue", "timesheet-sync").Int("attempt", 2).Msg("job started")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "job started", line["message"])
	assert.Equal(t, "timesheet-sync", line["queue"])
	assert.EqualValues(t, 2, line["attempt"])
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error().Msg("dropped")
}
