package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{ServiceName: "tool-ledger", Level: zerolog.DebugLevel, Output: &buf})

	l.Info().Str("tool_id", "T1").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "tool-ledger", line["service"])
	assert.Equal(t, "T1", line["tool_id"])
	assert.Equal(t, "hello", line["message"])
}

func TestNew_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{ServiceName: "svc", Level: zerolog.WarnLevel, Output: &buf})

	l.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	l.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestWithRequestID_CarriesField(t *testing.T) {
	var buf bytes.Buffer
	base := New(Options{ServiceName: "svc", Output: &buf})

	ctx := WithRequestID(context.Background(), base, "req-42")
	l := FromContext(ctx, zerolog.Nop())
	l.Info().Msg("scoped")

	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
}

func TestFromContext_FallsBack(t *testing.T) {
	var buf bytes.Buffer
	fallback := New(Options{ServiceName: "svc", Output: &buf})

	l := FromContext(context.Background(), fallback)
	l.Info().Msg("fallback")

	assert.Contains(t, buf.String(), "fallback")
}
