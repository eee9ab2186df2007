package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_KeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("payment-gateway", &buf)

	l.Info("transaction confirmed", "transaction_id", "tx-1", "attempt", 2, "err", errors.New("boom"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "payment-gateway", lines[0]["service"])
	assert.Equal(t, "transaction confirmed", lines[0]["message"])
	assert.Equal(t, "tx-1", lines[0]["transaction_id"])
	assert.EqualValues(t, 2, lines[0]["attempt"])
	assert.Equal(t, "boom", lines[0]["err"])
}

func TestLogger_OddKeyvals(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("svc", &buf)

	l.Warn("dangling", "key")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "(MISSING)", lines[0]["key"])
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("svc", &buf)
	l.SetLevel("warn")

	l.Debug("hidden")
	l.Info("hidden")
	l.Error("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["level"])
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("svc", &buf).With("request_id", "r-1")

	l.Info("hello")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "r-1", lines[0]["request_id"])
}
