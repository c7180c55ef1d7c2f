package obslog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	return m
}

func TestMask(t *testing.T) {
	cases := map[string]string{
		"":            "***",
		"abcd":        "***",
		"ab":          "***",
		"0912345678":  "09***78",
		"abcdef":      "ab***ef",
		"۰۹۱۲۳۴۵۶۷۸۹": "۰۹***۸۹",
	}
	for in, want := range cases {
		assert.Equal(t, want, Mask(in), "input %q", in)
	}
}

func TestLogShape(t *testing.T) {
	var buf bytes.Buffer
	frozen := clock.MustFrozen(time.Date(2024, 7, 1, 8, 30, 0, 0, time.UTC))
	logger := New(&buf, Options{Service: "sabt-core", Clock: frozen})

	Named(logger, "exporter").Info("chunk written", "rows", 50)

	m := decodeLine(t, &buf)
	assert.Equal(t, "sabt-core", m["service"])
	assert.Equal(t, "exporter", m["logger"])
	assert.Equal(t, "chunk written", m["message"])
	assert.Equal(t, "INFO", m["level"])
	assert.Equal(t, float64(50), m["rows"])

	ts, ok := m["ts"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(ts, "2024-07-01T08:30:00"))
	_, hasTime := m["time"]
	assert.False(t, hasTime)
	_, hasMsg := m["msg"]
	assert.False(t, hasMsg)
}

func TestSensitiveKeysMasked(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Service: "sabt-core"})

	logger.Info("row normalized",
		"mobile", "09123456789",
		"national_id", "0012345678",
		"mentor_id", 150,
		"token", "abc",
		"group_code", "A1")

	m := decodeLine(t, &buf)
	assert.Equal(t, "09***89", m["mobile"])
	assert.Equal(t, "00***78", m["national_id"])
	assert.Equal(t, "***", m["mentor_id"])
	assert.Equal(t, "***", m["token"])
	assert.Equal(t, "A1", m["group_code"], "non-sensitive keys pass through")
}

func TestNonPrimitiveStringified(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{})

	type filters struct{ Year int }
	logger.Info("submitted", "filters", filters{Year: 1403}, "error", errors.New("disk full"))

	m := decodeLine(t, &buf)
	assert.Equal(t, "{1403}", m["filters"])
	assert.Equal(t, "disk full", m["error"])
}

func TestCorrelationIDFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{})

	ctx := WithCorrelation(context.Background(), "req-123")
	logger.InfoContext(ctx, "handled")

	m := decodeLine(t, &buf)
	assert.Equal(t, "req-123", m["correlation_id"])

	buf.Reset()
	logger.InfoContext(context.Background(), "no id")
	m = decodeLine(t, &buf)
	_, ok := m["correlation_id"]
	assert.False(t, ok)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Options{Level: slog.LevelWarn})

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	m := decodeLine(t, &buf)
	assert.Equal(t, "kept", m["message"])
}
