package logsink_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/logsink"
)

func TestSlogSink_AppendWritesOneLine(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	sink := logsink.NewSlog(slog.New(slog.NewJSONHandler(&buf, nil)))

	rec := domain.LogRecord{
		ID:          "log-1",
		TS:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		BackendName: "cli-primary",
		SessionID:   "sess-1",
		DurationMS:  1500,
		CostUSD:     0.02,
		Degraded:    true,
	}
	require.NoError(t, sink.Append(context.Background(), rec))
	require.NoError(t, sink.Close(context.Background()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "request log", line["msg"])
	assert.Equal(t, "cli-primary", line["backend"])
	assert.Equal(t, true, line["degraded"])
	assert.EqualValues(t, 1500, line["duration_ms"])
}

func TestSlogSink_NilLoggerUsesDefault(t *testing.T) {
	t.Parallel()
	sink := logsink.NewSlog(nil)
	assert.NoError(t, sink.Append(context.Background(), domain.LogRecord{ID: "x"}))
}
