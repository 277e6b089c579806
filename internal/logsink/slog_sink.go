package logsink

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
)

// SlogSink writes each record as one structured log line. The default
// driver; always succeeds.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlog(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Append(_ context.Context, rec domain.LogRecord) error {
	s.logger.Info("request log",
		slog.String("id", rec.ID),
		slog.Time("ts", rec.TS),
		slog.String("backend", rec.BackendName),
		slog.String("session_id", rec.SessionID),
		slog.Int64("duration_ms", rec.DurationMS),
		slog.Float64("cost_usd", rec.CostUSD),
		slog.Int64("input_tokens", rec.InputTokens),
		slog.Int64("output_tokens", rec.OutputTokens),
		slog.Bool("degraded", rec.Degraded),
		slog.String("error", rec.Error),
		slog.String("summary", rec.RequestSummary),
	)
	return nil
}

func (s *SlogSink) Close(_ context.Context) error { return nil }
