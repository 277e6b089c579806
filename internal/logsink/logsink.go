// Package logsink persists the durable request log. Three drivers: slog
// (structured log lines), postgres (append-only table), and kafka
// (topic publish). Append failures never surface to the request path;
// the gateway logs and drops them.
package logsink

import (
	"context"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
)

// Sink appends request log records.
type Sink interface {
	Append(ctx context.Context, rec domain.LogRecord) error
	Close(ctx context.Context) error
}
