// Package remote implements the HTTP-provider adapter. It wraps one
// OpenAI-compatible chat endpoint: a single POST per execution under a
// hard wall-clock deadline, no retries.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/observability"
	"github.com/fairyhunter13/llm-gateway/pkg/tokenest"
)

const (
	executeTimeout   = 60 * time.Second
	availableTimeout = 10 * time.Second
	bodySnippetMax   = 500
)

// Adapter fronts one remote provider endpoint.
type Adapter struct {
	cfg    domain.BackendConfig
	apiKey string
	hc     *http.Client
}

// New constructs a remote adapter. The API key is read once from the
// environment variable named in the descriptor and only ever sent in
// headers, never URL parameters.
func New(cfg domain.BackendConfig) *Adapter {
	return &Adapter{
		cfg:    cfg,
		apiKey: os.Getenv(cfg.CredentialEnv),
		hc:     &http.Client{},
	}
}

func (a *Adapter) Name() string                 { return a.cfg.Name }
func (a *Adapter) Kind() domain.BackendKind     { return domain.KindRemote }
func (a *Adapter) SupportsTools() bool          { return a.cfg.SupportsTools }
func (a *Adapter) Config() domain.BackendConfig { return a.cfg }

// EstimateCost is cost_per_unit * ceil(total_chars/4) / 1000.
func (a *Adapter) EstimateCost(req domain.ChatRequest) float64 {
	return tokenest.Cost(a.cfg.CostPerUnit, req.TotalChars())
}

// wireRequest is the provider-facing chat schema.
type wireRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Execute issues one POST to the provider's chat-completions endpoint
// under a 60-second deadline and maps the reply to the common shape.
func (a *Adapter) Execute(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, executeTimeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = a.cfg.Model
	}
	wr := wireRequest{
		Model:       a.cfg.Model,
		Messages:    a.mapMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	body, err := json.Marshal(wr)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=remote.execute backend=%s: %w", a.cfg.Name, err)
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=remote.execute backend=%s: %w", a.cfg.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.hc.Do(httpReq)
	observability.BackendRequestsTotal.WithLabelValues(a.cfg.Name, "execute").Inc()
	observability.BackendRequestDuration.WithLabelValues(a.cfg.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ChatResponse{}, fmt.Errorf("op=remote.execute backend=%s deadline: %w", a.cfg.Name, domain.ErrTimeout)
		}
		return domain.ChatResponse{}, fmt.Errorf("op=remote.execute backend=%s: %w: %v", a.cfg.Name, domain.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=remote.execute backend=%s read: %w", a.cfg.Name, domain.ErrUpstream)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := a.sanitize(string(raw))
		if len(snippet) > bodySnippetMax {
			snippet = snippet[:bodySnippetMax]
		}
		slog.Warn("remote provider non-2xx",
			slog.String("backend", a.cfg.Name),
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet))
		return domain.ChatResponse{}, fmt.Errorf("op=remote.execute backend=%s status=%d body=%s: %w", a.cfg.Name, resp.StatusCode, snippet, domain.ErrUpstream)
	}

	var out wireResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=remote.execute backend=%s decode: %w", a.cfg.Name, domain.ErrProtocol)
	}
	if len(out.Choices) == 0 {
		return domain.ChatResponse{}, fmt.Errorf("op=remote.execute backend=%s: empty choices: %w", a.cfg.Name, domain.ErrProtocol)
	}

	cr := domain.ChatResponse{
		ID:        out.ID,
		Object:    "chat.completion",
		Created:   time.Now().Unix(),
		Model:     model,
		SessionID: req.SessionID,
		Usage: domain.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}
	if cr.ID == "" {
		cr.ID = "chatcmpl-" + uuid.NewString()
	}
	for _, c := range out.Choices {
		role := c.Message.Role
		if role == "" {
			role = domain.RoleAssistant
		}
		fr := c.FinishReason
		if fr == "" {
			fr = "stop"
		}
		cr.Choices = append(cr.Choices, domain.Choice{
			Index:        c.Index,
			Message:      domain.Message{Role: role, Content: c.Message.Content},
			FinishReason: fr,
		})
	}
	if cr.Usage.TotalTokens == 0 {
		// Some providers omit usage; backfill an estimate so accounting
		// stays non-zero.
		prompt := 0
		for _, m := range req.Messages {
			prompt += tokenest.Count(m.Content)
		}
		completion := tokenest.Count(cr.Content())
		cr.Usage = domain.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
	}
	return cr, nil
}

// IsAvailable probes the provider's list-models endpoint. Only HTTP 200
// counts as healthy: a 400 means the call got through but the request was
// wrong, not that the provider is up for completions.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, availableTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/models", nil)
	if err != nil {
		return false
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	resp, err := a.hc.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// mapMessages applies provider-specific role remapping. Providers tagged
// "nosystem" lack a system role; a leading system message is merged into
// the first user message as a prefix.
func (a *Adapter) mapMessages(msgs []domain.Message) []domain.Message {
	if a.cfg.ProviderTag != "nosystem" || len(msgs) == 0 || msgs[0].Role != domain.RoleSystem {
		return msgs
	}
	sys := msgs[0].Content
	rest := msgs[1:]
	out := make([]domain.Message, 0, len(rest))
	merged := false
	for _, m := range rest {
		if !merged && m.Role == domain.RoleUser {
			m = domain.Message{Role: domain.RoleUser, Content: sys + "\n\n" + m.Content}
			merged = true
		}
		out = append(out, m)
	}
	if !merged {
		out = append([]domain.Message{{Role: domain.RoleUser, Content: sys}}, out...)
	}
	return out
}

// sanitize strips the provider credential from diagnostics.
func (a *Adapter) sanitize(s string) string {
	if a.apiKey == "" {
		return s
	}
	return strings.ReplaceAll(s, a.apiKey, "[redacted]")
}
