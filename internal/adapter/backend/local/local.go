// Package local implements the command-line assistant adapter. Each
// execution spawns the assistant binary as a child process under the
// adapter's pool; scalar options travel as flags and structured payloads
// on stdin, after sanitization.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/observability"
	"github.com/fairyhunter13/llm-gateway/internal/pool"
	"github.com/fairyhunter13/llm-gateway/pkg/tokenest"
)

const (
	defaultExecTimeout = 120 * time.Second

	// killGrace bounds how long Run may linger after the group kill while
	// the pipes drain.
	killGrace = 2 * time.Second
)

// Adapter fronts the local assistant binary. It owns the pool that bounds
// concurrent child processes.
type Adapter struct {
	cfg  domain.BackendConfig
	pool *pool.Pool
}

// New constructs a local adapter and its pool from the descriptor.
func New(cfg domain.BackendConfig) *Adapter {
	if cfg.Command == "" {
		cfg.Command = "assistant"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExecTimeout
	}
	return &Adapter{
		cfg: cfg,
		pool: pool.New(pool.Config{
			MaxConcurrent: cfg.MaxConcurrent,
			QueueDepth:    cfg.QueueDepth,
		}),
	}
}

func (a *Adapter) Name() string                 { return a.cfg.Name }
func (a *Adapter) Kind() domain.BackendKind     { return domain.KindLocal }
func (a *Adapter) SupportsTools() bool          { return a.cfg.SupportsTools }
func (a *Adapter) Config() domain.BackendConfig { return a.cfg }
func (a *Adapter) Pool() *pool.Pool             { return a.pool }

// EstimateCost is cost_per_unit * ceil(total_chars/4) / 1000.
func (a *Adapter) EstimateCost(req domain.ChatRequest) float64 {
	return tokenest.Cost(a.cfg.CostPerUnit, req.TotalChars())
}

// IsAvailable reports whether the assistant binary is resolvable and the
// configuration directory exists.
func (a *Adapter) IsAvailable(_ context.Context) bool {
	if _, err := exec.LookPath(a.cfg.Command); err != nil {
		return false
	}
	if a.cfg.ConfigDir != "" {
		if st, err := os.Stat(a.cfg.ConfigDir); err != nil || !st.IsDir() {
			return false
		}
	}
	return true
}

// stdinPayload carries the structured arguments the child reads from stdin.
// Flags stay scalar; anything list-shaped or free-form goes here.
type stdinPayload struct {
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	ContextFiles []string `json:"context_files,omitempty"`
	AddDirs      []string `json:"add_dirs,omitempty"`
	MCPConfig    []string `json:"mcp_config,omitempty"`
	Betas        []string `json:"betas,omitempty"`
}

// Execute runs the request through the pool: spawn the child, feed stdin,
// enforce the wall-clock deadline, and parse the final stdout record.
func (a *Adapter) Execute(ctx context.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	prompt := lastUserContent(req.Messages)
	if strings.TrimSpace(prompt) == "" {
		return domain.ChatResponse{}, fmt.Errorf("op=local.execute backend=%s: empty query: %w", a.cfg.Name, domain.ErrInvalidArgument)
	}

	payload := stdinPayload{
		Prompt:       prompt,
		SystemPrompt: systemContent(req.Messages),
		ContextFiles: req.ContextFiles,
		AddDirs:      req.AddDirs,
		MCPConfig:    req.MCPConfig,
		Betas:        req.Betas,
	}
	stdin, err := encodePayload(payload)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=local.execute backend=%s: %w", a.cfg.Name, err)
	}
	if err := checkStdinPayload(stdin); err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=local.execute backend=%s: %w", a.cfg.Name, err)
	}

	resp, err := a.pool.Do(ctx, func(taskCtx context.Context) (domain.ChatResponse, error) {
		return a.spawn(taskCtx, req, stdin)
	})
	st := a.pool.Stats()
	observability.PoolActive.WithLabelValues(a.cfg.Name).Set(float64(st.Active))
	observability.PoolQueued.WithLabelValues(a.cfg.Name).Set(float64(st.Queued))
	if errors.Is(err, domain.ErrQueueFull) || errors.Is(err, domain.ErrQueueTimeout) {
		observability.PoolRejectedTotal.WithLabelValues(a.cfg.Name, rejectReason(err)).Inc()
	}
	return resp, err
}

func rejectReason(err error) string {
	if errors.Is(err, domain.ErrQueueTimeout) {
		return "queue_timeout"
	}
	return "queue_full"
}

// args builds the child's flag list from the request and descriptor.
// config_dir prefers the allocated credential's directory over the
// descriptor default so one binary serves many subscriptions.
func (a *Adapter) args(req domain.ChatRequest) []string {
	args := []string{"--output-format", "json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", req.PermissionMode)
	}
	if req.WorkingDirectory != "" {
		args = append(args, "--cwd", req.WorkingDirectory)
	}
	configDir := req.CredentialDir
	if configDir == "" {
		configDir = a.cfg.ConfigDir
	}
	if configDir != "" {
		args = append(args, "--config-dir", configDir)
	}
	if req.MaxBudgetUSD != nil {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(*req.MaxBudgetUSD, 'f', -1, 64))
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(req.AllowedTools, ","))
	} else if len(req.Tools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(req.Tools, ","))
	}
	if len(req.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(req.DisallowedTools, ","))
	}
	return args
}

func (a *Adapter) spawn(ctx context.Context, req domain.ChatRequest, stdin []byte) (domain.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, a.cfg.Command, a.args(req)...)
	// The assistant forks tool subprocesses that inherit the output pipes;
	// killing only the direct child would leave Run blocked on them. Run
	// the child in its own process group and kill the whole group on
	// deadline.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killGrace
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.WorkingDirectory != "" {
		cmd.Dir = req.WorkingDirectory
	}

	err := cmd.Run()
	observability.BackendRequestsTotal.WithLabelValues(a.cfg.Name, "execute").Inc()
	observability.BackendRequestDuration.WithLabelValues(a.cfg.Name).Observe(time.Since(start).Seconds())
	if ctx.Err() == context.DeadlineExceeded {
		return domain.ChatResponse{}, fmt.Errorf("op=local.execute backend=%s deadline: %w", a.cfg.Name, domain.ErrTimeout)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return domain.ChatResponse{}, fmt.Errorf("op=local.execute backend=%s: %s: %w", a.cfg.Name, msg, domain.ErrUpstream)
	}

	return a.mapOutput(req, stdout.Bytes(), time.Since(start))
}

// mapOutput parses the child's final stdout record. A non-JSON stdout is
// treated as the assistant's reply with zero usage.
func (a *Adapter) mapOutput(req domain.ChatRequest, raw []byte, elapsed time.Duration) (domain.ChatResponse, error) {
	var out domain.CLIOutput
	if err := json.Unmarshal(bytes.TrimSpace(raw), &out); err != nil {
		out = domain.CLIOutput{
			Result:     string(bytes.TrimSpace(raw)),
			SessionID:  req.SessionID,
			DurationMS: elapsed.Milliseconds(),
		}
	}
	if out.IsError {
		return domain.ChatResponse{}, fmt.Errorf("op=local.execute backend=%s: assistant error: %s: %w", a.cfg.Name, out.Result, domain.ErrUpstream)
	}

	id := out.UUID
	if id == "" {
		id = uuid.NewString()
	}
	return domain.ChatResponse{
		ID:        "chatcmpl-" + id,
		Object:    "chat.completion",
		Created:   time.Now().Unix(),
		Model:     req.Model,
		SessionID: out.SessionID,
		Choices: []domain.Choice{{
			Index:        0,
			Message:      domain.Message{Role: domain.RoleAssistant, Content: out.Result},
			FinishReason: "stop",
		}},
		Usage: domain.Usage{
			PromptTokens:     int(out.Usage.InputTokens + out.Usage.CacheCreationTokens + out.Usage.CacheReadTokens),
			CompletionTokens: int(out.Usage.OutputTokens),
			TotalTokens:      int(out.Usage.TotalTokens()),
		},
		CLI: &out,
	}, nil
}

// encodePayload marshals without HTML escaping so the metacharacter scan
// sees the same bytes the child will.
func encodePayload(p stdinPayload) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

func lastUserContent(msgs []domain.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func systemContent(msgs []domain.Message) string {
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			return m.Content
		}
	}
	return ""
}
