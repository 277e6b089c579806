package domain

import (
	"context"
	"time"
)

// Message roles accepted on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// ChatRequest is a validated chat-completion request.
// Invariants: Messages non-empty with at least one user message;
// Temperature in [0,2]; path-like fields free of traversal segments.
type ChatRequest struct {
	Model            string    `json:"model,omitempty"`
	Messages         []Message `json:"messages" validate:"required,min=1,dive"`
	Temperature      *float64  `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens        *int      `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	Stream           bool      `json:"stream,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	Backend          string    `json:"backend,omitempty"`
	Tools            []string  `json:"tools,omitempty" validate:"max=50"`
	AllowedTools     []string  `json:"allowed_tools,omitempty" validate:"max=50"`
	DisallowedTools  []string  `json:"disallowed_tools,omitempty" validate:"max=50"`
	ContextFiles     []string  `json:"context_files,omitempty" validate:"max=100"`
	AddDirs          []string  `json:"add_dirs,omitempty" validate:"max=20"`
	MCPConfig        []string  `json:"mcp_config,omitempty" validate:"max=20"`
	Betas            []string  `json:"betas,omitempty" validate:"max=10"`
	WorkingDirectory string    `json:"working_directory,omitempty"`
	PermissionMode   string    `json:"permission_mode,omitempty"`
	MaxBudgetUSD     *float64  `json:"max_budget_usd,omitempty" validate:"omitempty,gt=0"`

	// CredentialDir is set by the gateway after credential allocation and
	// consumed by the local adapter. Never accepted from the wire.
	CredentialDir string `json:"-"`
}

// ToolsRequired reports whether the request needs a tool-capable backend.
func (r ChatRequest) ToolsRequired() bool {
	return len(r.Tools) > 0 || len(r.AllowedTools) > 0 || r.WorkingDirectory != "" || len(r.ContextFiles) > 0
}

// TotalChars sums message content lengths; used by the chars/4 estimator.
func (r ChatRequest) TotalChars() int {
	n := 0
	for _, m := range r.Messages {
		n += len(m.Content)
	}
	return n
}

// Usage is the OpenAI-shaped token usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatResponse is the common response shape mapped from every backend.
type ChatResponse struct {
	ID        string   `json:"id"`
	Object    string   `json:"object"`
	Created   int64    `json:"created"`
	Model     string   `json:"model"`
	Choices   []Choice `json:"choices"`
	Usage     Usage    `json:"usage"`
	SessionID string   `json:"session_id,omitempty"`
	Degraded  bool     `json:"degraded,omitempty"`

	// CLI carries the local backend's structured output for usage
	// accounting. Not serialized to clients.
	CLI *CLIOutput `json:"-"`
}

// Content returns the first choice's content, or empty.
func (r ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// BackendKind discriminates the two adapter variants.
type BackendKind string

const (
	KindLocal  BackendKind = "local"
	KindRemote BackendKind = "remote"
)

// BackendConfig is the immutable descriptor an adapter is built from.
type BackendConfig struct {
	Name          string      `yaml:"name"`
	Kind          BackendKind `yaml:"kind"`
	CostPerUnit   float64     `yaml:"cost_per_unit"`
	SupportsTools bool        `yaml:"supports_tools"`

	// local
	Command       string        `yaml:"command"`
	ConfigDir     string        `yaml:"config_dir"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	QueueDepth    int           `yaml:"queue_depth"`
	Timeout       time.Duration `yaml:"timeout"`

	// remote
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	CredentialEnv string `yaml:"credential_env_name"`
	ProviderTag   string `yaml:"provider_tag"`
}

// SubscriptionStatus tracks how loaded a credential is.
type SubscriptionStatus string

const (
	StatusAvailable   SubscriptionStatus = "available"
	StatusApproaching SubscriptionStatus = "approaching"
	StatusLimited     SubscriptionStatus = "limited"
	StatusCooldown    SubscriptionStatus = "cooldown"
)

// Subscription is a billable local-backend credential.
// Invariants: len(AssignedClients) <= MaxClients; WeeklyBudget > 0;
// BlockStart <= now < BlockEnd whenever CurrentBlockID is set.
type Subscription struct {
	ID               string             `json:"id"`
	Email            string             `json:"email"`
	Type             string             `json:"type"`
	ConfigDir        string             `json:"config_dir"`
	WeeklyBudget     float64            `json:"weekly_budget"`
	WeeklyUsed       float64            `json:"weekly_used"`
	CurrentBlockID   string             `json:"current_block_id,omitempty"`
	CurrentBlockCost float64            `json:"current_block_cost"`
	BlockStart       *time.Time         `json:"block_start,omitempty"`
	BlockEnd         *time.Time         `json:"block_end,omitempty"`
	AssignedClients  []string           `json:"assigned_clients"`
	MaxClients       int                `json:"max_clients"`
	HealthScore      float64            `json:"health_score"`
	Status           SubscriptionStatus `json:"status"`
	BurnRate         float64            `json:"burn_rate_usd_per_hour"`
	TokensPerMinute  float64            `json:"tokens_per_minute"`
	LastUsageUpdate  time.Time          `json:"last_usage_update_ts"`
	LastRequest      time.Time          `json:"last_request_ts"`
	CreatedAt        time.Time          `json:"created_at"`
}

// HasClient reports whether clientID is in the assigned set.
func (s Subscription) HasClient(clientID string) bool {
	for _, c := range s.AssignedClients {
		if c == clientID {
			return true
		}
	}
	return false
}

// SessionStatus is the lifecycle state of a client session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionIdle   SessionStatus = "idle"
	SessionStale  SessionStatus = "stale"
)

// ClientSession binds one caller identity to one credential.
type ClientSession struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscription_id"`
	AllocatedAt    time.Time     `json:"allocated_at"`
	LastActivity   time.Time     `json:"last_activity"`
	Status         SessionStatus `json:"status"`
	SessionCost    float64       `json:"session_cost"`
	SessionTokens  int64         `json:"session_tokens"`
	RequestCount   int64         `json:"request_count"`
	ClientIP       string        `json:"client_ip,omitempty"`
	UserAgent      string        `json:"user_agent,omitempty"`
}

// UsageRecord is one immutable accounting entry.
type UsageRecord struct {
	SubscriptionID      string    `json:"subscription_id"`
	Timestamp           time.Time `json:"timestamp"`
	BlockID             string    `json:"block_id"`
	CostUSD             float64   `json:"cost_usd"`
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	TotalTokens         int64     `json:"total_tokens"`
	SessionID           string    `json:"session_id,omitempty"`
	DurationMS          int64     `json:"duration_ms,omitempty"`
	RequestUUID         string    `json:"request_uuid,omitempty"`
}

// LogRecord is one entry in the durable request log.
type LogRecord struct {
	ID             string    `json:"id"`
	TS             time.Time `json:"ts"`
	BackendName    string    `json:"backend_name"`
	SessionID      string    `json:"session_id,omitempty"`
	DurationMS     int64     `json:"duration_ms"`
	CostUSD        float64   `json:"cost_usd"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	Degraded       bool      `json:"degraded"`
	Error          string    `json:"error,omitempty"`
	RequestSummary string    `json:"request_summary"`
}

// CLIUsage is the token accounting block emitted by the local assistant.
type CLIUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
}

// CLIOutput is the structured record the local assistant prints on exit.
type CLIOutput struct {
	Result       string              `json:"result"`
	SessionID    string              `json:"session_id"`
	DurationMS   int64               `json:"duration_ms"`
	TotalCostUSD float64             `json:"total_cost_usd"`
	Usage        CLIUsage            `json:"usage"`
	UUID         string              `json:"uuid"`
	IsError      bool                `json:"is_error"`
	ModelUsage   map[string]CLIUsage `json:"modelUsage,omitempty"`
}

// TotalTokens sums all four token classes.
func (u CLIUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// Context is an alias so domain signatures stay decoupled from std context;
// adapters and services pass context.Context through.
type Context = context.Context
