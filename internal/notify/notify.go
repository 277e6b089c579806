// Package notify dispatches operational notifications for credential
// usage, failover, and session rotation. Delivery is best effort: webhook
// failures are logged and swallowed, never retried or deduplicated.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/fairyhunter13/llm-gateway/internal/config"
	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/observability"
)

const webhookTimeout = 10 * time.Second

// Event is the payload delivered on every channel.
type Event struct {
	Type               string    `json:"type"`
	Rule               string    `json:"rule"`
	SubscriptionID     string    `json:"subscription_id,omitempty"`
	UsageRatio         float64   `json:"usage_ratio,omitempty"`
	Message            string    `json:"message"`
	PredictedExhausted string    `json:"predicted_exhaustion,omitempty"`
	At                 time.Time `json:"at"`
}

// Manager evaluates configured rules and fans events out to channels.
type Manager struct {
	rules []config.NotificationRule
	hc    *http.Client
}

func New(rules []config.NotificationRule) *Manager {
	return &Manager{rules: rules, hc: &http.Client{Timeout: webhookTimeout}}
}

// Check fires every enabled usage_threshold rule whose threshold the
// credential's weekly ratio has reached, and limit_reached rules once the
// credential's status is limited. Rules keep firing on every check while
// the condition holds.
func (m *Manager) Check(ctx context.Context, sub domain.Subscription) {
	ratio := sub.WeeklyUsed / sub.WeeklyBudget
	for _, rule := range m.rules {
		if !rule.IsEnabled() {
			continue
		}
		switch rule.RuleType() {
		case "usage_threshold":
			if ratio < rule.Threshold {
				continue
			}
			m.dispatch(ctx, rule, Event{
				Type:           "usage_threshold",
				Rule:           rule.Name,
				SubscriptionID: sub.ID,
				UsageRatio:     ratio,
				Message: fmt.Sprintf("subscription %s at %.0f%% of weekly budget (%.2f/%.2f USD)",
					sub.ID, 100*ratio, sub.WeeklyUsed, sub.WeeklyBudget),
				PredictedExhausted: PredictExhaustion(sub.WeeklyBudget-sub.WeeklyUsed, sub.BurnRate),
				At:                 time.Now().UTC(),
			})
		case "limit_reached":
			if sub.Status != domain.StatusLimited {
				continue
			}
			m.dispatch(ctx, rule, Event{
				Type:           "limit_reached",
				Rule:           rule.Name,
				SubscriptionID: sub.ID,
				UsageRatio:     ratio,
				Message:        fmt.Sprintf("subscription %s is limited (%.2f/%.2f USD weekly)", sub.ID, sub.WeeklyUsed, sub.WeeklyBudget),
				At:             time.Now().UTC(),
			})
		}
	}
}

// NotifyFailover fires enabled failover rules unconditionally.
func (m *Manager) NotifyFailover(ctx context.Context, reason string) {
	m.notifyEvent(ctx, "failover", fmt.Sprintf("allocation fell back to remote backend: %s", reason))
}

// NotifyRotation fires enabled rotation rules unconditionally.
func (m *Manager) NotifyRotation(ctx context.Context, clientID, from, to string) {
	m.notifyEvent(ctx, "rotation", fmt.Sprintf("session %s moved from %s to %s", clientID, from, to))
}

func (m *Manager) notifyEvent(ctx context.Context, ruleType, message string) {
	for _, rule := range m.rules {
		if !rule.IsEnabled() || rule.RuleType() != ruleType {
			continue
		}
		m.dispatch(ctx, rule, Event{
			Type:    ruleType,
			Rule:    rule.Name,
			Message: message,
			At:      time.Now().UTC(),
		})
	}
}

func (m *Manager) dispatch(ctx context.Context, rule config.NotificationRule, ev Event) {
	for _, ch := range rule.Channels {
		switch ch.Type {
		case "log":
			observability.LoggerFromContext(ctx).Info("notification",
				"rule", ev.Rule, "type", ev.Type,
				"subscription_id", ev.SubscriptionID, "message", ev.Message)
			observability.NotificationsSentTotal.WithLabelValues(rule.Name, "log").Inc()
		case "webhook":
			m.postWebhook(ctx, ch.URL, ev)
			observability.NotificationsSentTotal.WithLabelValues(rule.Name, "webhook").Inc()
		case "external_error_sink":
			// No dedicated sink is wired; the error log stands in for it.
			observability.LoggerFromContext(ctx).Error("notification",
				"rule", ev.Rule, "type", ev.Type,
				"subscription_id", ev.SubscriptionID, "message", ev.Message)
			observability.NotificationsSentTotal.WithLabelValues(rule.Name, "external_error_sink").Inc()
		}
	}
}

// postWebhook performs a single POST under the webhook deadline. Any
// failure is logged and dropped.
func (m *Manager) postWebhook(ctx context.Context, url string, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("webhook encode failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("webhook request failed", "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.hc.Do(req)
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("webhook post failed", "url", url, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		observability.LoggerFromContext(ctx).Warn("webhook rejected",
			"url", url, "status", resp.StatusCode)
	}
}

// PredictExhaustion renders remaining/burn as a human-readable horizon.
// A zero burn rate makes the estimate unknowable.
func PredictExhaustion(remainingBudget, burnRatePerHour float64) string {
	if burnRatePerHour <= 0 {
		return "unknown"
	}
	if remainingBudget <= 0 {
		return "exhausted"
	}
	hours := remainingBudget / burnRatePerHour
	switch {
	case hours < 1:
		return fmt.Sprintf("%d minutes", int(math.Round(hours*60)))
	case hours < 48:
		return fmt.Sprintf("%.1f hours", hours)
	default:
		return fmt.Sprintf("%.1f days", hours/24)
	}
}
