package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
)

// CredentialDescriptor seeds one local-backend subscription.
type CredentialDescriptor struct {
	ID           string  `yaml:"id"`
	Email        string  `yaml:"email"`
	Type         string  `yaml:"type"`
	ConfigDir    string  `yaml:"config_dir"`
	WeeklyBudget float64 `yaml:"weekly_budget"`
	MaxClients   int     `yaml:"max_clients"`
}

// ChannelDescriptor configures one notification delivery channel.
type ChannelDescriptor struct {
	Type string `yaml:"type"` // "log", "webhook", or "external_error_sink"
	URL  string `yaml:"url,omitempty"`
}

// NotificationRule describes one notification trigger. Type defaults to
// usage_threshold, which fires when a subscription crosses Threshold of
// its weekly budget; failover and rotation rules fire on their events.
type NotificationRule struct {
	Name      string              `yaml:"name"`
	Type      string              `yaml:"type,omitempty"`
	Threshold float64             `yaml:"threshold,omitempty"`
	Enabled   *bool               `yaml:"enabled,omitempty"`
	Channels  []ChannelDescriptor `yaml:"channels"`
}

// IsEnabled treats an absent enabled flag as on.
func (r NotificationRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RuleType returns the explicit type or the usage_threshold default.
func (r NotificationRule) RuleType() string {
	if r.Type == "" {
		return "usage_threshold"
	}
	return r.Type
}

// Descriptor is the YAML file describing backends, credentials, and
// notification rules. Environment config points at it via BACKENDS_FILE.
type Descriptor struct {
	Backends      []domain.BackendConfig `yaml:"backends"`
	Credentials   []CredentialDescriptor `yaml:"credentials"`
	Notifications []NotificationRule     `yaml:"notifications"`
}

// LoadDescriptor reads and validates the descriptor file.
func LoadDescriptor(path string) (Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("op=config.LoadDescriptor path=%s: %w", path, err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return Descriptor{}, fmt.Errorf("op=config.LoadDescriptor path=%s: %w", path, err)
	}
	if err := d.validate(); err != nil {
		return Descriptor{}, fmt.Errorf("op=config.LoadDescriptor path=%s: %w", path, err)
	}
	return d, nil
}

func (d Descriptor) validate() error {
	seen := map[string]bool{}
	for i, b := range d.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend[%d]: name required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("backend %q: duplicate name", b.Name)
		}
		seen[b.Name] = true
		switch b.Kind {
		case domain.KindLocal:
			if b.ConfigDir == "" {
				return fmt.Errorf("backend %q: config_dir required for local kind", b.Name)
			}
		case domain.KindRemote:
			if b.BaseURL == "" {
				return fmt.Errorf("backend %q: base_url required for remote kind", b.Name)
			}
			if b.Model == "" {
				return fmt.Errorf("backend %q: model required for remote kind", b.Name)
			}
		default:
			return fmt.Errorf("backend %q: unknown kind %q", b.Name, b.Kind)
		}
	}
	credSeen := map[string]bool{}
	for i, c := range d.Credentials {
		if c.ID == "" {
			return fmt.Errorf("credential[%d]: id required", i)
		}
		if credSeen[c.ID] {
			return fmt.Errorf("credential %q: duplicate id", c.ID)
		}
		credSeen[c.ID] = true
	}
	for _, n := range d.Notifications {
		switch n.RuleType() {
		case "usage_threshold":
			if n.Threshold <= 0 || n.Threshold > 1 {
				return fmt.Errorf("notification %q: threshold must be in (0,1]", n.Name)
			}
		case "failover", "rotation", "limit_reached":
		default:
			return fmt.Errorf("notification %q: unknown type %q", n.Name, n.Type)
		}
		for _, ch := range n.Channels {
			switch ch.Type {
			case "log", "external_error_sink":
			case "webhook":
				if ch.URL == "" {
					return fmt.Errorf("notification %q: webhook channel requires url", n.Name)
				}
			default:
				return fmt.Errorf("notification %q: unknown channel type %q", n.Name, ch.Type)
			}
		}
	}
	return nil
}
