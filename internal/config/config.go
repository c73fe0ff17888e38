package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"reviewline/internal/domain"
)

// Config models reviewline.yml.
type Config struct {
	Reviewers  []ReviewerConfig `yaml:"reviewers"`
	Allocation struct {
		// Interval between background allocation passes; empty disables it.
		Interval string `yaml:"interval"`
	} `yaml:"allocation"`
	Notify NotifyConfig `yaml:"notify"`
}

type ReviewerConfig struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Email    string   `yaml:"email"`
	Profiles []string `yaml:"profiles"`
	Quota    int      `yaml:"quota"`
}

type NotifyConfig struct {
	QueueSize int             `yaml:"queue_size"`
	SMTP      *SMTPConfig     `yaml:"smtp"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type WebhookConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        *bool  `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, rv := range c.Reviewers {
		if strings.TrimSpace(rv.ID) == "" {
			return fmt.Errorf("reviewers[%d].id is required", i)
		}
		if seen[rv.ID] {
			return fmt.Errorf("reviewer %s defined twice", rv.ID)
		}
		seen[rv.ID] = true
		if rv.Quota < 0 {
			return fmt.Errorf("reviewer %s quota must not be negative", rv.ID)
		}
		for _, p := range rv.Profiles {
			if _, err := domain.ParseProfile(p); err != nil {
				return fmt.Errorf("reviewer %s: %w", rv.ID, err)
			}
		}
	}
	if _, err := c.AllocationInterval(); err != nil {
		return err
	}
	if c.Notify.QueueSize < 0 {
		return fmt.Errorf("notify.queue_size must not be negative")
	}
	if s := c.Notify.SMTP; s != nil {
		if s.Host == "" {
			return fmt.Errorf("notify.smtp.host is required")
		}
		if s.From == "" {
			return fmt.Errorf("notify.smtp.from is required")
		}
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notify.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("notify.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// AllocationInterval parses allocation.interval; zero means disabled.
func (c *Config) AllocationInterval() (time.Duration, error) {
	raw := strings.TrimSpace(c.Allocation.Interval)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("allocation.interval: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("allocation.interval must not be negative")
	}
	return d, nil
}

// Roster converts the configured reviewers into domain reviewers.
func (c *Config) Roster() ([]domain.Reviewer, error) {
	res := make([]domain.Reviewer, 0, len(c.Reviewers))
	for _, rc := range c.Reviewers {
		rv := domain.Reviewer{ID: rc.ID, Name: rc.Name, Email: rc.Email, Quota: rc.Quota, Profiles: []domain.Profile{}}
		if rv.Name == "" {
			rv.Name = rc.ID
		}
		for _, raw := range rc.Profiles {
			p, err := domain.ParseProfile(raw)
			if err != nil {
				return nil, fmt.Errorf("reviewer %s: %w", rc.ID, err)
			}
			rv.Profiles = append(rv.Profiles, p)
		}
		res = append(res, rv)
	}
	return res, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reviewline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `# Reviewers are upserted into the database on "rl roster import".
# Quota is the number of submissions a reviewer may ever be handed.
reviewers: []
#  - id: alice
#    name: Alice
#    email: alice@example.com
#    profiles: [backend, fullstack]
#    quota: 10

allocation:
  # Background batch allocation while serving; empty disables it.
  interval: ""

notify:
  queue_size: 256
  # smtp:
  #   host: smtp.example.com
  #   port: 465
  #   username: reviewline
  #   password: secret
  #   from: reviews@example.com
  webhooks: []
`
