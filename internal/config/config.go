// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from switchboard.yaml.
type Config struct {
	Discord       DiscordConfig   `yaml:"discord"`
	Slack         SlackConfig     `yaml:"slack"`
	GitHub        GitHubConfig    `yaml:"github"`
	Storage       StorageConfig   `yaml:"storage"`
	KnowledgeBase DatabaseConfig  `yaml:"knowledge_base"`
	Intervals     IntervalsConfig `yaml:"intervals"`
	HTTP          HTTPConfig      `yaml:"http"`
	ContactDomain string          `yaml:"contact_domain"`
}

// DiscordConfig holds the chat front-end credentials and the static list of
// team members. Anyone not listed is treated as a requester.
type DiscordConfig struct {
	BotToken    string   `yaml:"bot_token"`
	TeamMembers []string `yaml:"team_members"`
}

// SlackConfig holds the team channel credentials.
type SlackConfig struct {
	BotToken      string `yaml:"bot_token"`
	AppToken      string `yaml:"app_token"` // optional; enables Socket Mode
	SigningSecret string `yaml:"signing_secret"`
	Channel       string `yaml:"channel"`
}

// GitHubConfig points the ticketing backend at an issues repository.
type GitHubConfig struct {
	Token   string   `yaml:"token"`
	Owner   string   `yaml:"owner"`
	Repo    string   `yaml:"repo"`
	BaseURL string   `yaml:"base_url"` // GitHub Enterprise API root
	Labels  []string `yaml:"labels"`   // added to every ticket
}

// StorageConfig selects where the session store is snapshotted.
type StorageConfig struct {
	Driver string `yaml:"driver"` // file, sqlite, mysql
	Path   string `yaml:"path"`   // directory for file, database file for sqlite
	DSN    string `yaml:"dsn"`    // mysql only
}

// DatabaseConfig is a gorm connection for the knowledge base. An empty
// driver disables the knowledge base.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// IntervalsConfig tunes the background loops.
type IntervalsConfig struct {
	FlushSec          int    `yaml:"flush_sec"`
	ReactionPollSec   int    `yaml:"reaction_poll_sec"`
	SweepCron         string `yaml:"sweep_cron"`
	BackendTimeoutSec int    `yaml:"backend_timeout_sec"`
}

// HTTPConfig controls the interactivity/health listener. Empty Listen
// disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// FlushInterval returns the store flush period.
func (c IntervalsConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushSec) * time.Second
}

// ReactionPollInterval returns the reaction sweep period.
func (c IntervalsConfig) ReactionPollInterval() time.Duration {
	return time.Duration(c.ReactionPollSec) * time.Second
}

// BackendTimeout bounds every external call.
func (c IntervalsConfig) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSec) * time.Second
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. ${VAR} references
// are expanded from the environment before parsing so secrets can stay out
// of the file.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		switch c.Storage.Driver {
		case "file":
			c.Storage.Path = "state"
		case "sqlite":
			c.Storage.Path = "switchboard.db"
		}
	}
	if c.KnowledgeBase.Driver == "sqlite" && c.KnowledgeBase.Path == "" {
		c.KnowledgeBase.Path = "knowledge.db"
	}
	if c.Intervals.FlushSec == 0 {
		c.Intervals.FlushSec = 10
	}
	if c.Intervals.ReactionPollSec == 0 {
		c.Intervals.ReactionPollSec = 5
	}
	if c.Intervals.SweepCron == "" {
		c.Intervals.SweepCron = "0 * * * *"
	}
	if c.Intervals.BackendTimeoutSec == 0 {
		c.Intervals.BackendTimeoutSec = 15
	}
	if c.ContactDomain == "" {
		c.ContactDomain = "users.switchboard.invalid"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Discord.BotToken == "" {
		errs = append(errs, "discord.bot_token is required")
	}
	if c.Slack.BotToken == "" {
		errs = append(errs, "slack.bot_token is required")
	}
	if c.Slack.Channel == "" {
		errs = append(errs, "slack.channel is required")
	}
	if c.Slack.AppToken == "" && c.HTTP.Listen == "" {
		errs = append(errs, "slack.app_token or http.listen is required to receive acknowledgments")
	}
	if c.HTTP.Listen != "" && c.Slack.SigningSecret == "" {
		errs = append(errs, "slack.signing_secret is required when http.listen is set")
	}
	if c.GitHub.Token == "" {
		errs = append(errs, "github.token is required")
	}
	if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
		errs = append(errs, "github.owner and github.repo are required")
	}
	switch c.Storage.Driver {
	case "file", "sqlite":
	case "mysql":
		if c.Storage.DSN == "" {
			errs = append(errs, "storage.dsn is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not supported", c.Storage.Driver))
	}
	switch c.KnowledgeBase.Driver {
	case "", "sqlite":
	case "mysql":
		if c.KnowledgeBase.DSN == "" {
			errs = append(errs, "knowledge_base.dsn is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("knowledge_base.driver %q is not supported", c.KnowledgeBase.Driver))
	}
	if c.Intervals.FlushSec < 0 || c.Intervals.ReactionPollSec < 0 || c.Intervals.BackendTimeoutSec < 0 {
		errs = append(errs, "intervals must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
