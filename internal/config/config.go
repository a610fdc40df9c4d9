// Package config loads the Night Watch configuration: a JSON5 file with
// environment-variable overlay for secrets. The project-registry section
// hot-reloads on file change.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Config is the full runtime configuration.
type Config struct {
	Slack     SlackConfig     `json:"slack"`
	Discord   DiscordConfig   `json:"discord"`
	Providers ProvidersConfig `json:"providers"`
	Database  DatabaseConfig  `json:"database"`
	Projects  []ProjectConfig `json:"projects"`
	Board     BoardConfig     `json:"board"`
	Proactive ProactiveConfig `json:"proactive"`
	Worker    WorkerConfig    `json:"worker"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// SlackConfig configures the primary transport.
type SlackConfig struct {
	Enabled     bool   `json:"enabled"`
	BotToken    string `json:"botToken"`
	AppToken    string `json:"appToken"`
	MainChannel string `json:"mainChannel"`
}

// DiscordConfig configures the secondary transport.
type DiscordConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	MainChannel string `json:"mainChannel"`
}

// ProvidersConfig holds workspace-default LLM credentials. Personas may
// carry their own keys in their model config.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

// ProviderConfig is one provider's credentials and endpoint.
type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// DatabaseConfig locates the sqlite file.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// ProjectConfig registers one watched project.
type ProjectConfig struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Channel string `json:"channel"`
	Repo    string `json:"repo"` // owner/repo
}

// BoardConfig configures the GitHub Projects board.
type BoardConfig struct {
	Enabled       bool   `json:"enabled"`
	Owner         string `json:"owner"`
	ProjectNumber int    `json:"projectNumber"`
	DefaultColumn string `json:"defaultColumn"`
}

// ProactiveConfig tunes the idle-channel loop.
type ProactiveConfig struct {
	Enabled  bool     `json:"enabled"`
	Cron     string   `json:"cron"`
	Channels []string `json:"channels"`
}

// WorkerConfig configures the nested run/review/qa/audit commands.
type WorkerConfig struct {
	ProviderCLI string `json:"providerCli"` // claude | codex
}

// TelemetryConfig configures the optional OTLP exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Protocol    string `json:"protocol"` // grpc | http
	ServiceName string `json:"serviceName"`
	Insecure    bool   `json:"insecure"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "~/.nightwatch/nightwatch.db"},
		Board:    BoardConfig{DefaultColumn: "Ready"},
		Proactive: ProactiveConfig{
			Enabled: true,
			Cron:    "* * * * *",
		},
		Worker: WorkerConfig{ProviderCLI: "claude"},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "nightwatch",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("NIGHTWATCH_SLACK_BOT_TOKEN", &c.Slack.BotToken)
	envStr("NIGHTWATCH_SLACK_APP_TOKEN", &c.Slack.AppToken)
	envStr("NIGHTWATCH_SLACK_MAIN_CHANNEL", &c.Slack.MainChannel)
	envStr("NIGHTWATCH_DISCORD_TOKEN", &c.Discord.Token)
	envStr("NIGHTWATCH_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("NIGHTWATCH_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("NIGHTWATCH_DB_PATH", &c.Database.Path)
	envStr("NIGHTWATCH_WORKER_CLI", &c.Worker.ProviderCLI)

	// Auto-enable transports when credentials arrive via env.
	if c.Slack.BotToken != "" && c.Slack.AppToken != "" {
		c.Slack.Enabled = true
	}
	if c.Discord.Token != "" {
		c.Discord.Enabled = true
	}

	envStr("NIGHTWATCH_BOARD_OWNER", &c.Board.Owner)
	if v := os.Getenv("NIGHTWATCH_BOARD_PROJECT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Board.ProjectNumber = n
			c.Board.Enabled = true
		}
	}

	envStr("NIGHTWATCH_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("NIGHTWATCH_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("NIGHTWATCH_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("NIGHTWATCH_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NIGHTWATCH_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Proactive channels from env (comma-separated).
	if v := os.Getenv("NIGHTWATCH_PROACTIVE_CHANNELS"); v != "" {
		c.Proactive.Channels = strings.Split(v, ",")
	}
}

// DatabasePath returns the expanded sqlite path.
func (c *Config) DatabasePath() string {
	return ExpandHome(c.Database.Path)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
