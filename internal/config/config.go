// Package config loads the core's tunables from a YAML file with a .env
// overlay, following the same load-and-warn pattern the wider codebase uses
// for its own configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"
)

// AgentConfig describes one specialist registered into the Agent Registry.
type AgentConfig struct {
	Name            string            `yaml:"name"`
	Description     string            `yaml:"description"`
	System          string            `yaml:"system"`
	Model           string            `yaml:"model"`
	ContextTokens   int               `yaml:"context_tokens"`
	AllowTools      []string          `yaml:"allow_tools"`
	DomainTags      []string          `yaml:"domain_tags"`
	Routes          []RouteConfig     `yaml:"routes"`
	ExtraParams     map[string]any    `yaml:"extra_params,omitempty"`
	ReasoningEffort string            `yaml:"reasoning_effort,omitempty"`
	ExtraHeaders    map[string]string `yaml:"extra_headers,omitempty"`
}

// RouteConfig is one keyword/regex/weight clause the Router uses to decide
// whether an agent should be included in a turn's participant list.
type RouteConfig struct {
	Contains string  `yaml:"contains,omitempty"`
	Regex    string  `yaml:"regex,omitempty"`
	Weight   float64 `yaml:"weight"`
}

// DatabaseConfig configures the Postgres-backed ChatStore. When DSN is
// empty, the in-memory ChatStore is used instead.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// KafkaConfig holds settings for a queue-based turn-ingress transport.
// cmd/groupchatd does not read it; it always runs a local REPL.
type KafkaConfig struct {
	Brokers      string `yaml:"brokers"`
	GroupID      string `yaml:"group_id"`
	RequestTopic string `yaml:"request_topic"`
	ReplyTopic   string `yaml:"reply_topic"`
}

// ObsConfig controls internal OpenTelemetry span emission (log/trace
// enrichment only — the externally consumed telemetry surface is the
// Activity Streamer, sized by CoreConfig.ActivityBuffer).
type ObsConfig struct {
	ServiceName string `yaml:"service_name"`
	OTLP        string `yaml:"otlp_endpoint"`
}

// CoreConfig holds the twelve tunables of the group chat core, named after
// their configuration-surface identifiers.
type CoreConfig struct {
	ModelContextTokens       int     `yaml:"model_context_tokens"`
	SafetyReserveTokens      int     `yaml:"safety_reserve_tokens"`
	ResponseReserveTokens    int     `yaml:"response_reserve_tokens"`
	PromptOverheadTokens     int     `yaml:"prompt_overhead_tokens"`
	MaxHistoryMessages       int     `yaml:"max_history_messages"`
	MaxIterations            int     `yaml:"max_iterations"`
	TurnTimeoutSeconds       int     `yaml:"turn_timeout_seconds"`
	RerouteIterations        int     `yaml:"reroute_iterations"`
	IncludeThreshold         float64 `yaml:"include_threshold"`
	ActivityBuffer           int     `yaml:"activity_buffer"`
	ToolRequestTimeoutSeconds int    `yaml:"tool_request_timeout_seconds"`
	ToolStreamTimeoutSeconds  int    `yaml:"tool_stream_timeout_seconds"`
}

// Config is the top-level, on-disk configuration for cmd/groupchatd.
type Config struct {
	LogPath  string `yaml:"log_path"`
	LogLevel string `yaml:"log_level"`

	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Obs      ObsConfig      `yaml:"obs"`
	Core     CoreConfig     `yaml:"core"`

	CoordinatorName string        `yaml:"coordinator_name"`
	Agents          []AgentConfig `yaml:"agents"`

	OpenAIAPIKey string `yaml:"openai_api_key,omitempty"`
	ChatModelURL string `yaml:"chat_model_url,omitempty"`
}

// TurnTimeout and ToolRequestTimeout/ToolStreamTimeout convert the
// second-granularity config fields to time.Duration for use by callers.
func (c CoreConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSeconds) * time.Second
}

func (c CoreConfig) ToolRequestTimeout() time.Duration {
	return time.Duration(c.ToolRequestTimeoutSeconds) * time.Second
}

func (c CoreConfig) ToolStreamTimeout() time.Duration {
	return time.Duration(c.ToolStreamTimeoutSeconds) * time.Second
}

func defaultCore() CoreConfig {
	return CoreConfig{
		ModelContextTokens:        128_000,
		SafetyReserveTokens:       2_000,
		ResponseReserveTokens:     4_000,
		PromptOverheadTokens:      500,
		MaxHistoryMessages:        40,
		MaxIterations:             8,
		TurnTimeoutSeconds:        120,
		RerouteIterations:         2,
		IncludeThreshold:          0.35,
		ActivityBuffer:            256,
		ToolRequestTimeoutSeconds: 30,
		ToolStreamTimeoutSeconds:  300,
	}
}

// Load reads .env (if present), then the YAML file at path, applying
// defaults and warning about insecure or missing values the way the wider
// codebase's config loader does.
func Load(path string) (*Config, error) {
	if err := godotenv.Overload(); err != nil && !os.IsNotExist(err) {
		pterm.Warning.Printf("failed to load .env: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		pterm.Error.Printf("error reading config file: %v\n", err)
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Config{Core: defaultCore()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		pterm.Error.Printf("error unmarshaling config: %v\n", err)
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}

	pterm.Success.Println("configuration loaded")
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	def := defaultCore()
	if cfg.Core.ModelContextTokens <= 0 {
		cfg.Core.ModelContextTokens = def.ModelContextTokens
		pterm.Info.Println("model_context_tokens not set, defaulting to 128000")
	}
	if cfg.Core.MaxIterations <= 0 {
		cfg.Core.MaxIterations = def.MaxIterations
		pterm.Info.Println("max_iterations not set, defaulting to 8")
	}
	if cfg.Core.TurnTimeoutSeconds <= 0 {
		cfg.Core.TurnTimeoutSeconds = def.TurnTimeoutSeconds
	}
	if cfg.Core.RerouteIterations <= 0 {
		cfg.Core.RerouteIterations = def.RerouteIterations
	}
	if cfg.Core.IncludeThreshold <= 0 {
		cfg.Core.IncludeThreshold = def.IncludeThreshold
	}
	if cfg.Core.ActivityBuffer <= 0 {
		cfg.Core.ActivityBuffer = def.ActivityBuffer
		pterm.Info.Println("activity_buffer not set, defaulting to 256")
	}
	if cfg.Core.ToolRequestTimeoutSeconds <= 0 {
		cfg.Core.ToolRequestTimeoutSeconds = def.ToolRequestTimeoutSeconds
	}
	if cfg.Core.ToolStreamTimeoutSeconds <= 0 {
		cfg.Core.ToolStreamTimeoutSeconds = def.ToolStreamTimeoutSeconds
	}
	if cfg.Core.MaxHistoryMessages <= 0 {
		cfg.Core.MaxHistoryMessages = def.MaxHistoryMessages
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.CoordinatorName) == "" && len(cfg.Agents) > 0 {
		cfg.CoordinatorName = cfg.Agents[0].Name
		pterm.Warning.Println("no coordinator_name set, defaulting to first configured agent")
	}
	if cfg.Obs.ServiceName == "" {
		cfg.Obs.ServiceName = "groupchatcore"
	}
}
