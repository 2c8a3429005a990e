package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Model     ModelConfig     `json:"model"`
	Session   SessionConfig   `json:"session"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Memory    MemoryConfig    `json:"memory"`
	Reference ReferenceConfig `json:"reference"`
	Database  DatabaseConfig  `json:"database"`
	Embedding EmbeddingConfig `json:"embedding"`
	Speech    SpeechConfig    `json:"speech"`
	MCP       MCPConfig       `json:"mcp"`
	Skills    SkillsConfig    `json:"skills"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// ModelConfig lists OpenAI-compatible endpoints tried in order.
type ModelConfig struct {
	Providers []ProviderConfig `json:"providers"`
	MaxTokens int              `json:"max_tokens"`
	Persona   string           `json:"persona"`
}

type ProviderConfig struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"` // "openai" (default) or "anthropic"
	Name     string   `json:"name"`
	Endpoint string   `json:"endpoint"`
	APIKey   string   `json:"api_key"`
	Model    string   `json:"model"`
	Timeout  Duration `json:"timeout"`
}

type SessionConfig struct {
	MaxTurns     int      `json:"max_turns"`
	IdleTimeout  Duration `json:"idle_timeout"`
	WriteRetries int      `json:"write_retries"`
	RetryBackoff Duration `json:"retry_backoff"`
}

// DispatchConfig holds per-target timeouts and concurrency overrides keyed
// by target name.
type DispatchConfig struct {
	Timeouts   map[string]Duration `json:"timeouts"`
	Concurrent map[string]bool     `json:"concurrent"`
}

type MemoryConfig struct {
	MaxItems       int               `json:"max_items"`
	MaxTokens      int               `json:"max_tokens"`
	ReadTimeout    Duration          `json:"read_timeout"`
	ConflictPolicy string            `json:"conflict_policy"` // permanent_first | contextual_first
	Categories     map[string]string `json:"categories"`      // extra category -> tier
	Engine         string            `json:"engine"`          // local | graph
}

// ReferenceConfig selects the reference store backend.
type ReferenceConfig struct {
	Backend string `json:"backend"` // sqlite | postgres
	Path    string `json:"path"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn"`
	Migrations string `json:"migrations"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// SpeechConfig describes the TTS command chain. Each command receives the
// text on stdin.
type SpeechConfig struct {
	Commands [][]string `json:"commands"`
	Timeout  Duration   `json:"timeout"`
	Mute     bool       `json:"mute"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers"`
}

type MCPServerConfig struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// SkillsConfig points at plugin skill directories, one skill per
// subdirectory.
type SkillsConfig struct {
	Dir string `json:"dir"`
}

// Duration is a time.Duration that unmarshals from "5s" style strings or
// from a number of milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", string(b))
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw JSON config with ${VAR:default} substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = 1024
	}
	if c.Session.MaxTurns <= 0 {
		c.Session.MaxTurns = 6
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = Duration(30 * time.Minute)
	}
	if c.Session.WriteRetries <= 0 {
		c.Session.WriteRetries = 3
	}
	if c.Session.RetryBackoff == 0 {
		c.Session.RetryBackoff = Duration(200 * time.Millisecond)
	}
	if c.Dispatch.Timeouts == nil {
		c.Dispatch.Timeouts = make(map[string]Duration)
	}
	for target, d := range map[string]time.Duration{
		"intent_handler": 10 * time.Second,
		"message_bus":    5 * time.Second,
		"tool":           15 * time.Second,
	} {
		if _, ok := c.Dispatch.Timeouts[target]; !ok {
			c.Dispatch.Timeouts[target] = Duration(d)
		}
	}
	if c.Memory.MaxItems == 0 {
		c.Memory.MaxItems = 12
	}
	if c.Memory.MaxTokens == 0 {
		c.Memory.MaxTokens = 2000
	}
	if c.Memory.ReadTimeout == 0 {
		c.Memory.ReadTimeout = Duration(3 * time.Second)
	}
	if c.Memory.ConflictPolicy == "" {
		c.Memory.ConflictPolicy = "permanent_first"
	}
	if c.Memory.Engine == "" {
		c.Memory.Engine = "local"
	}
	if c.Reference.Backend == "" {
		c.Reference.Backend = "sqlite"
	}
	if c.Reference.Path == "" {
		c.Reference.Path = "data/reference.db"
	}
	if c.Database.Postgres.Migrations == "" {
		c.Database.Postgres.Migrations = "migrations"
	}
	if c.Database.Qdrant.Collection == "" {
		c.Database.Qdrant.Collection = "grace_contextual"
	}
	if c.Skills.Dir == "" {
		c.Skills.Dir = "skills"
	}
	if c.Speech.Timeout == 0 {
		c.Speech.Timeout = Duration(30 * time.Second)
	}
}
