package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"flowkernel/internal/db"
	"flowkernel/internal/record"
)

// Config models flowkernel.yml.
type Config struct {
	Partition struct {
		ID int `yaml:"id"`
	} `yaml:"partition"`
	Authorizations struct {
		Enabled bool `yaml:"enabled"`
		// Admin is created on first start with every permission on every
		// resource type.
		Admin string `yaml:"admin"`
	} `yaml:"authorizations"`
	Jobs struct {
		ListenerRetries      int           `yaml:"listener_retries"`
		TimeoutCheckInterval time.Duration `yaml:"timeout_check_interval"`
	} `yaml:"jobs"`
	Server struct {
		Addr                   string        `yaml:"addr"`
		BasePath               string        `yaml:"base_path"`
		JWTSecret              string        `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool          `yaml:"allow_legacy_actor_header"`
		RequestTimeout         time.Duration `yaml:"request_timeout"`
	} `yaml:"server"`
	RecordLog struct {
		BusyTimeout time.Duration `yaml:"busy_timeout"`
		Synchronous string        `yaml:"synchronous"`
	} `yaml:"record_log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook receives every committed record of the listed value types, or of
// all types when ValueTypes is empty.
type Webhook struct {
	URL        string             `yaml:"url"`
	Enabled    bool               `yaml:"enabled"`
	Secret     string             `yaml:"secret"`
	ValueTypes []record.ValueType `yaml:"value_types"`
}

// maxPartitionID keeps partitionId<<51 inside a positive int64.
const maxPartitionID = 1<<12 - 1

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fk config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Partition.ID < 1 || c.Partition.ID > maxPartitionID {
		return fmt.Errorf("config.partition.id must be between 1 and %d", maxPartitionID)
	}
	if c.Authorizations.Enabled && strings.TrimSpace(c.Authorizations.Admin) == "" {
		return fmt.Errorf("config.authorizations.admin is required when authorizations are enabled")
	}
	if c.Jobs.ListenerRetries < 0 {
		return fmt.Errorf("config.jobs.listener_retries must not be negative")
	}
	if c.Jobs.TimeoutCheckInterval < 0 {
		return fmt.Errorf("config.jobs.timeout_check_interval must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("config.server.request_timeout must not be negative")
	}
	if err := c.DB("").Validate(); err != nil {
		return fmt.Errorf("config.record_log: %w", err)
	}
	seen := map[string]bool{}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an absolute http(s) url", i)
		}
		if seen[hook.URL] {
			return fmt.Errorf("config.webhooks[%d].url %s is listed twice", i, hook.URL)
		}
		seen[hook.URL] = true
		for _, vt := range hook.ValueTypes {
			if !knownValueType(vt) {
				return fmt.Errorf("config.webhooks[%d] references unknown value type %s", i, vt)
			}
		}
	}
	return nil
}

// DB returns the record log settings for workspace.
func (c *Config) DB(workspace string) db.Config {
	return db.Config{
		Workspace:   workspace,
		BusyTimeout: c.RecordLog.BusyTimeout,
		Synchronous: c.RecordLog.Synchronous,
	}
}

func knownValueType(vt record.ValueType) bool {
	switch vt {
	case record.ValueAuthorization, record.ValueUser, record.ValueGroup, record.ValueUserTask,
		record.ValueJob, record.ValueJobBatch, record.ValueIncident:
		return true
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowkernel.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the config file does not exist.
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections missing
// from data keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `partition:
  id: 1

authorizations:
  enabled: false
  admin: admin

jobs:
  listener_retries: 3
  timeout_check_interval: 1s

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
  allow_legacy_actor_header: false
  request_timeout: 30s

record_log:
  busy_timeout: 5s
  synchronous: NORMAL

redis:
  addr: ""
  password: ""
  db: 0

webhooks: []
`
