package auditor

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML scalars like "90s" or "2m" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || strings.TrimSpace(value.Value) == "" {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type RemoteConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
}

type DrainConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	Timeout      Duration `yaml:"timeout"`
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DB         string `yaml:"db"`
	TempDir    string `yaml:"temp_dir"`

	// InlineUploads forces uploads to run on the registering call instead of
	// a background goroutine. Required on hosts that kill background work at
	// response time.
	InlineUploads bool `yaml:"inline_uploads"`
	Debug         bool `yaml:"debug"`

	FileStore  RemoteConfig `yaml:"file_store"`
	Generation RemoteConfig `yaml:"generation"`
	Drain      DrainConfig  `yaml:"drain"`
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.DB == "" {
		c.DB = "docaudit.db"
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.FileStore.Timeout <= 0 {
		c.FileStore.Timeout = Duration(60 * time.Second)
	}
	if c.Generation.Timeout <= 0 {
		c.Generation.Timeout = Duration(120 * time.Second)
	}
	if c.Drain.PollInterval <= 0 {
		c.Drain.PollInterval = Duration(1 * time.Second)
	}
	if c.Drain.Timeout <= 0 {
		c.Drain.Timeout = Duration(60 * time.Second)
	}
}
