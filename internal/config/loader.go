package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader reads, env-expands, and validates the configuration file.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func (l *Loader) validate(cfg *Config) error {
	switch cfg.Monitoring.Sink.Type {
	case "", "none":
	case "file":
		if cfg.Monitoring.Sink.Path == "" {
			return fmt.Errorf("monitoring.sink: path is required for the file sink")
		}
	case "postgres":
		if cfg.Monitoring.Sink.DSN == "" {
			return fmt.Errorf("monitoring.sink: dsn is required for the postgres sink")
		}
	default:
		return fmt.Errorf("monitoring.sink: unknown type %q", cfg.Monitoring.Sink.Type)
	}

	switch cfg.Monitoring.Index.Type {
	case "", "memory":
	case "redis":
		if cfg.Monitoring.Index.RedisAddr == "" {
			return fmt.Errorf("monitoring.index: redis_addr is required for the redis index")
		}
	default:
		return fmt.Errorf("monitoring.index: unknown type %q", cfg.Monitoring.Index.Type)
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing: endpoint is required when enabled")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing: sample_ratio must be in [0, 1]")
	}

	adapterNames := make(map[string]bool)
	for i, a := range cfg.Adapters {
		if a.Name == "" {
			return fmt.Errorf("adapter %d: name is required", i)
		}
		if adapterNames[a.Name] {
			return fmt.Errorf("duplicate adapter name: %s", a.Name)
		}
		adapterNames[a.Name] = true
		if !validProtocol(a.Protocol) {
			return fmt.Errorf("adapter %s: invalid protocol %q", a.Name, a.Protocol)
		}
		if a.AutoParse && a.Schema == "" {
			return fmt.Errorf("adapter %s: auto_parse requires a schema name", a.Name)
		}
		if a.RateLimit.PerSecond < 0 {
			return fmt.Errorf("adapter %s: rate_limit.per_second must not be negative", a.Name)
		}
	}

	schemaNames := make(map[string]bool)
	for i := range cfg.Schemas {
		s := &cfg.Schemas[i]
		if s.Name == "" {
			return fmt.Errorf("frame schema %d: name is required", i)
		}
		if schemaNames[s.Name] {
			return fmt.Errorf("duplicate frame schema name: %s", s.Name)
		}
		schemaNames[s.Name] = true
		if err := s.Validate(); err != nil {
			return fmt.Errorf("frame schema %s: %w", s.Name, err)
		}
	}
	for _, a := range cfg.Adapters {
		if a.AutoParse && !schemaNames[a.Schema] {
			return fmt.Errorf("adapter %s: unknown schema %q", a.Name, a.Schema)
		}
	}

	ruleIDs := make(map[string]bool)
	for i, r := range cfg.Rules {
		if r.ID == "" {
			return fmt.Errorf("routing rule %d: id is required", i)
		}
		if ruleIDs[r.ID] {
			return fmt.Errorf("duplicate routing rule id: %s", r.ID)
		}
		ruleIDs[r.ID] = true
	}

	targetIDs := make(map[string]bool)
	for i, t := range cfg.Targets {
		if t.ID == "" {
			return fmt.Errorf("target system %d: id is required", i)
		}
		if targetIDs[t.ID] {
			return fmt.Errorf("duplicate target system id: %s", t.ID)
		}
		targetIDs[t.ID] = true
	}
	return nil
}
