package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config models callsheet.yml (or callsheet.toml).
type Config struct {
	Workspace struct {
		Org     string `yaml:"org" toml:"org"`
		OrgName string `yaml:"org_name" toml:"org_name"`
	} `yaml:"workspace" toml:"workspace"`
	Phase     PhaseDefaults `yaml:"phase" toml:"phase"`
	Evaluator Evaluator     `yaml:"evaluator" toml:"evaluator"`
	Logging   Logging       `yaml:"logging" toml:"logging"`
	RBAC      struct {
		Roles map[string]RBACRole `yaml:"roles" toml:"roles"`
	} `yaml:"rbac" toml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks" toml:"webhooks"`
}

// PhaseDefaults are the built-in transition settings used when neither a
// project nor its organization overrides them.
type PhaseDefaults struct {
	ArchiveMonth           int    `yaml:"archive_month" toml:"archive_month"`
	ArchiveDay             int    `yaml:"archive_day" toml:"archive_day"`
	PostShowTransitionHour int    `yaml:"post_show_transition_hour" toml:"post_show_transition_hour"`
	AutoTransitionsEnabled *bool  `yaml:"auto_transitions_enabled" toml:"auto_transitions_enabled"`
	DefaultTimezone        string `yaml:"default_timezone" toml:"default_timezone"`
}

type Evaluator struct {
	Workers        int      `yaml:"workers" toml:"workers"`
	ProjectTimeout Duration `yaml:"project_timeout" toml:"project_timeout"`
	Interval       Duration `yaml:"interval" toml:"interval"`
}

type Logging struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type RBACRole struct {
	Description string   `yaml:"description" toml:"description"`
	Permissions []string `yaml:"permissions" toml:"permissions"`
}

// WebhookConfig is one notification endpoint. Empty filters match everything;
// Phases matches the target phase of phase.transitioned events.
type WebhookConfig struct {
	URL            string   `yaml:"url" toml:"url"`
	Secret         string   `yaml:"secret" toml:"secret"`
	Events         []string `yaml:"events" toml:"events"`
	Projects       []string `yaml:"projects" toml:"projects"`
	Phases         []string `yaml:"phases" toml:"phases"`
	Enabled        *bool    `yaml:"enabled" toml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// Duration is a time.Duration written as "30s" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Permission ids checked by the API and CLI.
const (
	PermProjectCreate    = "project.create"
	PermProjectUpdate    = "project.update"
	PermPhaseRead        = "phase.read"
	PermPhaseTransition  = "phase.transition"
	PermPhaseConfigRead  = "phase.config.read"
	PermPhaseConfigWrite = "phase.config.write"
	PermPhaseEvaluate    = "phase.evaluate"
	PermRBACManage       = "rbac.manage"
	PermAPIKeyManage     = "apikey.manage"
	PermReadinessWrite   = "readiness.write"
)

const (
	defaultWorkers        = 8
	defaultProjectTimeout = 30 * time.Second
)

// AllPermissions lists every permission id known to the service.
func AllPermissions() []string {
	return []string{
		PermProjectCreate, PermProjectUpdate, PermPhaseRead, PermPhaseTransition,
		PermPhaseConfigRead, PermPhaseConfigWrite, PermPhaseEvaluate,
		PermRBACManage, PermAPIKeyManage, PermReadinessWrite,
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Workspace.Org) == "" {
		return fmt.Errorf("config.workspace.org is required")
	}
	p := c.Phase
	if p.ArchiveMonth < 1 || p.ArchiveMonth > 12 {
		return fmt.Errorf("config.phase.archive_month must be 1-12, got %d", p.ArchiveMonth)
	}
	if last := time.Date(2024, time.Month(p.ArchiveMonth)+1, 0, 0, 0, 0, 0, time.UTC).Day(); p.ArchiveDay < 1 || p.ArchiveDay > last {
		return fmt.Errorf("config.phase.archive_day %d is not valid for month %d", p.ArchiveDay, p.ArchiveMonth)
	}
	if p.PostShowTransitionHour < 0 || p.PostShowTransitionHour > 23 {
		return fmt.Errorf("config.phase.post_show_transition_hour must be 0-23, got %d", p.PostShowTransitionHour)
	}
	if tz := strings.TrimSpace(p.DefaultTimezone); tz != "" {
		if strings.EqualFold(tz, "local") {
			return fmt.Errorf("config.phase.default_timezone must be an IANA name")
		}
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("config.phase.default_timezone: %w", err)
		}
	}
	if c.Evaluator.Workers < 0 {
		return fmt.Errorf("config.evaluator.workers must not be negative")
	}
	if c.Evaluator.ProjectTimeout < 0 || c.Evaluator.Interval < 0 {
		return fmt.Errorf("config.evaluator durations must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		known := map[string]bool{}
		for _, perm := range AllPermissions() {
			known[perm] = true
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if !known[perm] {
					return fmt.Errorf("role %s has unknown permission %q", roleID, perm)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// AutoEnabled returns the built-in auto transition flag, on unless disabled.
func (p PhaseDefaults) AutoEnabled() bool {
	return p.AutoTransitionsEnabled == nil || *p.AutoTransitionsEnabled
}

// WorkerCount returns the evaluator pool size.
func (e Evaluator) WorkerCount() int {
	if e.Workers <= 0 {
		return defaultWorkers
	}
	return e.Workers
}

// Timeout returns the per-project evaluation bound.
func (e Evaluator) Timeout() time.Duration {
	if e.ProjectTimeout <= 0 {
		return defaultProjectTimeout
	}
	return e.ProjectTimeout.Std()
}

// Path returns the config file path for a workspace. A callsheet.toml is used
// when present and no callsheet.yml exists.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	yml := filepath.Join(workspace, "callsheet.yml")
	if _, err := os.Stat(yml); err != nil {
		tomlPath := filepath.Join(workspace, "callsheet.toml")
		if _, err := os.Stat(tomlPath); err == nil {
			return tomlPath
		}
	}
	return yml
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config %s not found; create one with cs init", path)
	}
	return cfg, err
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields keep
// their defaults.
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

// FromTOML parses and validates config from raw TOML bytes.
func FromTOML(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads config from path, choosing the format by extension.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

const defaultTemplate = `workspace:
  org: default-org
  org_name: Default Organization

phase:
  archive_month: 4
  archive_day: 1
  post_show_transition_hour: 6
  auto_transitions_enabled: true
  default_timezone: ""

evaluator:
  workers: 8
  project_timeout: 30s
  interval: 15m

logging:
  level: info
  format: text

rbac:
  roles:
    owner:
      description: "Full control of the organization"
      permissions: [project.create, project.update, phase.read, phase.transition, phase.config.read, phase.config.write, phase.evaluate, rbac.manage, apikey.manage, readiness.write]
    producer:
      description: "Runs productions and may move phases by hand"
      permissions: [project.create, project.update, phase.read, phase.transition, phase.config.read, phase.config.write, readiness.write]
    coordinator:
      description: "Maintains readiness data"
      permissions: [project.update, phase.read, phase.config.read, readiness.write]
    scheduler:
      description: "External scheduler driving batch evaluation"
      permissions: [phase.read, phase.evaluate]
    viewer:
      description: "Read-only access"
      permissions: [phase.read, phase.config.read]
`
