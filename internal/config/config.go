package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"siteline/internal/domain"
)

// Config models siteline.yml.
type Config struct {
	SLA struct {
		UnattendedAgeHours float64 `yaml:"unattended_age_hours"`
	} `yaml:"sla"`
	Catalog  map[string][]StageEntry `yaml:"catalog"`
	Webhooks []WebhookConfig         `yaml:"webhooks"`
}

// StageEntry is one catalog row in build order.
type StageEntry struct {
	Stage   string `yaml:"stage"`
	Percent int    `yaml:"percent"`
}

// WebhookConfig describes one history-feed delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Fields         []string `yaml:"fields"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one or rely on defaults", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure. Catalog lists must
// climb strictly and finish at 100 so percent derivation stays monotonic.
func (c *Config) Validate() error {
	if c.SLA.UnattendedAgeHours <= 0 {
		return fmt.Errorf("config.sla.unattended_age_hours must be positive")
	}
	for houseType, stages := range c.Catalog {
		if !domain.HouseType(houseType).Valid() {
			return fmt.Errorf("config.catalog has unknown house type %q", houseType)
		}
		if len(stages) == 0 {
			return fmt.Errorf("config.catalog.%s is empty", houseType)
		}
		prev := 0
		seen := map[string]bool{}
		for i, s := range stages {
			if s.Stage == "" {
				return fmt.Errorf("config.catalog.%s[%d] has empty stage name", houseType, i)
			}
			if seen[s.Stage] {
				return fmt.Errorf("config.catalog.%s repeats stage %q", houseType, s.Stage)
			}
			seen[s.Stage] = true
			if s.Percent <= prev {
				return fmt.Errorf("config.catalog.%s: percent must increase strictly at %q", houseType, s.Stage)
			}
			if s.Percent > 100 {
				return fmt.Errorf("config.catalog.%s: percent above 100 at %q", houseType, s.Stage)
			}
			prev = s.Percent
		}
		if prev != 100 {
			return fmt.Errorf("config.catalog.%s must end at 100, ends at %d", houseType, prev)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "siteline.yml")
}

// Default returns the built-in config matching the seeded stage catalog.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return &cfg
}

// WriteDefault writes the built-in template to the workspace config path.
// Refuses to overwrite an existing file.
func WriteDefault(workspace string) (string, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("config %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.SLA.UnattendedAgeHours == 0 {
		cfg.SLA.UnattendedAgeHours = 24
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

const defaultTemplate = `sla:
  unattended_age_hours: 24

catalog:
  single:
    - {stage: "Deposit", percent: 5}
    - {stage: "Base Stage", percent: 15}
    - {stage: "Frame", percent: 30}
    - {stage: "Lockup", percent: 45}
    - {stage: "Fixing", percent: 65}
    - {stage: "Practical Completion", percent: 80}
    - {stage: "Handover", percent: 90}
    - {stage: "Finalisation", percent: 100}
  double:
    - {stage: "Deposit", percent: 5}
    - {stage: "Base Stage", percent: 10}
    - {stage: "Ground Floor Frame", percent: 20}
    - {stage: "Upper Floor Frame", percent: 35}
    - {stage: "Roof", percent: 45}
    - {stage: "Lockup", percent: 55}
    - {stage: "Fixing", percent: 70}
    - {stage: "Practical Completion", percent: 80}
    - {stage: "Handover", percent: 90}
    - {stage: "Finalisation", percent: 100}
`
