package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models planline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	RequiredData struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"required_data"`
	Intake struct {
		TaskIDPrefix    string `yaml:"task_id_prefix"`
		DefaultTaskType string `yaml:"default_task_type"`
		DefaultPriority int    `yaml:"default_priority"`
	} `yaml:"intake"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with pl project init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "software-project" {
		return fmt.Errorf("config.project.kind must be 'software-project'")
	}
	for kind, entry := range c.RequiredData.Catalog {
		if kind == "" {
			return fmt.Errorf("config.required_data.catalog contains empty kind")
		}
		if entry.Description == "" {
			return fmt.Errorf("required data kind %s has empty description", kind)
		}
	}
	if c.Intake.TaskIDPrefix == "" {
		return fmt.Errorf("config.intake.task_id_prefix is required")
	}
	if c.Intake.DefaultTaskType == "" {
		return fmt.Errorf("config.intake.default_task_type is required")
	}
	if c.Intake.DefaultPriority < 1 || c.Intake.DefaultPriority > 5 {
		return fmt.Errorf("config.intake.default_priority must be between 1 and 5")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "software-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
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

const defaultTemplate = `project:
  id: %s
  kind: software-project

required_data:
  catalog:
    repo.access:
      description: "Read access to the source repository"
    metrics.baseline:
      description: "Baseline metrics exported for comparison"
    api.credentials:
      description: "Credentials for the target environment"
    stakeholder.signoff:
      description: "Stakeholder confirmation of scope"

intake:
  task_id_prefix: T-GPT
  default_task_type: generic
  default_priority: 3
`
