package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models flowdesk.yml.
type Config struct {
	Workspace struct {
		ID string `yaml:"id"`
	} `yaml:"workspace"`
	Permissions struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"permissions"`
	Roles struct {
		Builtin map[string]BuiltinRole `yaml:"builtin"`
	} `yaml:"roles"`
	Engine struct {
		MaxRetries       int      `yaml:"max_retries"`
		OpTimeout        Duration `yaml:"op_timeout"`
		CoalesceWindow   Duration `yaml:"coalesce_window"`
		SubscriberBuffer int      `yaml:"subscriber_buffer"`
	} `yaml:"engine"`
	Server struct {
		Addr                   string  `yaml:"addr"`
		JWTSecret              string  `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool    `yaml:"allow_legacy_actor_header"`
		RatePerSecond          float64 `yaml:"rate_per_second"`
		RateBurst              int     `yaml:"rate_burst"`
	} `yaml:"server"`
}

// Duration accepts "250ms"-style strings in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type BuiltinRole struct {
	Description string   `yaml:"description"`
	Color       string   `yaml:"color"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run flowdesk init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace, workspaceID string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(workspaceID), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	if len(c.Permissions.Catalog) == 0 {
		return fmt.Errorf("config.permissions.catalog is required")
	}
	if len(c.Roles.Builtin) == 0 {
		return fmt.Errorf("config.roles.builtin is required")
	}
	for _, name := range []string{"admin", "manager", "member"} {
		if _, ok := c.Roles.Builtin[name]; !ok {
			return fmt.Errorf("config.roles.builtin must include %s", name)
		}
	}
	for roleID, role := range c.Roles.Builtin {
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
			if _, ok := c.Permissions.Catalog[perm]; !ok {
				return fmt.Errorf("role %s references unknown permission %s", roleID, perm)
			}
		}
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("config.engine.max_retries must be >= 0")
	}
	return nil
}

// PermissionKnown reports whether a permission is in the fixed catalog.
func (c *Config) PermissionKnown(perm string) bool {
	_, ok := c.Permissions.Catalog[perm]
	return ok
}

// BuiltinPermissions returns the permission set of a built-in role.
func (c *Config) BuiltinPermissions(role string) ([]string, bool) {
	r, ok := c.Roles.Builtin[role]
	if !ok {
		return nil, false
	}
	return r.Permissions, true
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowdesk.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID)
}

// Default returns the default Config struct for a workspace.
func Default(workspaceID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workspaceID))).Decode(&cfg)
	cfg.Workspace.ID = workspaceID
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

const defaultTemplate = `workspace:
  id: %s

permissions:
  catalog:
    users.view:
      description: "View users"
    users.create:
      description: "Create users"
    users.edit:
      description: "Edit users"
    users.delete:
      description: "Delete or suspend users"
    tasks.view:
      description: "View tasks"
    tasks.create:
      description: "Create tasks"
    tasks.edit:
      description: "Edit tasks"
    tasks.delete:
      description: "Delete tasks"
    workflows.view:
      description: "View workflows"
    workflows.create:
      description: "Create workflows"
    workflows.edit:
      description: "Edit workflows"
    workflows.delete:
      description: "Delete workflows"
    teams.view:
      description: "View teams"
    teams.manage:
      description: "Create teams and manage membership"
    messages.view:
      description: "Read channels and messages"
    messages.send:
      description: "Create channels and post messages"
    notifications.view:
      description: "Read and acknowledge own notifications"
    audit.view:
      description: "Read the audit log"
    admin.access:
      description: "Access the admin panel and manage roles"
    admin.settings:
      description: "Manage workspace settings"
    admin.billing:
      description: "Manage billing"

roles:
  builtin:
    admin:
      description: "Full access to all features and settings"
      color: purple
      permissions:
        - users.view
        - users.create
        - users.edit
        - users.delete
        - tasks.view
        - tasks.create
        - tasks.edit
        - tasks.delete
        - workflows.view
        - workflows.create
        - workflows.edit
        - workflows.delete
        - teams.view
        - teams.manage
        - messages.view
        - messages.send
        - notifications.view
        - audit.view
        - admin.access
        - admin.settings
        - admin.billing
    manager:
      description: "Can manage team members and workflows"
      color: blue
      permissions:
        - users.view
        - users.create
        - users.edit
        - users.delete
        - tasks.view
        - tasks.create
        - tasks.edit
        - tasks.delete
        - workflows.view
        - workflows.create
        - workflows.edit
        - workflows.delete
        - teams.view
        - teams.manage
        - messages.view
        - messages.send
        - notifications.view
        - audit.view
    member:
      description: "Basic access to tasks and workflows"
      color: gray
      permissions:
        - users.view
        - tasks.view
        - tasks.create
        - workflows.view
        - teams.view
        - messages.view
        - messages.send
        - notifications.view

engine:
  max_retries: 3
  op_timeout: 5s
  coalesce_window: 250ms
  subscriber_buffer: 64

server:
  addr: ":7420"
  jwt_secret: ""
  allow_legacy_actor_header: false
  rate_per_second: 20
  rate_burst: 40
`
