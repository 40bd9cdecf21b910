package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/pkb/internal/directory"
	"github.com/starford/pkb/internal/scheduler"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App    ApplicationConfig `yaml:"app"`
	PKB    PKBConfig         `yaml:"pkb"`
	Device DeviceConfig      `yaml:"device"`
	Node   NodeConfig        `yaml:"node"`
	Sync   SyncConfig        `yaml:"sync"`
	Auth   AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.PKB.Validate(); err != nil {
		return err
	}
	if err := c.Node.Validate(); err != nil {
		return err
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// KeyPath returns where the device key lives.
func (c *Config) KeyPath() string {
	if c.Device.KeyPath != "" {
		return c.Device.KeyPath
	}
	return filepath.Join(c.PKB.Root, directory.MetaDir, "device.key")
}

// PolicyDB returns the location of the node policy database.
func (c *Config) PolicyDB() string {
	if c.Node.PolicyDB != "" {
		return c.Node.PolicyDB
	}
	return filepath.Join(c.PKB.Root, directory.MetaDir, "node.db")
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// PKBConfig locates the PKB instance.
type PKBConfig struct {
	Root string `yaml:"root"`
}

// Validate validates the PKB configuration.
func (c *PKBConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
	)
}

// DeviceConfig describes this device.
type DeviceConfig struct {
	Alias   string `yaml:"alias"`
	KeyPath string `yaml:"key_path"`
}

// NodeConfig configures replication policy.
//
// URL points at a live node control API. When empty the local policy store
// is used on its own.
type NodeConfig struct {
	PolicyDB       string     `yaml:"policy_db"`
	URL            string     `yaml:"url"`
	RemoteTemplate string     `yaml:"remote_template"`
	HTTP           HTTPConfig `yaml:"http"`
}

// Validate validates the node configuration.
func (c *NodeConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.RemoteTemplate, validation.Required),
	); err != nil {
		return err
	}
	return c.HTTP.Validate()
}

// SyncConfig configures periodic sync.
type SyncConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Interval, validation.When(c.Enabled,
			validation.Required,
			validation.Min(scheduler.MinInterval).Error("must be at least "+scheduler.MinInterval.String()),
		)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		PKB: PKBConfig{
			Root: "./pkb",
		},
		Device: DeviceConfig{
			Alias: "this device",
		},
		Node: NodeConfig{
			RemoteTemplate: "./peers/{nid}/directories/{name}",
			HTTP: HTTPConfig{
				Port: 8776,
			},
		},
		Sync: SyncConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
