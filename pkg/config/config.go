package config

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Config holds the static inputs of a provisioning run.
type Config struct {
	// DefaultUser is the target account name used when the selection
	// environment variable is unset. "root" selects self-provisioning.
	DefaultUser string `yaml:"default_user" validate:"required"`

	// UserEnvVar is the environment variable that selects the target
	// account name at startup.
	UserEnvVar string `yaml:"user_env_var" validate:"required"`

	// BootstrapPackages are installed before the package index update.
	BootstrapPackages []string `yaml:"bootstrap_packages" validate:"dive,required"`

	// Packages are the OS packages the stack needs.
	Packages []string `yaml:"packages" validate:"required,min=1,dive,required"`

	// Runtimes are specifiers passed verbatim to the runtime manager,
	// installed and globally selected in declared order.
	Runtimes []string `yaml:"runtimes" validate:"required,min=1,dive,required"`

	// Frameworks are packages installed through the language package
	// manager of the active runtime.
	Frameworks []string `yaml:"frameworks" validate:"dive,required"`

	Database Database `yaml:"database"`
	Mise     Mise     `yaml:"mise"`
	Shell    Shell    `yaml:"shell"`
}

// Database configures the relational database service and its
// administrative account.
type Database struct {
	// Service is the name passed to the OS service manager.
	Service string `yaml:"service" validate:"required"`

	// AdminUser is the OS account owning the database's own
	// administrative client session.
	AdminUser string `yaml:"admin_user" validate:"required"`
}

// Mise configures the runtime version manager installation.
type Mise struct {
	// InstallURL is the installer script fetched during first-time setup.
	InstallURL string `yaml:"install_url" validate:"required,url"`
}

// Shell configures the target account's interactive shell activation.
type Shell struct {
	// StartupFile is the shell startup file name relative to the target
	// account's home directory.
	StartupFile string `yaml:"startup_file" validate:"required"`

	// Marker is the substring whose presence in the startup file means
	// activation is already configured.
	Marker string `yaml:"marker" validate:"required"`

	// ActivationBlock is appended to the startup file when the marker is
	// absent. Appended, never overwritten.
	ActivationBlock string `yaml:"activation_block" validate:"required"`
}

// Default returns the embedded default configuration.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultYAML, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse embedded defaults: %w", err)
	}
	return cfg, nil
}

// Load returns the default configuration with the optional YAML file at
// path layered on top. Fields absent from the file keep their defaults.
// The result is validated before being returned.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its declared constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
