// Package config provides configuration file support for txfs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/jvs-project/txfs/pkg/fsutil"
	"github.com/jvs-project/txfs/pkg/logging"
	"github.com/jvs-project/txfs/pkg/model"
	"github.com/jvs-project/txfs/pkg/pathutil"
	"github.com/jvs-project/txfs/pkg/webhook"
)

// Dir is the per-root configuration directory.
const Dir = ".txfs"

// EnvConfigDir overrides the user configuration directory.
const EnvConfigDir = "TXFS_CONFIG_DIR"

// Config represents the txfs configuration.
type Config struct {
	Jail        JailConfig        `yaml:"jail" json:"jail"`
	Transaction TransactionConfig `yaml:"transaction" json:"transaction"`
	KTM         KTMConfig         `yaml:"ktm" json:"ktm"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Webhooks    webhook.Config    `yaml:"webhooks" json:"webhooks"`
}

// JailConfig configures the directory jail.
type JailConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Root           string `yaml:"root" json:"root"` // relative to the config root
	FollowSymlinks bool   `yaml:"follow_symlinks" json:"follow_symlinks"`
}

// TransactionConfig holds defaults for new transactions.
type TransactionConfig struct {
	DefaultTimeout    string `yaml:"default_timeout" json:"default_timeout"`
	Isolation         string `yaml:"isolation" json:"isolation"`
	DependentOption   string `yaml:"dependent_option" json:"dependent_option"`
	WaitForDependents bool   `yaml:"wait_for_dependents" json:"wait_for_dependents"`
}

// KTMConfig configures the kernel transaction manager.
type KTMConfig struct {
	StagingDir string `yaml:"staging_dir" json:"staging_dir"`
	LogPath    string `yaml:"log_path" json:"log_path"`
	Fsync      bool   `yaml:"fsync" json:"fsync"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // json, text
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Jail: JailConfig{
			Enabled: true,
			Root:    ".",
		},
		Transaction: TransactionConfig{
			DefaultTimeout:  "0s",
			Isolation:       string(model.IsolationReadCommitted),
			DependentOption: string(model.BlockCommitUntilComplete),
		},
		KTM: KTMConfig{
			StagingDir: filepath.Join(Dir, "staging"),
			LogPath:    filepath.Join(Dir, "tx.log"),
			Fsync:      true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Webhooks: *webhook.DefaultConfig(),
	}
}

// Path returns the config file location under root.
func Path(root string) string {
	return filepath.Join(root, Dir, "config.yaml")
}

// UserPath returns the per-user config file, under $TXFS_CONFIG_DIR or the
// XDG config home.
func UserPath() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return filepath.Join(dir, "config.yaml")
	}
	return filepath.Join(xdg.ConfigHome, "txfs", "config.yaml")
}

// Load loads configuration from .txfs/config.yaml under root, falling back
// to the user config and then to the defaults.
func Load(root string) (*Config, error) {
	for _, p := range []string{Path(root), UserPath()} {
		cfg, err := LoadFile(p)
		if os.IsNotExist(err) {
			continue
		}
		return cfg, err
	}
	return Default(), nil
}

// LoadFile loads and validates configuration from path. Missing fields keep
// their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes configuration to .txfs/config.yaml under root.
func Save(root string, cfg *Config) error {
	cfgPath := Path(root)

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := fsutil.AtomicWrite(cfgPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// Validate checks every enumerated and duration field.
func (c *Config) Validate() error {
	if _, err := c.Timeout(); err != nil {
		return err
	}
	if !model.IsolationLevel(c.Transaction.Isolation).Valid() {
		return fmt.Errorf("transaction.isolation: unknown level %q", c.Transaction.Isolation)
	}
	if !model.DependentCloneOption(c.Transaction.DependentOption).Valid() {
		return fmt.Errorf("transaction.dependent_option: unknown option %q", c.Transaction.DependentOption)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	if c.Jail.Enabled && c.Jail.Root == "" {
		return fmt.Errorf("jail.root: required when the jail is enabled")
	}
	for i, hook := range c.Webhooks.Hooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks.hooks[%d]: url is required", i)
		}
	}
	return nil
}

// Timeout parses transaction.default_timeout. Empty means no timeout.
func (c *Config) Timeout() (time.Duration, error) {
	if c.Transaction.DefaultTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Transaction.DefaultTimeout)
	if err != nil {
		return 0, fmt.Errorf("transaction.default_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("transaction.default_timeout: negative duration %s", d)
	}
	return d, nil
}

// TransactionOptions returns the configured defaults as options for a
// Required transaction.
func (c *Config) TransactionOptions() model.TransactionOptions {
	opts := model.DefaultOptions()
	opts.IsolationLevel = model.IsolationLevel(c.Transaction.Isolation)
	opts.DependentOption = model.DependentCloneOption(c.Transaction.DependentOption)
	opts.WaitForDependents = c.Transaction.WaitForDependents
	opts.Timeout, _ = c.Timeout()
	return opts
}

// BuildJail returns the jail described by the config, with a relative root
// resolved against base.
func (c *Config) BuildJail(base string) (pathutil.Jail, error) {
	if !c.Jail.Enabled {
		return pathutil.Disabled(), nil
	}
	j, err := pathutil.NewJail(c.resolve(base, c.Jail.Root))
	if err != nil {
		return pathutil.Jail{}, err
	}
	j.FollowSymlinks = c.Jail.FollowSymlinks
	return j, nil
}

// StagingDir returns ktm.staging_dir resolved against base.
func (c *Config) StagingDir(base string) string {
	return c.resolve(base, c.KTM.StagingDir)
}

// LogPath returns ktm.log_path resolved against base, or "" when the
// transaction log is disabled.
func (c *Config) LogPath(base string) string {
	if c.KTM.LogPath == "" {
		return ""
	}
	return c.resolve(base, c.KTM.LogPath)
}

func (c *Config) resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Get returns a configuration value by its dotted key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "jail.enabled":
		return strconv.FormatBool(c.Jail.Enabled), nil
	case "jail.root":
		return c.Jail.Root, nil
	case "jail.follow_symlinks":
		return strconv.FormatBool(c.Jail.FollowSymlinks), nil
	case "transaction.default_timeout":
		return c.Transaction.DefaultTimeout, nil
	case "transaction.isolation":
		return c.Transaction.Isolation, nil
	case "transaction.dependent_option":
		return c.Transaction.DependentOption, nil
	case "transaction.wait_for_dependents":
		return strconv.FormatBool(c.Transaction.WaitForDependents), nil
	case "ktm.staging_dir":
		return c.KTM.StagingDir, nil
	case "ktm.log_path":
		return c.KTM.LogPath, nil
	case "ktm.fsync":
		return strconv.FormatBool(c.KTM.Fsync), nil
	case "logging.level":
		return c.Logging.Level, nil
	case "logging.format":
		return c.Logging.Format, nil
	}
	return "", fmt.Errorf("unknown config key: %s", key)
}

// Set updates a configuration value by its dotted key and revalidates.
func (c *Config) Set(key, value string) error {
	next := *c
	var err error
	switch key {
	case "jail.enabled":
		next.Jail.Enabled, err = strconv.ParseBool(value)
	case "jail.root":
		next.Jail.Root = value
	case "jail.follow_symlinks":
		next.Jail.FollowSymlinks, err = strconv.ParseBool(value)
	case "transaction.default_timeout":
		next.Transaction.DefaultTimeout = value
	case "transaction.isolation":
		next.Transaction.Isolation = value
	case "transaction.dependent_option":
		next.Transaction.DependentOption = value
	case "transaction.wait_for_dependents":
		next.Transaction.WaitForDependents, err = strconv.ParseBool(value)
	case "ktm.staging_dir":
		next.KTM.StagingDir = value
	case "ktm.log_path":
		next.KTM.LogPath = value
	case "ktm.fsync":
		next.KTM.Fsync, err = strconv.ParseBool(value)
	case "logging.level":
		next.Logging.Level = value
	case "logging.format":
		next.Logging.Format = value
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}
