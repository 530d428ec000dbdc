// Package config handles loading and validating pyrunner configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pyrunner/internal/policy"
)

func init() {
	// Load .env file if it exists.
	_ = godotenv.Load()
}

// Config is the root configuration for pyrunner.
type Config struct {
	CodeDir      string `yaml:"code_dir,omitempty"`      // Script directory. Default: /home/pi/pythoncode. Override: PYRUNNER_CODE_DIR.
	LogDir       string `yaml:"log_dir,omitempty"`       // Execution logs. Default: /home/pi/pyrunner/logs. Override: PYRUNNER_LOG_DIR.
	AutobootFile string `yaml:"autoboot_file,omitempty"` // Autoboot pointer file. Default: /home/pi/pyrunner/autoboot.txt.
	Interpreter  string `yaml:"interpreter,omitempty"`   // Python interpreter. Default: python3. Override: PYRUNNER_INTERPRETER.

	Server  ServerConfig   `yaml:"server"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"` // nil = metrics disabled.
	History *HistoryConfig `yaml:"history,omitempty"` // nil = run history disabled.
	Policy  *PolicyConfig  `yaml:"policy,omitempty"`  // nil = stock catalog.
}

// ServerConfig configures the HTTP/WebSocket gateway.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"` // Default: ":5000". Override: PYRUNNER_LISTEN_ADDR.
	EnableDocs bool   `yaml:"enable_docs"` // Serve OpenAPI docs.
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Default: "/metrics".
}

// MetricsPath returns the configured path, defaulting to "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// HistoryConfig configures the SQLite run-history store.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"` // Database file. Default: <log_dir>/../history.db.
}

// PolicyConfig overrides individual policy lists. A nil list keeps the stock
// entries; a present-but-empty list clears them.
type PolicyConfig struct {
	BlockedModules   []string `yaml:"blocked_modules,omitempty"`
	BlockedBuiltins  []string `yaml:"blocked_builtins,omitempty"`
	BlockedFunctions []string `yaml:"blocked_functions,omitempty"`
	AllowedModules   []string `yaml:"allowed_modules,omitempty"`
	AllowedPaths     []string `yaml:"allowed_paths,omitempty"`
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".pyrunner", "config.yaml")
	}
	return "config.yaml"
}

// Load reads configuration from path, falling back to defaults when the file
// does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PYRUNNER_CODE_DIR"); v != "" {
		c.CodeDir = v
	}
	if v := os.Getenv("PYRUNNER_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("PYRUNNER_AUTOBOOT_FILE"); v != "" {
		c.AutobootFile = v
	}
	if v := os.Getenv("PYRUNNER_INTERPRETER"); v != "" {
		c.Interpreter = v
	}
	if v := os.Getenv("PYRUNNER_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

func (c *Config) applyDefaults() {
	if c.CodeDir == "" {
		c.CodeDir = "/home/pi/pythoncode"
	}
	if c.LogDir == "" {
		c.LogDir = "/home/pi/pyrunner/logs"
	}
	if c.AutobootFile == "" {
		c.AutobootFile = "/home/pi/pyrunner/autoboot.txt"
	}
	if c.Interpreter == "" {
		c.Interpreter = "python3"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":5000"
	}
	if c.History != nil && c.History.Enabled && c.History.Path == "" {
		c.History.Path = filepath.Join(filepath.Dir(c.LogDir), "history.db")
	}
}

func (c *Config) validate() error {
	if !filepath.IsAbs(c.CodeDir) {
		return fmt.Errorf("code_dir must be absolute, got %q", c.CodeDir)
	}
	if !filepath.IsAbs(c.LogDir) {
		return fmt.Errorf("log_dir must be absolute, got %q", c.LogDir)
	}
	return nil
}

// Catalog builds the policy catalog: the stock rules, with any overrides
// from the policy section applied list-by-list. The code directory is always
// an allowed filesystem root.
func (c *Config) Catalog() *policy.Catalog {
	stock := policy.Default(c.CodeDir)
	if c.Policy == nil {
		return stock
	}

	blockedModules := c.Policy.BlockedModules
	if blockedModules == nil {
		blockedModules = stock.BlockedModules()
	}
	blockedBuiltins := c.Policy.BlockedBuiltins
	if blockedBuiltins == nil {
		blockedBuiltins = stock.BlockedBuiltins()
	}
	blockedFunctions := c.Policy.BlockedFunctions
	if blockedFunctions == nil {
		blockedFunctions = stock.BlockedFunctions()
	}
	allowedModules := c.Policy.AllowedModules
	if allowedModules == nil {
		allowedModules = stock.AllowedModules()
	}
	allowedPaths := append([]string{c.CodeDir}, c.Policy.AllowedPaths...)

	return policy.FromLists(blockedModules, blockedBuiltins, blockedFunctions, allowedModules, allowedPaths)
}
