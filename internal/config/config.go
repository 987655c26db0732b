// Package config loads and validates the static process configuration:
// database, logging, LLM credentials, deployment target, and the policy
// defaults seeded into the store on first run. Runtime policy (the
// AgentConfig singleton) lives in the store, not here.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// LLMProvider names a supported reasoning backend.
type LLMProvider string

// ProviderGemini is currently the only supported provider.
const ProviderGemini LLMProvider = "gemini"

// Config is the root of the static configuration tree.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Deploy   DeployConfig   `mapstructure:"deploy" yaml:"deploy"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox" yaml:"sandbox"`
	GitHub   GitHubConfig   `mapstructure:"github" yaml:"github"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal colors for the console encoder.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the PostgreSQL connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// LLMModelConfig configures one model endpoint.
type LLMModelConfig struct {
	Provider   LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model      string        `mapstructure:"model" yaml:"model"`
	APIKey     string        `mapstructure:"api_key" yaml:"-"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	TopP       float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK       int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens  int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	// RequestsPerMinute bounds outbound calls to this model. Zero disables
	// client-side rate limiting.
	RequestsPerMinute int               `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	SafetyFilters     map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// LLMConfig holds one model per tier. The decision and learning engines use
// the powerful tier; cheap summarization uses fast.
type LLMConfig struct {
	Fast     LLMModelConfig `mapstructure:"fast" yaml:"fast"`
	Powerful LLMModelConfig `mapstructure:"powerful" yaml:"powerful"`
}

// DeployConfig describes the target project the agent may change.
type DeployConfig struct {
	// ProjectRoot is the working tree of the marketing site. Empty means
	// "detect via git from the current directory".
	ProjectRoot string `mapstructure:"project_root" yaml:"project_root"`
	// Mode forces a strategy: "direct", "queued", or "" for capability
	// detection at startup.
	Mode string `mapstructure:"mode" yaml:"mode"`
	// BackupDir stores direct-mode backup manifests. Defaults under the
	// project root.
	BackupDir string `mapstructure:"backup_dir" yaml:"backup_dir"`
	// BackupRetention is how long manifests are kept before pruning.
	BackupRetention time.Duration `mapstructure:"backup_retention" yaml:"backup_retention"`
}

// SandboxConfig tunes the validation pipeline.
type SandboxConfig struct {
	// ToolTimeout bounds each external tool invocation (tsc, eslint, build).
	ToolTimeout time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
	// BuildFileThreshold: bundles touching more files than this trigger the
	// full build stage.
	BuildFileThreshold int `mapstructure:"build_file_threshold" yaml:"build_file_threshold"`
	// BuildCommand is the literal command run for the full-build stage.
	BuildCommand string `mapstructure:"build_command" yaml:"build_command"`
	TypeCheckCommand string `mapstructure:"type_check_command" yaml:"type_check_command"`
	LintCommand      string `mapstructure:"lint_command" yaml:"lint_command"`
}

// GitHubConfig configures the optional remote change collaborator.
type GitHubConfig struct {
	Token      string `mapstructure:"token" yaml:"-"`
	RepoOwner  string `mapstructure:"repo_owner" yaml:"repo_owner"`
	RepoName   string `mapstructure:"repo_name" yaml:"repo_name"`
	BaseBranch string `mapstructure:"base_branch" yaml:"base_branch"`
}

// Load reads configuration from the given file (or the default search
// paths), applies environment overrides, and validates the result.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".autopilot"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("AUTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults registers every default value on v. Exposed so tests can build
// a default config without touching the filesystem.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "autopilot")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// Registering empty defaults makes these keys visible to Unmarshal when
	// they are supplied only through the environment.
	v.SetDefault("database.url", "")
	v.SetDefault("llm.fast.api_key", "")
	v.SetDefault("llm.powerful.api_key", "")
	v.SetDefault("github.token", "")

	v.SetDefault("llm.fast.provider", string(ProviderGemini))
	v.SetDefault("llm.fast.model", "gemini-2.0-flash")
	v.SetDefault("llm.fast.api_timeout", 2*time.Minute)
	v.SetDefault("llm.fast.max_tokens", 8192)
	v.SetDefault("llm.fast.requests_per_minute", 30)
	v.SetDefault("llm.powerful.provider", string(ProviderGemini))
	v.SetDefault("llm.powerful.model", "gemini-2.5-pro")
	v.SetDefault("llm.powerful.api_timeout", 2*time.Minute)
	v.SetDefault("llm.powerful.max_tokens", 32768)
	v.SetDefault("llm.powerful.requests_per_minute", 10)

	v.SetDefault("deploy.mode", "")
	v.SetDefault("deploy.backup_retention", 30*24*time.Hour)

	v.SetDefault("sandbox.tool_timeout", 2*time.Minute)
	v.SetDefault("sandbox.build_file_threshold", 3)
	v.SetDefault("sandbox.type_check_command", "npx tsc --noEmit")
	v.SetDefault("sandbox.lint_command", "npx eslint --no-color")
	v.SetDefault("sandbox.build_command", "npm run build")

	v.SetDefault("github.base_branch", "main")
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Sandbox.ToolTimeout <= 0 {
		return fmt.Errorf("sandbox.tool_timeout must be positive")
	}
	switch c.Deploy.Mode {
	case "", "direct", "queued":
	default:
		return fmt.Errorf("deploy.mode must be \"direct\", \"queued\", or empty, got %q", c.Deploy.Mode)
	}
	return nil
}

// GitHubConfigured reports whether the remote change collaborator can be
// constructed.
func (c *Config) GitHubConfigured() bool {
	return c.GitHub.Token != "" && c.GitHub.RepoOwner != "" && c.GitHub.RepoName != ""
}
