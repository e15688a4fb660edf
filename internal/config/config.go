// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// LoggerConfig controls the zap logger and file rotation.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal colors for the console encoder.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// WatchdogConfig tunes the loop and timeout guards of the mission FSM.
type WatchdogConfig struct {
	// HardTimeout is the wall-clock budget for a whole mission. Checked on
	// every transition, never via a background timer.
	HardTimeout time.Duration `mapstructure:"hard_timeout" yaml:"hard_timeout"`
	// SceneLoopThreshold is the number of consecutive identical scene
	// hashes that forces a Repair.
	SceneLoopThreshold int `mapstructure:"scene_loop_threshold" yaml:"scene_loop_threshold"`
	// ErrorRepeatThreshold is the number of identical error texts that
	// forces an Abort.
	ErrorRepeatThreshold int `mapstructure:"error_repeat_threshold" yaml:"error_repeat_threshold"`
}

// AntiBotConfig tunes the anti-bot policy engine.
type AntiBotConfig struct {
	BaseBackoff time.Duration `mapstructure:"base_backoff" yaml:"base_backoff"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// LLMConfig selects and paces the text-completion provider.
type LLMConfig struct {
	Provider          string  `mapstructure:"provider" yaml:"provider"`
	Model             string  `mapstructure:"model" yaml:"model"`
	APIKey            string  `mapstructure:"api_key" yaml:"api_key"`
	Temperature       float32 `mapstructure:"temperature" yaml:"temperature"`
	RequestsPerMinute int     `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// AgentConfig groups everything the mission loop needs.
type AgentConfig struct {
	Watchdog WatchdogConfig `mapstructure:"watchdog" yaml:"watchdog"`
	AntiBot  AntiBotConfig  `mapstructure:"antibot" yaml:"antibot"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	// MaxConcurrentMissions bounds the runner's errgroup.
	MaxConcurrentMissions int `mapstructure:"max_concurrent_missions" yaml:"max_concurrent_missions"`
}

// BrowserConfig controls the chromedp session.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	Profile           string        `mapstructure:"profile" yaml:"profile"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	WindowWidth       int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight      int           `mapstructure:"window_height" yaml:"window_height"`
	MaxElements       int           `mapstructure:"max_elements" yaml:"max_elements"`
}

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "skylark-cli")
	v.SetDefault("logger.log_file", "skylark.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// Watchdog defaults
	v.SetDefault("agent.watchdog.hard_timeout", "120s")
	v.SetDefault("agent.watchdog.scene_loop_threshold", 3)
	v.SetDefault("agent.watchdog.error_repeat_threshold", 2)

	// Anti-bot policy defaults
	v.SetDefault("agent.antibot.base_backoff", "4s")
	v.SetDefault("agent.antibot.max_retries", 2)

	// LLM defaults
	v.SetDefault("agent.llm.provider", "gemini")
	v.SetDefault("agent.llm.model", "gemini-2.5-flash")
	v.SetDefault("agent.llm.temperature", 0.2)
	v.SetDefault("agent.llm.requests_per_minute", 30)

	v.SetDefault("agent.max_concurrent_missions", 4)

	// Browser defaults
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.profile", "default")
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.post_load_wait", "2s")
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.max_elements", 150)
}

// DefaultConfigPaths returns the directories searched for a config file when
// none is given explicitly: the working directory, then ~/.skylark.
func DefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := homedir.Dir(); err == nil {
		paths = append(paths, filepath.Join(home, ".skylark"))
	}
	return paths
}

// Load reads configuration from the given viper instance and validates it.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would cripple the watchdog guards.
func (c *Config) Validate() error {
	if c.Agent.Watchdog.HardTimeout <= 0 {
		return fmt.Errorf("agent.watchdog.hard_timeout must be positive, got %v", c.Agent.Watchdog.HardTimeout)
	}
	if c.Agent.Watchdog.SceneLoopThreshold < 2 {
		return fmt.Errorf("agent.watchdog.scene_loop_threshold must be at least 2, got %d", c.Agent.Watchdog.SceneLoopThreshold)
	}
	if c.Agent.Watchdog.ErrorRepeatThreshold < 1 {
		return fmt.Errorf("agent.watchdog.error_repeat_threshold must be at least 1, got %d", c.Agent.Watchdog.ErrorRepeatThreshold)
	}
	if c.Agent.AntiBot.MaxRetries < 0 {
		return fmt.Errorf("agent.antibot.max_retries must not be negative, got %d", c.Agent.AntiBot.MaxRetries)
	}
	if c.Agent.MaxConcurrentMissions < 1 {
		return fmt.Errorf("agent.max_concurrent_missions must be at least 1, got %d", c.Agent.MaxConcurrentMissions)
	}
	return nil
}
