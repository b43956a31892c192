package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the image harvester.
type Config struct {
	// Browser session settings
	Browser BrowserConfig `yaml:"browser" json:"browser"`

	// Page extraction settings
	Extract ExtractConfig `yaml:"extract" json:"extract"`

	// Download settings
	Download DownloadConfig `yaml:"download" json:"download"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Output settings
	Output OutputConfig `yaml:"output" json:"output"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// BrowserConfig holds headless-browser session configuration.
type BrowserConfig struct {
	// ExecPath overrides the Chrome/Chromium binary location. Empty means
	// let the allocator find one.
	ExecPath          string        `yaml:"exec_path" json:"exec_path"`
	UserAgent         string        `yaml:"user_agent" json:"user_agent"`
	SearchURLTemplate string        `yaml:"search_url_template" json:"search_url_template"`
	StartupTimeout    time.Duration `yaml:"startup_timeout" json:"startup_timeout"`
	ViewportWidth     int           `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight    int           `yaml:"viewport_height" json:"viewport_height"`
	Headless          bool          `yaml:"headless" json:"headless"`
}

// ExtractConfig holds scroll-driven extraction configuration.
type ExtractConfig struct {
	// ScrollPause is the wait after each scroll before scanning the DOM.
	ScrollPause time.Duration `yaml:"scroll_pause" json:"scroll_pause"`
	// MaxScrollRounds bounds the number of scroll attempts per harvest.
	MaxScrollRounds int `yaml:"max_scroll_rounds" json:"max_scroll_rounds"`
	// SettlePolls is the number of page-height polls after a scroll.
	SettlePolls  int           `yaml:"settle_polls" json:"settle_polls"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// MinWidth/MinHeight filter out placeholder images during the DOM scan.
	MinWidth  int `yaml:"min_width" json:"min_width"`
	MinHeight int `yaml:"min_height" json:"min_height"`
}

// DownloadConfig holds download-specific configuration.
type DownloadConfig struct {
	Concurrency    int           `yaml:"concurrency" json:"concurrency"`
	PerItemTimeout time.Duration `yaml:"per_item_timeout" json:"per_item_timeout"`
	RetryAttempts  int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	// MaxBytes aborts transfers that exceed this size. 0 means the default
	// limit, not unlimited.
	MaxBytes int64 `yaml:"max_bytes" json:"max_bytes"`
	// DrainGrace bounds the download stage when extraction ran out the
	// overall deadline with candidates still in hand.
	DrainGrace time.Duration `yaml:"drain_grace" json:"drain_grace"`
}

// RateLimitConfig holds rate limiting configuration for download workers.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// OutputConfig holds output directory configuration.
type OutputConfig struct {
	BaseDirectory string `yaml:"base_directory" json:"base_directory"`
	// CreateQueryFolders puts each harvest in its own subdirectory named
	// after the query.
	CreateQueryFolders bool `yaml:"create_query_folders" json:"create_query_folders"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
			SearchURLTemplate: "https://www.google.com/search?q=%s&tbm=isch",
			StartupTimeout:    30 * time.Second,
			ViewportWidth:     1280,
			ViewportHeight:    1024,
			Headless:          true,
		},
		Extract: ExtractConfig{
			ScrollPause:     2 * time.Second,
			MaxScrollRounds: 5,
			SettlePolls:     4,
			PollInterval:    500 * time.Millisecond,
			MinWidth:        100,
			MinHeight:       100,
		},
		Download: DownloadConfig{
			Concurrency:    4,
			PerItemTimeout: 10 * time.Second,
			RetryAttempts:  3,
			RetryBaseDelay: 1 * time.Second,
			MaxBytes:       10 * 1024 * 1024,
			DrainGrace:     60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
		},
		Output: OutputConfig{
			BaseDirectory:      "./harvests",
			CreateQueryFolders: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromEnv loads configuration from environment variables.
func (c *Config) LoadFromEnv() error {
	if execPath := os.Getenv("IMGHARVEST_CHROME_PATH"); execPath != "" {
		c.Browser.ExecPath = execPath
	}
	if userAgent := os.Getenv("IMGHARVEST_USER_AGENT"); userAgent != "" {
		c.Browser.UserAgent = userAgent
	}
	if tmpl := os.Getenv("IMGHARVEST_SEARCH_URL_TEMPLATE"); tmpl != "" {
		c.Browser.SearchURLTemplate = tmpl
	}
	if outputDir := os.Getenv("IMGHARVEST_OUTPUT_DIR"); outputDir != "" {
		c.Output.BaseDirectory = outputDir
	}
	if concurrent := os.Getenv("IMGHARVEST_CONCURRENCY"); concurrent != "" {
		val, err := strconv.Atoi(concurrent)
		if err != nil || val <= 0 {
			return fmt.Errorf("invalid IMGHARVEST_CONCURRENCY value %q", concurrent)
		}
		c.Download.Concurrency = val
	}
	if rpm := os.Getenv("IMGHARVEST_REQUESTS_PER_MINUTE"); rpm != "" {
		val, err := strconv.Atoi(rpm)
		if err != nil || val <= 0 {
			return fmt.Errorf("invalid IMGHARVEST_REQUESTS_PER_MINUTE value %q", rpm)
		}
		c.RateLimit.RequestsPerMinute = val
	}
	if logLevel := os.Getenv("IMGHARVEST_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations.
func (c *Config) findConfigFile() string {
	locations := []string{
		".imgharvest.yaml",
		".imgharvest.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "imgharvest", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".config", "imgharvest", "config.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Browser.SearchURLTemplate == "" {
		errs = append(errs, errors.New("search URL template is required"))
	} else if !strings.Contains(c.Browser.SearchURLTemplate, "%s") {
		errs = append(errs, errors.New("search URL template must contain a %s query placeholder"))
	}
	if c.Browser.StartupTimeout <= 0 {
		errs = append(errs, errors.New("browser startup timeout must be positive"))
	}

	if c.Extract.MaxScrollRounds <= 0 {
		errs = append(errs, errors.New("max scroll rounds must be positive"))
	}
	if c.Extract.ScrollPause <= 0 {
		errs = append(errs, errors.New("scroll pause must be positive"))
	}
	if c.Extract.SettlePolls <= 0 {
		errs = append(errs, errors.New("settle polls must be positive"))
	}

	if c.Download.Concurrency <= 0 {
		errs = append(errs, errors.New("download concurrency must be positive"))
	}
	if c.Download.Concurrency > 16 {
		errs = append(errs, errors.New("download concurrency should not exceed 16"))
	}
	if c.Download.PerItemTimeout <= 0 {
		errs = append(errs, errors.New("per-item timeout must be positive"))
	}
	if c.Download.RetryAttempts < 0 {
		errs = append(errs, errors.New("retry attempts cannot be negative"))
	}
	if c.Download.MaxBytes < 0 {
		errs = append(errs, errors.New("max bytes cannot be negative"))
	}
	if c.Download.DrainGrace < 0 {
		errs = append(errs, errors.New("drain grace cannot be negative"))
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("requests per minute must be positive"))
	}

	if c.Output.BaseDirectory == "" {
		errs = append(errs, errors.New("output directory is required"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Load loads configuration from all sources with proper precedence.
// Precedence order: flags > environment variables > .env file > config file > defaults.
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".imgharvest.env"))

	cfg := DefaultConfig()

	if err := cfg.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg.mergeFlags(flags)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// mergeFlags merges command line flags into the configuration.
func (c *Config) mergeFlags(flags map[string]interface{}) {
	if outputDir, ok := flags["output"].(string); ok && outputDir != "" {
		c.Output.BaseDirectory = outputDir
	}
	if concurrent, ok := flags["concurrency"].(int); ok && concurrent > 0 {
		c.Download.Concurrency = concurrent
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
	if execPath, ok := flags["chrome-path"].(string); ok && execPath != "" {
		c.Browser.ExecPath = execPath
	}
}
