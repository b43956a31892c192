package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"imgharvest/pkg/config"
)

// configCmd represents the config command.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage imgharvest configuration files.

Configuration can be loaded from:
  - Command line flags (highest priority)
  - Environment variables (IMGHARVEST_*)
  - A .env file
  - Configuration file
  - Default values (lowest priority)`,
}

// initCmd represents the config init command.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an example configuration file",
	Long: `Create an example configuration file with all available options.

The file is created as '.imgharvest.yaml' in the current directory unless
a different path is given with the --config flag.`,
	RunE: runConfigInit,
}

// showCmd represents the config show command.
var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Show the configuration after merging all sources.`,
	RunE:  runConfigShow,
}

// validateCmd represents the config validate command.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file for syntax errors and invalid values.

Checks YAML syntax, value ranges, and that the search URL template carries
a query placeholder.`,
	RunE: runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(initCmd)
	configCmd.AddCommand(showCmd)
	configCmd.AddCommand(validateCmd)
}

const exampleConfig = `# imgharvest configuration file
#
# Every option can also be set through environment variables prefixed
# with IMGHARVEST_, for example IMGHARVEST_OUTPUT_DIR.

browser:
  # Path to the Chrome/Chromium binary. Empty lets the launcher find one.
  exec_path: ""
  # Search results URL; %s is replaced by the escaped query.
  search_url_template: "https://www.google.com/search?q=%s&tbm=isch"
  startup_timeout: 30s
  viewport_width: 1280
  viewport_height: 1024
  headless: true

extract:
  # Wait after each scroll before rescanning the page.
  scroll_pause: 2s
  # Upper bound on scroll attempts per harvest.
  max_scroll_rounds: 5
  settle_polls: 4
  poll_interval: 500ms
  # Images smaller than this are treated as placeholders.
  min_width: 100
  min_height: 100

download:
  concurrency: 4
  per_item_timeout: 10s
  retry_attempts: 3
  retry_base_delay: 1s
  # Transfers larger than this are aborted.
  max_bytes: 10485760
  # Time budget for downloads when extraction ran out the overall deadline.
  drain_grace: 60s

rate_limit:
  requests_per_minute: 120

output:
  base_directory: "./harvests"
  create_query_folders: true

logging:
  # debug, info, warn, error
  level: "info"
  # Optional log file; empty logs to stderr only.
  file: ""
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configPath := configFile
	if configPath == "" {
		configPath = ".imgharvest.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists: %s", configPath)
	}

	if err := os.WriteFile(configPath, []byte(exampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Println("Created configuration file:", configPath)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if err := cfg.LoadFromFile(configFile); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Println("Configuration is valid")
	return nil
}
