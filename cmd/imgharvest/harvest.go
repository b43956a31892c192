package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"imgharvest/pkg/config"
	"imgharvest/pkg/harvest"
	"imgharvest/pkg/logger"
	"imgharvest/pkg/models"
)

var (
	// Harvest command flags
	count       int
	outputDir   string
	deadline    time.Duration
	itemTimeout time.Duration
	concurrency int
	minWidth    int
	minHeight   int
	formats     []string
	chromePath  string
	jsonOutput  bool
)

// harvestCmd represents the harvest command.
var harvestCmd = &cobra.Command{
	Use:   "harvest <query>",
	Short: "Download images matching a search query",
	Long: `Search for images matching the query, scroll the results page until it
stops producing new images, and download up to --count of them.

Images land in a per-query subdirectory of the output directory together
with a manifest.json recording the outcome of every attempted download.`,
	Example: `  # Download 10 images using default settings
  imgharvest harvest "cute cats"

  # Download 25 images into a specific directory
  imgharvest harvest "golden gate bridge" --count 25 --output ./photos

  # Tighter limits for a slow network
  imgharvest harvest "sunset" --item-timeout 30s --concurrency 2

  # Only keep large JPEGs
  imgharvest harvest "wallpaper" --min-width 1920 --min-height 1080 --formats jpeg`,
	Args: cobra.ExactArgs(1),
	RunE: runHarvest,
}

func init() {
	rootCmd.AddCommand(harvestCmd)

	harvestCmd.Flags().IntVarP(&count, "count", "n", 10, "number of images to download")
	harvestCmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (default: per-query folder under the configured base)")
	harvestCmd.Flags().DurationVar(&deadline, "deadline", 0, "overall time budget for the harvest")
	harvestCmd.Flags().DurationVar(&itemTimeout, "item-timeout", 0, "timeout per image download attempt")
	harvestCmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of concurrent downloads")
	harvestCmd.Flags().IntVar(&minWidth, "min-width", 0, "reject images narrower than this")
	harvestCmd.Flags().IntVar(&minHeight, "min-height", 0, "reject images shorter than this")
	harvestCmd.Flags().StringSliceVar(&formats, "formats", nil, "accepted image formats (jpeg, png, gif, webp)")
	harvestCmd.Flags().StringVar(&chromePath, "chrome-path", "", "path to the Chrome/Chromium binary")
	harvestCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the manifest as JSON to stdout")
}

func runHarvest(cmd *cobra.Command, args []string) error {
	query := strings.TrimSpace(args[0])
	if query == "" {
		return fmt.Errorf("query must not be empty")
	}

	// --output goes on the request directly: it names the exact harvest
	// directory, not the base directory from the configuration.
	flags := make(map[string]interface{})
	if concurrency > 0 {
		flags["concurrency"] = concurrency
	}
	if logLevel != "" {
		flags["log-level"] = logLevel
	}
	if chromePath != "" {
		flags["chrome-path"] = chromePath
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Initialize(&cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := harvest.New(cfg, log)
	manifest, err := coord.Run(ctx, models.HarvestRequest{
		Query:          query,
		Count:          count,
		OutputDir:      outputDir,
		Deadline:       deadline,
		PerItemTimeout: itemTimeout,
		MinWidth:       minWidth,
		MinHeight:      minHeight,
		AllowedFormats: formats,
	})
	if err != nil {
		return fmt.Errorf("harvest failed: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(manifest)
	}

	fmt.Printf("Harvest %s complete: %d stored, %d duplicates, %d failures",
		manifest.ID, len(manifest.Stored), len(manifest.Duplicates), len(manifest.Failures))
	if manifest.Partial {
		fmt.Print(" (partial)")
	}
	fmt.Println()
	return nil
}
