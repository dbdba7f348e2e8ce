// Package cmd wires the CLI. The root command runs a one-shot map export
// to a local file; the serve subcommand exposes the same pipeline as an
// HTTP API.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maptile-export/internal/config"
	"maptile-export/internal/naming"
	"maptile-export/internal/task"
	"maptile-export/internal/tilemath"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "maptile-export",
	Short: "Download and mosaic web map tiles into a georeferenced image",
	Long: `maptile-export downloads XYZ tiles from a web map service for a bounding
box, stitches them into a single mosaic cropped to the exact bounds, and
writes the result as GeoTIFF, PNG, or JPEG.

Examples:
  # Central Beijing from Google Satellite as GeoTIFF
  maptile-export --bbox 39.90,116.38,39.92,116.40 --zoom 15 --source google_satellite

  # OpenStreetMap as PNG with an explicit output path
  maptile-export --bbox 51.50,-0.13,51.52,-0.10 --zoom 14 --source osm --format png -o london.png

  # Route through a proxy
  maptile-export --bbox 35.68,139.75,35.70,139.77 --zoom 16 --proxy http://127.0.0.1:7890

  # Start the HTTP API
  maptile-export serve --port 8080`,
	RunE: runExport,
}

// Execute runs the CLI. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.maptile-export.yaml)")

	rootCmd.Flags().String("bbox", "", "bounding box as 'south,west,north,east' (required)")
	rootCmd.Flags().Int("zoom", 0, "zoom level 1-20 (default: highest zoom within the tile budget)")
	rootCmd.Flags().StringP("source", "s", "google_satellite", "tile source key (see 'serve' API /api/sources)")
	rootCmd.Flags().StringP("format", "f", "geotiff", "output format (geotiff|png|jpeg)")
	rootCmd.Flags().StringP("output", "o", "", "output file (default: generated name in the working directory)")
	rootCmd.Flags().String("proxy", "", "proxy URL for tile requests")
	rootCmd.Flags().Int("concurrency", 0, "max concurrent tile requests")

	viper.BindPFlag("bbox", rootCmd.Flags().Lookup("bbox"))
	viper.BindPFlag("zoom", rootCmd.Flags().Lookup("zoom"))
	viper.BindPFlag("source", rootCmd.Flags().Lookup("source"))
	viper.BindPFlag("format", rootCmd.Flags().Lookup("format"))
	viper.BindPFlag("output", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("proxy", rootCmd.Flags().Lookup("proxy"))
	viper.BindPFlag("max_concurrent", rootCmd.Flags().Lookup("concurrency"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".maptile-export")
	}

	viper.SetEnvPrefix("MAPTILE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func runExport(cmd *cobra.Command, args []string) error {
	bboxStr := viper.GetString("bbox")
	if bboxStr == "" {
		return cmd.Help()
	}

	bounds, err := parseBBox(bboxStr)
	if err != nil {
		return err
	}

	settings, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	registry, err := settings.Sources()
	if err != nil {
		return err
	}

	zoom := viper.GetInt("zoom")
	if zoom == 0 {
		zoom = tilemath.OptimalZoom(bounds, settings.MaxTiles)
		fmt.Fprintf(cmd.ErrOrStderr(), "No zoom given, using zoom %d\n", zoom)
	}

	runner := task.NewRunner(settings, registry, task.NewRegistry(settings.MaxTasksHeld, settings.TaskTTL))
	req := &task.Request{
		Bounds: &bounds,
		Zoom:   zoom,
		Source: viper.GetString("source"),
		Format: viper.GetString("format"),
		Proxy:  viper.GetString("proxy"),
	}
	plan, err := runner.Resolve(req)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Downloading %dx%d tiles from %s at zoom %d\n",
		plan.Grid.Cols, plan.Grid.Rows, plan.Source.Name, zoom)

	res, err := runner.Execute(context.Background(), req, plan)
	if err != nil {
		return err
	}

	output := viper.GetString("output")
	if output == "" {
		output = naming.ExportFilename(time.Now(), zoom, plan.Format.Extension())
	}
	if err := os.WriteFile(output, res.Data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s (%d bytes)\n", output, len(res.Data))
	return nil
}

// parseBBox parses 'south,west,north,east'.
func parseBBox(s string) (tilemath.GeoBounds, error) {
	var b tilemath.GeoBounds
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return b, fmt.Errorf("bbox must be in format 'south,west,north,east'")
	}

	vals := make([]float64, 4)
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return b, fmt.Errorf("invalid bbox component %q: %w", part, err)
		}
		vals[i] = v
	}

	b = tilemath.GeoBounds{South: vals[0], West: vals[1], North: vals[2], East: vals[3]}
	return b, b.Validate()
}
