package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"ctslicesto3d/internal/models"
	"ctslicesto3d/pkg/config"
	"ctslicesto3d/pkg/logging"
	"ctslicesto3d/pkg/pixel"
	"ctslicesto3d/pkg/reconstruction"
)

func main() {
	configPath := flag.String("config", "ctslicesto3d.yaml", "YAML configuration file")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	inputDirs := flag.String("input", "", "Comma-separated directories containing DICOM files")
	seriesUID := flag.String("series", "", "Series instance UID to reconstruct (default: largest CT series)")
	outputDir := flag.String("output", "", "Directory for exported images")
	numWorkers := flag.Int("workers", 0, "Number of parsing and decoding goroutines")
	views := flag.String("views", "", "Comma-separated views: transverse, sagittal, coronal, oblique")
	exportSlices := flag.String("export-slices", "", "Export every slice along an axis (x, y or z)")
	summary := flag.Bool("summary", false, "Print the patient/study/series hierarchy")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags override the file.
	if *inputDirs != "" {
		cfg.Input.Directories = strings.Split(*inputDirs, ",")
	}
	if *seriesUID != "" {
		cfg.Input.SeriesUID = *seriesUID
	}
	if *outputDir != "" {
		cfg.Output.Directory = *outputDir
	}
	if *numWorkers > 0 {
		cfg.Processing.NumWorkers = *numWorkers
	}
	if *views != "" {
		cfg.Views.Kinds = strings.Split(*views, ",")
	}
	if *exportSlices != "" {
		cfg.Output.ExportSlices = *exportSlices
	}
	if *verbose {
		cfg.Output.Verbose = true
	}

	level := cfg.Output.LogLevel
	if cfg.Output.Verbose {
		level = "debug"
	}
	if err := logging.Setup(level, true); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}

	if len(cfg.Input.Directories) == 0 {
		flag.Usage()
		os.Exit(1)
	}
	params, err := pipelineParams(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reconstructor := reconstruction.NewReconstructor(params)
	startTime := time.Now()
	if err := reconstructor.Process(ctx); err != nil {
		log.Fatal().Err(err).Msg("reconstruction failed")
	}

	if *summary {
		fmt.Print(reconstructor.Repository().Summary())
	}

	vol := reconstructor.Volume()
	stats := reconstructor.Statistics()
	fmt.Printf("\nReconstruction completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Series: %s\n", vol.SeriesUID)
	fmt.Printf("Dimensions: %d x %d x %d voxels\n", vol.Dimensions.Columns, vol.Dimensions.Rows, vol.Dimensions.Slices)
	fmt.Printf("Spacing: %.3f x %.3f x %.3f mm\n", vol.Spacing.X, vol.Spacing.Y, vol.Spacing.Z)
	fmt.Printf("HU range: [%.0f, %.0f], mean %.1f, std %.1f\n", stats.Min, stats.Max, stats.Mean, stats.StdDev)
	fmt.Printf("Volume base:\n%v\n", vol.Base.Matrix)
	for _, v := range reconstructor.Views() {
		fmt.Printf("%s screen-to-UV:\n%v\n", v.Kind, v.Transform)
	}

	var partial *reconstruction.PartialAssemblyError
	for _, w := range reconstructor.Warnings() {
		if errors.As(w, &partial) {
			fmt.Printf("Warning: %v\n", partial)
			for _, s := range partial.Skipped {
				fmt.Printf("  %v\n", &s)
			}
			continue
		}
		fmt.Printf("Warning: %v\n", w)
	}
	if cfg.Output.ExportViews || cfg.Output.ExportSlices != "" {
		fmt.Printf("Images written to %s\n", cfg.Output.Directory)
	}
}

func pipelineParams(cfg *config.Config) (*reconstruction.Params, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	overflow, err := pixel.ParseOverflowPolicy(cfg.Processing.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	kinds, err := cfg.ViewKinds()
	if err != nil {
		return nil, err
	}

	params := &reconstruction.Params{
		InputDirs: cfg.Input.Directories,
		SeriesUID: cfg.Input.SeriesUID,
		OutputDir: cfg.Output.Directory,
		Assembler: &reconstruction.AssemblerParams{
			NumWorkers:           cfg.Processing.NumWorkers,
			DefaultSliceSpacing:  cfg.Processing.DefaultSliceSpacing,
			OrientationTolerance: cfg.Processing.OrientationTolerance,
			SingularTolerance:    cfg.Processing.SingularTolerance,
			Decoder:              pixel.Decoder{Overflow: overflow},
		},
		ViewKinds:     kinds,
		ImageSize:     cfg.Views.ImageSize,
		SlicePosition: cfg.Views.SlicePosition,
		ExportViews:   cfg.Output.ExportViews,
		ExportSlices:  cfg.Output.ExportSlices,
	}
	if w := cfg.Views.Window; w != nil {
		params.Window = &models.Window{Center: w.Center, Width: w.Width}
	}
	return params, nil
}
