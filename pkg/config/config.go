// Package config provides configuration loading and management for ctslicesto3d.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"ctslicesto3d/pkg/geometry"
	"ctslicesto3d/pkg/pixel"
)

// Window is a display window override in Hounsfield units.
type Window struct {
	Center float64 `yaml:"center"`
	Width  float64 `yaml:"width"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input selection
	Input struct {
		// Directories are scanned recursively for DICOM files
		Directories []string `yaml:"directories"`

		// SeriesUID selects the series to reconstruct; empty picks the CT
		// series with the most images
		SeriesUID string `yaml:"seriesUID"`
	} `yaml:"input"`

	// Processing parameters
	Processing struct {
		// NumWorkers is the number of goroutines parsing files and decoding slices
		NumWorkers int `yaml:"numWorkers"`

		// DefaultSliceSpacing in mm is used when the series gives no z spacing
		DefaultSliceSpacing float64 `yaml:"defaultSliceSpacing"`

		// OrientationTolerance bounds how far direction cosines may stray from
		// unit length and orthogonality before a warning is logged
		OrientationTolerance float64 `yaml:"orientationTolerance"`

		// SingularTolerance is the pivot magnitude at or below which the
		// assembled volume base is rejected as singular
		SingularTolerance float64 `yaml:"singularTolerance"`

		// OverflowPolicy is "saturate" or "reject"
		OverflowPolicy string `yaml:"overflowPolicy"`
	} `yaml:"processing"`

	// View rendering parameters
	Views struct {
		// Kinds lists the views to derive, in layout order
		Kinds []string `yaml:"kinds"`

		// ImageSize is the edge length in pixels of each rendered view
		ImageSize int `yaml:"imageSize"`

		// SlicePosition is the depth in [0, 1] of the rendered planes
		SlicePosition float64 `yaml:"slicePosition"`

		// Window overrides the display window of the series
		Window *Window `yaml:"window,omitempty"`
	} `yaml:"views"`

	// Output parameters
	Output struct {
		// Directory receives exported images
		Directory string `yaml:"directory"`

		// ExportViews writes each rendered view and the four-panel layout
		ExportViews bool `yaml:"exportViews"`

		// ExportSlices writes every slice along this axis (x, y or z); empty disables it
		ExportSlices string `yaml:"exportSlices"`

		// LogLevel is a zerolog level name
		LogLevel string `yaml:"logLevel"`

		// Verbose forces debug logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.DefaultSliceSpacing = 1.0
	cfg.Processing.OrientationTolerance = 1e-3
	cfg.Processing.SingularTolerance = 0
	cfg.Processing.OverflowPolicy = pixel.Saturate.String()

	for _, k := range geometry.AllViews {
		cfg.Views.Kinds = append(cfg.Views.Kinds, k.String())
	}
	cfg.Views.ImageSize = 400
	cfg.Views.SlicePosition = 0.5

	cfg.Output.Directory = "output"
	cfg.Output.ExportViews = true
	cfg.Output.LogLevel = "info"

	return cfg
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Processing.NumWorkers < 1 {
		errs = append(errs, fmt.Errorf("processing.numWorkers must be at least 1, got %d", c.Processing.NumWorkers))
	}
	if !(c.Processing.DefaultSliceSpacing > 0) {
		errs = append(errs, fmt.Errorf("processing.defaultSliceSpacing must be positive, got %v", c.Processing.DefaultSliceSpacing))
	}
	if c.Processing.OrientationTolerance < 0 {
		errs = append(errs, fmt.Errorf("processing.orientationTolerance must not be negative"))
	}
	if c.Processing.SingularTolerance < 0 {
		errs = append(errs, fmt.Errorf("processing.singularTolerance must not be negative"))
	}
	if _, err := pixel.ParseOverflowPolicy(c.Processing.OverflowPolicy); err != nil {
		errs = append(errs, fmt.Errorf("processing.overflowPolicy: %w", err))
	}
	if _, err := c.ViewKinds(); err != nil {
		errs = append(errs, err)
	}
	if c.Views.ImageSize < 1 {
		errs = append(errs, fmt.Errorf("views.imageSize must be positive, got %d", c.Views.ImageSize))
	}
	if c.Views.SlicePosition < 0 || c.Views.SlicePosition > 1 {
		errs = append(errs, fmt.Errorf("views.slicePosition must be in [0, 1], got %v", c.Views.SlicePosition))
	}
	if w := c.Views.Window; w != nil && !(w.Width > 0) {
		errs = append(errs, fmt.Errorf("views.window.width must be positive, got %v", w.Width))
	}
	switch strings.ToLower(c.Output.ExportSlices) {
	case "", "x", "y", "z":
	default:
		errs = append(errs, fmt.Errorf("output.exportSlices must be x, y, z or empty, got %q", c.Output.ExportSlices))
	}
	return errors.Join(errs...)
}

// ViewKinds parses Views.Kinds. At most four views fit the layout.
func (c *Config) ViewKinds() ([]geometry.ViewKind, error) {
	if len(c.Views.Kinds) > 4 {
		return nil, fmt.Errorf("views.kinds lists %d views, at most 4 allowed", len(c.Views.Kinds))
	}
	kinds := make([]geometry.ViewKind, 0, len(c.Views.Kinds))
	for _, s := range c.Views.Kinds {
		k, err := geometry.ParseViewKind(s)
		if err != nil {
			return nil, fmt.Errorf("views.kinds: %w", err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
