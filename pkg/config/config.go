// Package config provides configuration loading and management for amyquant.
// It handles loading configuration from YAML files and provides the default
// classification constants used for SUVr processing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Tracer describes one amyloid radiotracer: its recognised names and the
// default SUVr time window.
type Tracer struct {
	// Name is the canonical short tracer name, e.g. "fbp"
	Name string `yaml:"name"`

	// Synonyms are the lowercase name fragments matched against the
	// radiopharmaceutical string found in DICOM headers
	Synonyms []string `yaml:"synonyms"`

	// WindowStart and WindowStop define the default SUVr time window
	// in seconds post injection
	WindowStart float64 `yaml:"windowStart"`
	WindowStop  float64 `yaml:"windowStop"`

	// Duration is the expected total SUVr acquisition duration in seconds
	Duration float64 `yaml:"duration"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Classifier parameters controlling acquisition classification
	Classifier struct {
		// Tracers lists the known tracers in priority order. The order
		// decides which candidate supplies the default SUVr window when
		// tracer inference is ambiguous.
		Tracers []Tracer `yaml:"tracers"`

		// Margin is the relative tolerance applied to time window and
		// duration comparisons (0.1 means +/-10%)
		Margin float64 `yaml:"margin"`

		// BreakTime is the target end time in seconds of the first
		// acquisition in a coffee-break protocol
		BreakTime float64 `yaml:"breakTime"`

		// BreakDynMin and BreakDynMax bound the acceptable end time of a
		// coffee-break dynamic acquisition, as (min, max]
		BreakDynMin float64 `yaml:"breakDynMin"`
		BreakDynMax float64 `yaml:"breakDynMax"`

		// FullDynMin is the minimum end time in seconds qualifying an
		// acquisition as fully dynamic
		FullDynMin float64 `yaml:"fullDynMin"`
	} `yaml:"classifier"`

	// Registration parameters passed to the external registration engine
	Registration struct {
		// CostFunction is the cost function name used by the registration
		// engine, e.g. "nmi"
		CostFunction string `yaml:"costFunction"`

		// FWHMRef and FWHMFlo are the Gaussian smoothing kernels in mm
		// applied to the reference and floating images before registration
		FWHMRef float64 `yaml:"fwhmRef"`
		FWHMFlo float64 `yaml:"fwhmFlo"`

		// FloatingWeight and ReferenceWeight weight the column (floating)
		// and row (reference) motion sums during reference-frame selection
		FloatingWeight  float64 `yaml:"floatingWeight"`
		ReferenceWeight float64 `yaml:"referenceWeight"`

		// Workers is the number of pairwise registrations run concurrently
		Workers int `yaml:"workers"`
	} `yaml:"registration"`

	// Tools lists the external executables the pipeline shells out to
	Tools struct {
		// Converter turns one DICOM series directory into a volume file
		Converter string `yaml:"converter"`

		// Register runs a rigid registration between two volumes
		Register string `yaml:"register"`

		// Resample applies a stored affine to a floating volume
		Resample string `yaml:"resample"`

		// BiasCorrect runs N4 bias field correction
		BiasCorrect string `yaml:"biasCorrect"`

		// Smooth applies Gaussian smoothing to a volume file
		Smooth string `yaml:"smooth"`
	} `yaml:"tools"`

	// Output parameters
	Output struct {
		// SaveVOIMasks determines whether per-region sampling masks are
		// written next to the quantification results
		SaveVOIMasks bool `yaml:"saveVoiMasks"`

		// QCPlot enables writing a QC image of the VOI sampling
		QCPlot bool `yaml:"qcPlot"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values. The tracer
// tables and timing thresholds reproduce the reference values and must not
// be changed if compatibility with existing analyses is required.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Classifier.Tracers = []Tracer{
		{
			Name:        "flute",
			Synonyms:    []string{"flt", "flut", "flute", "flutemetamol"},
			WindowStart: 90 * 60,
			WindowStop:  110 * 60,
			Duration:    1200,
		},
		{
			Name:        "fbb",
			Synonyms:    []string{"fbb", "florbetaben"},
			WindowStart: 90 * 60,
			WindowStop:  110 * 60,
			Duration:    1200,
		},
		{
			Name:        "fbp",
			Synonyms:    []string{"fbp", "florbetapir"},
			WindowStart: 50 * 60,
			WindowStop:  60 * 60,
			Duration:    600,
		},
	}
	cfg.Classifier.Margin = 0.1
	cfg.Classifier.BreakTime = 1800
	cfg.Classifier.BreakDynMin = 1200
	cfg.Classifier.BreakDynMax = 2400
	cfg.Classifier.FullDynMin = 3600

	cfg.Registration.CostFunction = "nmi"
	cfg.Registration.FWHMRef = 8
	cfg.Registration.FWHMFlo = 8
	cfg.Registration.FloatingWeight = 1
	cfg.Registration.ReferenceWeight = 1
	cfg.Registration.Workers = runtime.NumCPU()

	cfg.Tools.Converter = "dcm2vol"
	cfg.Tools.Register = "amyreg"
	cfg.Tools.Resample = "amyresample"
	cfg.Tools.BiasCorrect = "n4correct"
	cfg.Tools.Smooth = "amysmooth"

	cfg.Output.SaveVOIMasks = false
	cfg.Output.QCPlot = true
	cfg.Output.Verbose = true

	return cfg
}

// FindTracer returns the tracer entry with the given canonical name.
func (c *Config) FindTracer(name string) (Tracer, bool) {
	for _, t := range c.Classifier.Tracers {
		if t.Name == name {
			return t, true
		}
	}
	return Tracer{}, false
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
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
