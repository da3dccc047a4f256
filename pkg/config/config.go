// Package config provides configuration loading and management for freebrowse.
// It handles loading configuration from YAML files and the backend environment
// variables, and provides default values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"freebrowse/internal/models"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Session controller behaviour
	Session struct {
		// ReadyPollInterval is the delay between engine readiness checks
		ReadyPollInterval time.Duration `yaml:"readyPollInterval"`

		// ReadyPollAttempts bounds the readiness poll
		ReadyPollAttempts int `yaml:"readyPollAttempts"`

		// RedrawDebounce collapses bursts of parameter changes into one redraw
		RedrawDebounce time.Duration `yaml:"redrawDebounce"`

		// DragSettleDelay is waited after a drag release before state is re-read
		DragSettleDelay time.Duration `yaml:"dragSettleDelay"`

		// LoadViaDocument selects document mode over options-array mode
		LoadViaDocument bool `yaml:"loadViaDocument"`

		// SkipRemoveConfirmation removes volumes without opening the dialog
		SkipRemoveConfirmation bool `yaml:"skipRemoveConfirmation"`
	} `yaml:"session"`

	// Defaults applied to a fresh session
	Defaults struct {
		Viewer  models.ViewerOptions  `yaml:"viewer"`
		Drawing models.DrawingOptions `yaml:"drawing"`
	} `yaml:"defaults"`

	// Server holds the persistence backend settings
	Server struct {
		Addr              string   `yaml:"addr"`
		DataDir           string   `yaml:"dataDir"`
		StaticDir         string   `yaml:"staticDir"`
		SceneSchemaID     string   `yaml:"sceneSchemaId"`
		ImagingExtensions []string `yaml:"imagingExtensions"`
		Serverless        bool     `yaml:"serverless"`
		LogoutURL         string   `yaml:"logoutUrl"`
	} `yaml:"server"`

	// Client holds the settings used to talk to a backend
	Client struct {
		BaseURL       string        `yaml:"baseUrl"`
		Timeout       time.Duration `yaml:"timeout"`
		PathStoreFile string        `yaml:"pathStoreFile"`
		DownloadDir   string        `yaml:"downloadDir"`
	} `yaml:"client"`

	// Output parameters
	Output struct {
		// LogLevel is any level understood by logrus
		LogLevel string `yaml:"logLevel"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Session.ReadyPollInterval = 100 * time.Millisecond
	cfg.Session.ReadyPollAttempts = 20
	cfg.Session.RedrawDebounce = 100 * time.Millisecond
	cfg.Session.DragSettleDelay = 16 * time.Millisecond
	cfg.Session.LoadViaDocument = true
	cfg.Session.SkipRemoveConfirmation = false

	cfg.Defaults.Viewer = models.ViewerOptions{
		ViewMode:            models.ViewACS,
		CrosshairWidth:      1,
		CrosshairVisible:    true,
		CrosshairColor:      [4]float64{1, 0, 0, 0.5},
		InterpolateVoxels:   false,
		DragMode:            models.DragContrast,
		OverlayOutlineWidth: 0,
	}
	cfg.Defaults.Drawing = models.DrawingOptions{
		Enabled:                   false,
		Mode:                      models.DrawNone,
		PenValue:                  1,
		PenFill:                   true,
		PenErases:                 false,
		Opacity:                   1,
		MagicWand2DOnly:           true,
		MagicWandMaxDistanceMM:    15,
		MagicWandThresholdPercent: 0.05,
		Filename:                  "drawing.nii.gz",
	}

	cfg.Server.Addr = ":8080"
	cfg.Server.DataDir = "data"
	cfg.Server.ImagingExtensions = []string{"*.nii", "*.nii.gz"}

	cfg.Client.BaseURL = "http://localhost:8080"
	cfg.Client.Timeout = 30 * time.Second
	cfg.Client.DownloadDir = "."

	cfg.Output.LogLevel = "info"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
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

// ApplyEnv overrides server settings from the backend environment variables.
// Unset variables leave the current values untouched.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("DATA_DIR"); v != "" {
		c.Server.DataDir = v
	}
	if v := getenv("NIIVUE_BUILD_DIR"); v != "" {
		c.Server.StaticDir = v
	}
	if v := getenv("SCENE_SCHEMA_ID"); v != "" {
		c.Server.SceneSchemaID = v
	}
	if v := getenv("IMAGING_EXTENSIONS"); v != "" {
		var exts []string
		if err := json.Unmarshal([]byte(v), &exts); err != nil {
			return fmt.Errorf("error parsing IMAGING_EXTENSIONS: %w", err)
		}
		c.Server.ImagingExtensions = exts
	}
	if v := getenv("SERVERLESS_MODE"); v != "" {
		c.Server.Serverless = strings.EqualFold(v, "true")
	}
	if v := getenv("LOGOUT_URL"); v != "" {
		c.Server.LogoutURL = strings.TrimSpace(v)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
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
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
