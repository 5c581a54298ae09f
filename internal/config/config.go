package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the device settings required to reach the fleet backend
// and to apply firmware updates locally.
type Config struct {
	// ThingsBoardURL is the scheme and host of the fleet-management backend.
	ThingsBoardURL string `yaml:"thingsboard_url"`
	// ThingsBoardPort is the HTTP port of the backend.
	ThingsBoardPort int `yaml:"thingsboard_port"`
	// DeviceToken is the device access token used in the backend API path.
	DeviceToken string `yaml:"device_token"`
	// FirmwareDirectory is the root of the live firmware tree.
	FirmwareDirectory string `yaml:"firmware_dir"`
	// RestartCommand is the entry command started after a successful update.
	// Empty means the restart is left to the process supervisor.
	RestartCommand []string `yaml:"restart_command"`
	// PollInterval is the delay between update availability checks.
	PollInterval time.Duration `yaml:"poll_interval"`
	// RequestAttempts is the total number of tries for each network request.
	// Zero picks the transport default.
	RequestAttempts int `yaml:"request_attempts"`
	// RequestRetryDelay is the fixed wait between request retries.
	// Zero picks the transport default.
	RequestRetryDelay time.Duration `yaml:"request_retry_delay"`
	// LogLevel is the minimum level for agent logs (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

const (
	// DefaultConfigFilename is the default filename for device settings.
	DefaultConfigFilename = "cota-settings.yaml"

	// DefaultPollInterval is the default delay between availability checks.
	DefaultPollInterval = 30 * time.Second

	// DefaultThingsBoardPort is the ThingsBoard HTTP transport port.
	DefaultThingsBoardPort = 8080

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errBackendURLRequired is returned when the backend URL is missing.
	errBackendURLRequired = errors.New("thingsboard URL must be provided")
	// errDeviceTokenRequired is returned when the device access token is missing.
	errDeviceTokenRequired = errors.New("device access token must be provided")
)

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions: the file carries the device access token.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields and fills in defaults.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.ThingsBoardURL == "" {
		return errBackendURLRequired
	}

	if _, err := url.ParseRequestURI(cfg.ThingsBoardURL); err != nil {
		return fmt.Errorf("invalid thingsboard URL: %w", err)
	}

	if cfg.DeviceToken == "" {
		return errDeviceTokenRequired
	}

	if cfg.ThingsBoardPort <= 0 {
		cfg.ThingsBoardPort = DefaultThingsBoardPort
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.FirmwareDirectory == "" {
		cfg.FirmwareDirectory = "."
	}

	return nil
}
