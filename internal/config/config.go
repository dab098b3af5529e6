package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"epdframe/internal/convert"
	"epdframe/internal/model"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions.

// DeviceConfig describes the attached panel and how it is mounted.
type DeviceConfig struct {
	// Orientation is "horizontal" (native landscape) or "vertical".
	Orientation model.Orientation `yaml:"orientation" json:"orientation"`
	// Width/Height are the physical panel resolution in native layout.
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
	// BorderPercent is the default white margin applied when a plugin
	// instance does not set its own.
	BorderPercent int `yaml:"border_percent" json:"border_percent"`
}

// DitherConfig selects the error diffusion kernel.
type DitherConfig struct {
	// Matrix is a kernel name (see convert.MatrixNames), or "none".
	Matrix   string  `yaml:"matrix" json:"matrix"`
	Strength float32 `yaml:"strength" json:"strength"`
}

// PathsConfig holds on-disk locations.
type PathsConfig struct {
	// DataDir is the base for every relative path below.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// ImageDir stores uploaded source images.
	ImageDir string `yaml:"image_dir" json:"image_dir"`
	// CurrentImage is the fitted PNG of the last refresh cycle.
	CurrentImage string `yaml:"current_image" json:"current_image"`
	// StateFile is the JSON document with plugin instances and order.
	StateFile string `yaml:"state_file" json:"state_file"`
	// CacheDir is used by plugins that fetch remote data.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
}

// PanelConfig wires the SPI panel. When Enabled is false the frame only
// serves images over HTTP (for a remote display client).
type PanelConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	SPIPort  string `yaml:"spi_port" json:"spi_port"`
	DCPin    string `yaml:"dc_pin" json:"dc_pin"`
	ResetPin string `yaml:"reset_pin" json:"reset_pin"`
	BusyPin  string `yaml:"busy_pin" json:"busy_pin"`
	SpeedHz  int64  `yaml:"speed_hz" json:"speed_hz"`
}

// BatteryConfig points at an optional PiSugar-style I2C battery controller.
type BatteryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	I2CBus  string `yaml:"i2c_bus" json:"i2c_bus"`
	I2CAddr uint16 `yaml:"i2c_addr" json:"i2c_addr"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Refresh is a cron-style schedule string (e.g. "*/30 * * * *") for
	// plugin refresh cycles. "off" disables scheduled refreshes.
	Refresh string `yaml:"refresh" json:"refresh"`

	Device  DeviceConfig  `yaml:"device" json:"device"`
	Dither  DitherConfig  `yaml:"dither" json:"dither"`
	Paths   PathsConfig   `yaml:"paths" json:"paths"`
	Panel   PanelConfig   `yaml:"panel" json:"panel"`
	Battery BatteryConfig `yaml:"battery" json:"battery"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration for a 7.3"
// Spectra 6 panel.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Refresh == "" {
		c.Refresh = "*/30 * * * *"
	}

	if c.Device.Orientation == "" {
		c.Device.Orientation = model.Horizontal
	}
	c.Device.Orientation = model.Orientation(strings.ToLower(string(c.Device.Orientation)))
	if c.Device.Width == 0 && c.Device.Height == 0 {
		c.Device.Width = convert.PanelWidth
		c.Device.Height = convert.PanelHeight
	}

	if c.Dither.Matrix == "" {
		c.Dither.Matrix = convert.DefaultMatrix
	}
	if c.Dither.Strength == 0 {
		c.Dither.Strength = 1
	}

	if c.Paths.DataDir == "" {
		c.Paths.DataDir = "/var/lib/epdframe"
	}
	if c.Paths.ImageDir == "" {
		c.Paths.ImageDir = "images"
	}
	if c.Paths.CurrentImage == "" {
		c.Paths.CurrentImage = "current_image.png"
	}
	if c.Paths.StateFile == "" {
		c.Paths.StateFile = "state.json"
	}
	if c.Paths.CacheDir == "" {
		c.Paths.CacheDir = "cache"
	}

	if c.Panel.SPIPort == "" {
		c.Panel.SPIPort = "/dev/spidev0.0"
	}
	if c.Panel.DCPin == "" {
		c.Panel.DCPin = "GPIO25"
	}
	if c.Panel.ResetPin == "" {
		c.Panel.ResetPin = "GPIO17"
	}
	if c.Panel.BusyPin == "" {
		c.Panel.BusyPin = "GPIO24"
	}
	if c.Panel.SpeedHz == 0 {
		c.Panel.SpeedHz = 10_000_000
	}

	if c.Battery.I2CAddr == 0 {
		c.Battery.I2CAddr = 0x57
	}
}

// Validate reports settings the conversion pipeline cannot work with. The
// returned error is a convert.KindConfiguration error.
func (c *Config) Validate() error {
	if err := convert.ValidateDevice(c.DeviceModel()); err != nil {
		return err
	}
	if (c.Device.Width*c.Device.Height)%2 != 0 {
		return &convert.Error{Kind: convert.KindConfiguration, Op: "config",
			Err: fmt.Errorf("resolution %dx%d has an odd pixel count", c.Device.Width, c.Device.Height)}
	}
	if c.Device.BorderPercent < 0 || c.Device.BorderPercent >= 100 {
		return &convert.Error{Kind: convert.KindConfiguration, Op: "config",
			Err: fmt.Errorf("border_percent %d outside [0,100)", c.Device.BorderPercent)}
	}
	if _, err := convert.Matrix(c.Dither.Matrix, c.Dither.Strength); err != nil {
		return err
	}
	return nil
}

// DeviceModel returns the read-only device description used by plugins and
// the converter.
func (c *Config) DeviceModel() model.Device {
	return model.Device{
		Orientation: c.Device.Orientation,
		Resolution:  model.Resolution{Width: c.Device.Width, Height: c.Device.Height},
	}
}

// Resolve returns p joined onto DataDir unless it is already absolute.
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.DataDir, p)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via WriteFileAtomic with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o600)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers only ever see a complete file. Also used
// for the state document and the current image.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
