package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dbehnke/ambetools/pkg/dv3000"
)

// Config represents the application configuration
type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	Vocoder VocoderConfig `mapstructure:"vocoder"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`
}

// DeviceConfig holds the serial link settings
type DeviceConfig struct {
	Port         string        `mapstructure:"port"`
	Speed        int           `mapstructure:"speed"`
	Reset        bool          `mapstructure:"reset"`         // reset the vocoder before configuring it
	Timeout      time.Duration `mapstructure:"timeout"`       // per request/response wait
	ResetTimeout time.Duration `mapstructure:"reset_timeout"` // wait for READY after RESET
}

// VocoderConfig holds the conversion settings
type VocoderConfig struct {
	Mode      string  `mapstructure:"mode"` // dstar, dmr, ysf, p25
	FEC       bool    `mapstructure:"fec"`
	Amplitude float64 `mapstructure:"amplitude"`
	Signature string  `mapstructure:"signature"` // AMBE file header
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled    bool             `mapstructure:"enabled"`
	Textfile   string           `mapstructure:"textfile"` // written once at the end of a run
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig holds Prometheus metrics configuration
type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// HistoryConfig holds the conversion history database settings
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"amplitude": "vocoder.amplitude",
	"signature": "vocoder.signature",
	"mode":      "vocoder.mode",
	"fec":       "vocoder.fec",
	"port":      "device.port",
	"speed":     "device.speed",
	"reset":     "device.reset",
}

// Flags returns the command line flags shared by the conversion tools.
// Short names are the classic single-letter options of the tools.
func Flags(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SortFlags = false

	flags.Float64P("amplitude", "a", 1.0, "PCM amplitude multiplier")
	flags.StringP("signature", "g", "", "AMBE file signature")
	flags.StringP("mode", "m", "dstar", "vocoder mode: dstar, dmr, ysf or p25")
	flags.IntP("fec", "f", 1, "forward error correction: 0 or 1")
	flags.StringP("port", "p", dv3000.DefaultPort, "serial port of the DV3000")
	flags.IntP("speed", "s", dv3000.DefaultSpeed, "serial speed")
	flags.BoolP("reset", "r", false, "reset the DV3000 before use")
	flags.StringP("config", "c", "", "configuration file")
	flags.Bool("list-ports", false, "list serial ports and exit")
	flags.Bool("version", false, "print version and exit")
	return flags
}

// BindFlags lets flags given on the command line override the file and
// environment. Flags left at their defaults do not.
func BindFlags(flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables. An empty
// configFile searches the usual locations and falls back to defaults; a
// named file must exist.
func Load(configFile string) (*Config, error) {
	// Set defaults
	setDefaults()

	// Set config file
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("ambetools")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/ambetools")
		viper.AddConfigPath("/etc/ambetools")
	}

	// Environment variables: AMBE_DEVICE_PORT, AMBE_VOCODER_MODE, ...
	viper.SetEnvPrefix("AMBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
			// Nothing in the search path, defaults apply
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("config file %s not found: %w", configFile, err)
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ConfigFileUsed returns the file Load read, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// setDefaults sets default configuration values
func setDefaults() {
	// Device defaults
	viper.SetDefault("device.port", dv3000.DefaultPort)
	viper.SetDefault("device.speed", dv3000.DefaultSpeed)
	viper.SetDefault("device.reset", false)
	viper.SetDefault("device.timeout", dv3000.DefaultTimeout)
	viper.SetDefault("device.reset_timeout", dv3000.DefaultResetTimeout)

	// Vocoder defaults
	viper.SetDefault("vocoder.mode", "dstar")
	viper.SetDefault("vocoder.fec", true)
	viper.SetDefault("vocoder.amplitude", 1.0)
	viper.SetDefault("vocoder.signature", "")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.file", "")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.textfile", "")
	viper.SetDefault("metrics.prometheus.enabled", false)
	viper.SetDefault("metrics.prometheus.port", 9090)
	viper.SetDefault("metrics.prometheus.path", "/metrics")

	// History defaults
	viper.SetDefault("history.enabled", false)
	viper.SetDefault("history.path", "ambetools.db")
}

// Mode returns the parsed vocoder mode.
func (c *Config) Mode() (dv3000.Mode, error) {
	return dv3000.ParseMode(c.Vocoder.Mode)
}

// Session returns the settings for a vocoder session.
func (c *Config) Session() (dv3000.Config, error) {
	mode, err := c.Mode()
	if err != nil {
		return dv3000.Config{}, err
	}
	return dv3000.Config{
		Mode:         mode,
		FEC:          c.Vocoder.FEC,
		Reset:        c.Device.Reset,
		Port:         c.Device.Port,
		Speed:        c.Device.Speed,
		Timeout:      c.Device.Timeout,
		ResetTimeout: c.Device.ResetTimeout,
	}, nil
}
