package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/instrument"
	"codeberg.org/mutker/cellctl/internal/instrument/scpi"
	"codeberg.org/mutker/cellctl/internal/protocol"
	"codeberg.org/mutker/cellctl/internal/recorder"
)

const (
	DefaultLogLevel  = LogLevelInfo
	DefaultEnvPrefix = "CELLCTL"
	configName       = "cellctl"
	configType       = "toml"
)

var configPaths = []string{"/etc/cellctl", "."}

// Config is the bench configuration shared by every subcommand.
type Config struct {
	LogLevel LogLevel
	Simulate bool

	SamplingInterval    time.Duration
	RestDuration        time.Duration
	OCVChargeDuration   time.Duration
	MinDischargeVoltage float64
	TaperFraction       float64
	DrawOffCurrent      float64
	VoltageMargin       float64

	// Protection and slew settings override the cell profile when non-zero.
	VoltageProtection float64
	CurrentProtection float64
	PowerProtection   float64
	VoltageSlew       float64
	CurrentSlew       float64

	SourceAddr string
	LoadAddr   string
	MeterAddr  string
	MeterMode  instrument.MeterMode
	Timeout    time.Duration

	Profiles   string
	DBPath     string
	ExportDir  string
	JournalDir string
	PIDDir     string
}

// flag describes one configuration key and its command-line flag.
type flag struct {
	key   string
	name  string
	value any
	usage string
}

var flags = []flag{
	{"log_level", "log-level", string(DefaultLogLevel), "Log level (debug, info, warning, error)"},
	{"simulate", "simulate", false, "Run against the simulated bench"},
	{"sampling_interval", "sampling-interval", 200 * time.Millisecond, "Sampling cadence"},
	{"rest_duration", "rest-duration", 600 * time.Second, "Rest between charge and discharge"},
	{"ocv_charge_duration", "ocv-charge-duration", 60 * time.Second, "Charge time per OCV step"},
	{"min_discharge_voltage", "min-discharge-voltage", 2.75, "Discharge cutoff voltage"},
	{"taper_fraction", "taper-fraction", 0.05, "Fraction of the charge current that ends CV charging"},
	{"draw_off_current", "draw-off-current", 1.5, "Current that ends the capacity test charge"},
	{"voltage_margin", "voltage-margin", 0.01, "Margin below the end voltage for the source limit"},
	{"voltage_protection", "voltage-protection", 0.0, "Source over-voltage protection"},
	{"current_protection", "current-protection", 0.0, "Source over-current protection"},
	{"power_protection", "power-protection", 0.0, "Source over-power protection"},
	{"voltage_slew", "voltage-slew", 0.0, "Source voltage slew rate"},
	{"current_slew", "current-slew", 0.0, "Source current slew rate"},
	{"source_addr", "source-addr", "", "Power source address (host:port)"},
	{"load_addr", "load-addr", "", "Electronic load address (host:port)"},
	{"meter_addr", "meter-addr", "", "Multimeter address (host:port)"},
	{"meter_mode", "meter-mode", string(instrument.MeterNone), "Auxiliary meter logging (none, voltage, thermocouple)"},
	{"timeout", "timeout", scpi.DefaultTimeout, "Instrument command timeout"},
	{"profiles", "profiles", "", "Cell profile YAML file"},
	{"db_path", "db-path", "", "SQLite dataset store"},
	{"export_dir", "export-dir", "", "CSV export directory"},
	{"journal_dir", "journal-dir", "", "Sample journal directory"},
	{"pid_dir", "pid-dir", os.TempDir(), "Directory of the run lock file"},
}

// RegisterFlags adds every configuration flag plus --config to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Configuration file")

	for _, f := range flags {
		switch v := f.value.(type) {
		case string:
			fs.String(f.name, v, f.usage)
		case bool:
			fs.Bool(f.name, v, f.usage)
		case float64:
			fs.Float64(f.name, v, f.usage)
		case time.Duration:
			fs.Duration(f.name, v, f.usage)
		}
	}
}

// Load reads the configuration from the config file, CELLCTL_* environment
// variables and fs, in increasing order of precedence. fs may be nil.
func Load(fs *pflag.FlagSet, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		opt(o)
	}

	v := viper.New()
	for _, f := range flags {
		v.SetDefault(f.key, f.value)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for _, f := range flags {
			if pf := fs.Lookup(f.name); pf != nil {
				if err := v.BindPFlag(f.key, pf); err != nil {
					return nil, errFactory.Wrap(errors.ErrBindFlags, err)
				}
			}
		}
	}

	if err := readConfigFile(v, configFile(fs, o)); err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel:            LogLevel(strings.ToLower(v.GetString("log_level"))),
		Simulate:            v.GetBool("simulate"),
		SamplingInterval:    v.GetDuration("sampling_interval"),
		RestDuration:        v.GetDuration("rest_duration"),
		OCVChargeDuration:   v.GetDuration("ocv_charge_duration"),
		MinDischargeVoltage: v.GetFloat64("min_discharge_voltage"),
		TaperFraction:       v.GetFloat64("taper_fraction"),
		DrawOffCurrent:      v.GetFloat64("draw_off_current"),
		VoltageMargin:       v.GetFloat64("voltage_margin"),
		VoltageProtection:   v.GetFloat64("voltage_protection"),
		CurrentProtection:   v.GetFloat64("current_protection"),
		PowerProtection:     v.GetFloat64("power_protection"),
		VoltageSlew:         v.GetFloat64("voltage_slew"),
		CurrentSlew:         v.GetFloat64("current_slew"),
		SourceAddr:          v.GetString("source_addr"),
		LoadAddr:            v.GetString("load_addr"),
		MeterAddr:           v.GetString("meter_addr"),
		MeterMode:           instrument.MeterMode(strings.ToLower(v.GetString("meter_mode"))),
		Timeout:             v.GetDuration("timeout"),
		Profiles:            v.GetString("profiles"),
		DBPath:              v.GetString("db_path"),
		ExportDir:           v.GetString("export_dir"),
		JournalDir:          v.GetString("journal_dir"),
		PIDDir:              v.GetString("pid_dir"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// configFile picks the explicit config path: option, then --config, then
// the <PREFIX>_CONFIG environment variable.
func configFile(fs *pflag.FlagSet, o *options) string {
	if o.configPath != "" {
		return o.configPath
	}
	if fs != nil {
		if path, err := fs.GetString("config"); err == nil && path != "" {
			return path
		}
	}
	return os.Getenv(o.envPrefix + "_CONFIG")
}

func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigName(configName)
	v.SetConfigType(configType)
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !c.LogLevel.IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel.String())
	}
	if c.SamplingInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.SamplingInterval.String())
	}
	if c.Timeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "timeout")
	}
	if !c.MeterMode.IsValid() {
		return errFactory.WithData(errors.ErrInvalidConfig, "meter_mode: "+string(c.MeterMode))
	}
	if c.VoltageProtection < 0 || c.CurrentProtection < 0 || c.PowerProtection < 0 ||
		c.VoltageSlew < 0 || c.CurrentSlew < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "protections and slews must not be negative")
	}

	return c.RunConfiguration().Validate()
}

// ValidateBench checks that every instrument a run needs has an address.
// The simulated bench needs none.
func (c *Config) ValidateBench() error {
	if c.Simulate {
		return nil
	}

	errFactory := errors.New()

	switch {
	case c.SourceAddr == "":
		return errFactory.WithData(errors.ErrMissingConfig, "source_addr")
	case c.LoadAddr == "":
		return errFactory.WithData(errors.ErrMissingConfig, "load_addr")
	case c.MeterMode.Enabled() && c.MeterAddr == "":
		return errFactory.WithData(errors.ErrMissingConfig, "meter_addr")
	}

	return nil
}

// RunConfiguration returns the engine constants for a test run.
func (c *Config) RunConfiguration() protocol.RunConfiguration {
	return protocol.RunConfiguration{
		SamplingInterval:    c.SamplingInterval,
		RestDuration:        c.RestDuration,
		OCVChargeDuration:   c.OCVChargeDuration,
		MinDischargeVoltage: c.MinDischargeVoltage,
		TaperFraction:       c.TaperFraction,
		DrawOffCurrent:      c.DrawOffCurrent,
		VoltageMargin:       c.VoltageMargin,
		MeterMode:           c.MeterMode,
	}
}

// RecorderConfig returns the dataset destinations.
func (c *Config) RecorderConfig() recorder.Config {
	return recorder.Config{
		DBPath:    c.DBPath,
		ExportDir: c.ExportDir,
	}
}

// Addresses returns the instrument endpoints.
func (c *Config) Addresses() scpi.Addresses {
	return scpi.Addresses{
		Source: c.SourceAddr,
		Load:   c.LoadAddr,
		Meter:  c.MeterAddr,
	}
}
