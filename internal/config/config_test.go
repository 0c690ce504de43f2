package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/cellctl/internal/config"
	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/instrument"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cellctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("cellctl", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
log_level = "debug"
sampling_interval = "500ms"
rest_duration = "5m"
min_discharge_voltage = 2.8
taper_fraction = 0.1
source_addr = "10.0.0.2:5025"
load_addr = "10.0.0.3:5025"
meter_addr = "10.0.0.4:5025"
meter_mode = "thermocouple"
db_path = "/path/to/datasets.db"
`)
	t.Setenv("CELLCTL_CONFIG", configPath)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, config.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.SamplingInterval)
	assert.Equal(t, 5*time.Minute, cfg.RestDuration)
	assert.InDelta(t, 2.8, cfg.MinDischargeVoltage, 1e-9)
	assert.InDelta(t, 0.1, cfg.TaperFraction, 1e-9)
	assert.Equal(t, "10.0.0.2:5025", cfg.SourceAddr)
	assert.Equal(t, instrument.MeterThermocouple, cfg.MeterMode)
	assert.Equal(t, "/path/to/datasets.db", cfg.RecorderConfig().DBPath)
	assert.Equal(t, "10.0.0.4:5025", cfg.Addresses().Meter)

	run := cfg.RunConfiguration()
	assert.Equal(t, 500*time.Millisecond, run.SamplingInterval)
	assert.Equal(t, instrument.MeterThermocouple, run.MeterMode)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CELLCTL_CONFIG", "")

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.False(t, cfg.Simulate)
	assert.Equal(t, 200*time.Millisecond, cfg.SamplingInterval)
	assert.Equal(t, 600*time.Second, cfg.RestDuration)
	assert.Equal(t, 60*time.Second, cfg.OCVChargeDuration)
	assert.InDelta(t, 2.75, cfg.MinDischargeVoltage, 1e-9)
	assert.InDelta(t, 0.05, cfg.TaperFraction, 1e-9)
	assert.InDelta(t, 1.5, cfg.DrawOffCurrent, 1e-9)
	assert.InDelta(t, 0.01, cfg.VoltageMargin, 1e-9)
	assert.Zero(t, cfg.VoltageProtection)
	assert.Zero(t, cfg.CurrentProtection)
	assert.Zero(t, cfg.PowerProtection)
	assert.Zero(t, cfg.VoltageSlew)
	assert.Zero(t, cfg.CurrentSlew)
	assert.Equal(t, instrument.MeterNone, cfg.MeterMode)
	assert.Empty(t, cfg.DBPath)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	t.Setenv("CELLCTL_CONFIG", writeConfig(t, `
This is not a valid TOML file
`))

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
	assert.Contains(t, err.Error(), "Failed to read config file")
}

func TestInvalidLogLevel(t *testing.T) {
	t.Setenv("CELLCTL_CONFIG", writeConfig(t, `
log_level = "invalid"
simulate = true
`))

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestFlagsOverrideFileAndEnv(t *testing.T) {
	t.Setenv("CELLCTL_CONFIG", writeConfig(t, `
log_level = "error"
simulate = true
sampling_interval = "1s"
`))
	t.Setenv("CELLCTL_SAMPLING_INTERVAL", "2s")

	cfg, err := config.Load(newFlagSet(t, "--log-level", "debug"))
	require.NoError(t, err)
	assert.Equal(t, config.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.SamplingInterval, "environment beats the file")

	cfg, err = config.Load(newFlagSet(t, "--sampling-interval", "3s"))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.SamplingInterval, "flags beat the environment")
}

func TestConfigFlag(t *testing.T) {
	path := writeConfig(t, `
simulate = true
voltage_protection = 12.5
`)
	t.Setenv("CELLCTL_CONFIG", "")

	cfg, err := config.Load(newFlagSet(t, "--config", path))
	require.NoError(t, err)
	assert.InDelta(t, 12.5, cfg.VoltageProtection, 1e-9)
}

func TestValidate(t *testing.T) {
	t.Setenv("CELLCTL_CONFIG", "")

	tests := []struct {
		name string
		args []string
		code errors.ErrorCode
	}{
		{
			name: "unknown meter mode",
			args: []string{"--meter-mode", "ohms"},
			code: errors.ErrInvalidConfig,
		},
		{
			name: "zero sampling interval",
			args: []string{"--sampling-interval", "0s"},
			code: errors.ErrInvalidInterval,
		},
		{
			name: "taper fraction out of range",
			args: []string{"--taper-fraction", "1.5"},
			code: errors.ErrInvalidConfig,
		},
		{
			name: "negative protection",
			args: []string{"--current-protection", "-1"},
			code: errors.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(newFlagSet(t, tt.args...))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestValidateBench(t *testing.T) {
	t.Setenv("CELLCTL_CONFIG", "")

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{name: "simulated", args: []string{"--simulate"}},
		{name: "missing source address", args: []string{"--load-addr", "b:1"}, wantErr: true},
		{name: "missing load address", args: []string{"--source-addr", "a:1"}, wantErr: true},
		{
			name:    "meter mode without meter",
			args:    []string{"--source-addr", "a:1", "--load-addr", "b:1", "--meter-mode", "voltage"},
			wantErr: true,
		},
		{name: "complete", args: []string{"--source-addr", "a:1", "--load-addr", "b:1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load(newFlagSet(t, tt.args...))
			require.NoError(t, err)

			err = cfg.ValidateBench()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrMissingConfig))
		})
	}
}
