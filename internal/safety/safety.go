// Package safety programs the hardware protection envelope of the power
// source before any protocol drives a cell.
package safety

import (
	"fmt"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/instrument"
	"codeberg.org/mutker/cellctl/internal/logger"
)

// DefaultMargin is subtracted from the end voltage and the maximum current
// to obtain the programmed limits.
const DefaultMargin = 0.01

// Limits is the protection envelope for one run.
type Limits struct {
	EndVoltage        float64
	MaxCurrent        float64
	VoltageProtection float64
	CurrentProtection float64
	PowerProtection   float64
	VoltageSlew       float64
	CurrentSlew       float64
	// Margin defaults to DefaultMargin when zero.
	Margin float64
}

// EffectiveMargin is the margin actually applied: Margin, or DefaultMargin
// when Margin is not positive.
func (l Limits) EffectiveMargin() float64 {
	if l.Margin <= 0 {
		return DefaultMargin
	}
	return l.Margin
}

// VoltageLimit is the programmed voltage limit.
func (l Limits) VoltageLimit() float64 {
	return l.EndVoltage - l.EffectiveMargin()
}

// CurrentLimit is the programmed current limit.
func (l Limits) CurrentLimit() float64 {
	return l.MaxCurrent - l.EffectiveMargin()
}

// Validate checks that every protection threshold sits above its setpoint.
func (l Limits) Validate() error {
	errFactory := errors.New()

	switch {
	case l.EndVoltage <= 0 || l.MaxCurrent <= 0:
		return errFactory.WithData(ErrInvalidLimits, "end voltage and max current must be positive")
	case l.VoltageLimit() <= 0 || l.CurrentLimit() <= 0:
		return errFactory.WithData(ErrInvalidLimits, "margin exceeds setpoint")
	case l.VoltageProtection <= l.EndVoltage:
		return errFactory.WithData(ErrInvalidLimits,
			fmt.Sprintf("voltage protection %g must exceed end voltage %g", l.VoltageProtection, l.EndVoltage))
	case l.CurrentProtection <= l.MaxCurrent:
		return errFactory.WithData(ErrInvalidLimits,
			fmt.Sprintf("current protection %g must exceed max current %g", l.CurrentProtection, l.MaxCurrent))
	case l.PowerProtection <= 0:
		return errFactory.WithData(ErrInvalidLimits, "power protection must be positive")
	case l.VoltageSlew < 0 || l.CurrentSlew < 0:
		return errFactory.WithData(ErrInvalidLimits, "slew rates must not be negative")
	}

	return nil
}

// Configurator applies Limits to the bench.
type Configurator struct {
	devices instrument.Devices
	log     logger.Logger
}

// NewConfigurator returns a Configurator for devices.
func NewConfigurator(devices instrument.Devices, log logger.Logger) *Configurator {
	if log == nil {
		log = logger.Default()
	}
	return &Configurator{devices: devices, log: log}
}

// ApplyLimits switches all outputs off and programs the protection
// envelope. Nothing is sent to the devices when limits are invalid.
func (c *Configurator) ApplyLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}

	src := c.devices.Source
	steps := []struct {
		name string
		fn   func() error
	}{
		{"source.SetOutputEnabled", func() error { return src.SetOutputEnabled(false) }},
		{"load.SetEnabled", func() error { return c.devices.Load.SetEnabled(false) }},
		{"source.SetVoltageLimit", func() error { return src.SetVoltageLimit(limits.VoltageLimit()) }},
		{"source.SetVoltageProtection", func() error { return src.SetVoltageProtection(limits.VoltageProtection) }},
		{"source.SetCurrentLimit", func() error { return src.SetCurrentLimit(limits.CurrentLimit()) }},
		{"source.SetCurrentProtection", func() error { return src.SetCurrentProtection(limits.CurrentProtection) }},
		{"source.SetVoltageSlew", func() error { return src.SetVoltageSlew(limits.VoltageSlew) }},
		{"source.SetCurrentSlew", func() error { return src.SetCurrentSlew(limits.CurrentSlew) }},
		{"source.SetPowerProtection", func() error { return src.SetPowerProtection(limits.PowerProtection) }},
	}

	for _, step := range steps {
		if err := step.fn(); err != nil {
			return errors.New().Wrap(ErrDeviceUnreachable, err).WithData(step.name)
		}
	}

	c.log.Info().
		Float64("voltage_limit", limits.VoltageLimit()).
		Float64("voltage_protection", limits.VoltageProtection).
		Float64("current_limit", limits.CurrentLimit()).
		Float64("current_protection", limits.CurrentProtection).
		Float64("power_protection", limits.PowerProtection).
		Msg("Safety limits applied")

	return nil
}

// StopAll switches every output off, attempting each device even when an
// earlier one fails, and returns the first failure.
func StopAll(devices instrument.Devices) error {
	var first error

	if devices.Source != nil {
		if err := devices.Source.SetOutputEnabled(false); err != nil {
			first = err
		}
	}
	if devices.Load != nil {
		if err := devices.Load.SetEnabled(false); err != nil && first == nil {
			first = err
		}
	}

	if first != nil {
		return errors.New().Wrap(errors.ErrStopOutputs, first)
	}

	return nil
}
