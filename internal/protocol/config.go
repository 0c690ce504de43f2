package protocol

import (
	"time"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/instrument"
	"codeberg.org/mutker/cellctl/internal/safety"
	"codeberg.org/mutker/cellctl/internal/sequencer"
)

// RunConfiguration carries the engine constants shared by every protocol.
type RunConfiguration struct {
	SamplingInterval    time.Duration
	RestDuration        time.Duration
	OCVChargeDuration   time.Duration
	MinDischargeVoltage float64
	// TaperFraction of the charge current ends a CV phase.
	TaperFraction float64
	// DrawOffCurrent ends the charge of the actual-capacity test.
	DrawOffCurrent float64
	VoltageMargin  float64
	MeterMode      instrument.MeterMode
}

// DefaultRunConfiguration returns the bench defaults.
func DefaultRunConfiguration() RunConfiguration {
	return RunConfiguration{
		SamplingInterval:    sequencer.DefaultSamplingInterval,
		RestDuration:        600 * time.Second,
		OCVChargeDuration:   60 * time.Second,
		MinDischargeVoltage: 2.75,
		TaperFraction:       0.05,
		DrawOffCurrent:      1.5,
		VoltageMargin:       safety.DefaultMargin,
		MeterMode:           instrument.MeterNone,
	}
}

func (c RunConfiguration) Validate() error {
	errFactory := errors.New()

	switch {
	case c.SamplingInterval <= 0:
		return errFactory.WithData(errors.ErrInvalidInterval, c.SamplingInterval.String())
	case c.RestDuration < 0 || c.OCVChargeDuration <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "rest and OCV charge durations")
	case c.MinDischargeVoltage < 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "min_discharge_voltage")
	case c.TaperFraction <= 0 || c.TaperFraction >= 1:
		return errFactory.WithData(errors.ErrInvalidConfig, "taper_fraction")
	case c.DrawOffCurrent <= 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "draw_off_current")
	case c.VoltageMargin < 0:
		return errFactory.WithData(errors.ErrInvalidConfig, "voltage_margin")
	case !c.MeterMode.IsValid():
		return errFactory.WithData(errors.ErrInvalidConfig, "meter_mode")
	}

	return nil
}
