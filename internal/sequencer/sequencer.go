// Package sequencer runs single protocol phases against the bench
// instruments: it programs the device, samples at a fixed cadence, feeds the
// aggregator and stops the device once the exit condition, the discharge
// interlock or cancellation ends the phase.
package sequencer

import (
	"context"
	"time"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/instrument"
	"codeberg.org/mutker/cellctl/internal/logger"
	"codeberg.org/mutker/cellctl/internal/sample"
)

// Clock abstracts time so phases can be driven without real waits.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, returning ctx.Err() then.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock returns the wall clock.
func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Observer receives every sample as soon as it is taken.
type Observer interface {
	ObserveSample(phase string, elapsed, voltage, current float64)
}

// Outcome is how a phase ended.
type Outcome int

const (
	// Completed means the nominal exit condition was reached.
	Completed Outcome = iota
	// UnderVoltage means the discharge interlock ended the phase.
	UnderVoltage
	// Cancelled means the run was cancelled during the phase.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case UnderVoltage:
		return "under_voltage"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result summarizes one finished phase.
type Result struct {
	Outcome     Outcome
	Samples     int
	Duration    time.Duration
	LastVoltage float64
	LastCurrent float64
	// CapacityAh and EnergyWh are the integrals accumulated by this phase.
	CapacityAh float64
	EnergyWh   float64
}

// Sequencer executes phases. It holds no per-run state and may be reused.
type Sequencer struct {
	clock     Clock
	log       logger.Logger
	observer  Observer
	meterMode instrument.MeterMode
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(s *Sequencer) {
		s.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Sequencer) {
		s.log = log
	}
}

// WithObserver registers a per-sample observer such as a journal.
func WithObserver(observer Observer) Option {
	return func(s *Sequencer) {
		s.observer = observer
	}
}

// WithMeterMode logs an auxiliary meter reading with every sample.
func WithMeterMode(mode instrument.MeterMode) Option {
	return func(s *Sequencer) {
		s.meterMode = mode
	}
}

// New returns a Sequencer using the wall clock and the global logger.
func New(opts ...Option) *Sequencer {
	s := &Sequencer{
		clock:     RealClock(),
		log:       logger.Default(),
		meterMode: instrument.MeterNone,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Clock returns the clock phases are timed with.
func (s *Sequencer) Clock() Clock {
	return s.clock
}

// RunPhase executes one phase to completion. Cancellation of ctx ends the
// phase with the Cancelled outcome and an ErrCancelled error after the
// phase's device has been stopped. Device failures are returned unchanged
// and leave stopping the outputs to the caller.
func (s *Sequencer) RunPhase(
	ctx context.Context,
	spec PhaseSpec,
	devices instrument.Devices,
	agg *sample.Aggregator,
) (Result, error) {
	if err := spec.Validate(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{Outcome: Cancelled}, s.cancelled(spec, err)
	}

	start := s.clock.Now()
	agg.BeginPhase(agg.Elapsed(start), spec.CountCapacity)
	ahStart, whStart := agg.Totals()

	s.log.Info().
		Str("phase", spec.Label()).
		Float64("setpoint", spec.Setpoint).
		Str("exit", spec.Exit.String()).
		Dur("interval", spec.Interval()).
		Msg("Phase started")

	if spec.Kind == Rest {
		return s.rest(ctx, spec, start)
	}

	if err := s.program(spec, devices); err != nil {
		return Result{}, err
	}

	var result Result
	interval := spec.Interval()

	for {
		if err := s.clock.Sleep(ctx, interval); err != nil {
			return s.abort(spec, devices, result, start, err)
		}
		if err := ctx.Err(); err != nil {
			return s.abort(spec, devices, result, start, err)
		}

		now := s.clock.Now()
		phaseElapsed := now.Sub(start)

		if spec.Ramp != nil {
			if err := devices.Source.SetConstantVoltage(spec.Ramp.At(phaseElapsed)); err != nil {
				return result, err
			}
		}

		voltage, current, err := s.read(spec.Kind, devices)
		if err != nil {
			return result, err
		}

		elapsed := agg.Elapsed(now)
		agg.AddSample(elapsed, voltage, current)
		if s.meterMode.Enabled() {
			if devices.Meter == nil {
				return result, errors.New().New(instrument.ErrMeterMissing)
			}
			aux, err := instrument.ReadAuxiliary(devices.Meter, s.meterMode)
			if err != nil {
				return result, err
			}
			agg.AddAuxiliary(aux)
		}
		if s.observer != nil {
			s.observer.ObserveSample(spec.Label(), elapsed, voltage, current)
		}

		result.Samples++
		result.LastVoltage = voltage
		result.LastCurrent = current

		s.log.Debug().
			Str("phase", spec.Label()).
			Float64("elapsed", sample.Round4(phaseElapsed.Seconds())).
			Float64("voltage", voltage).
			Float64("current", current).
			Msg("Sample")

		if err := ctx.Err(); err != nil {
			return s.abort(spec, devices, result, start, err)
		}

		if spec.Kind == DischargeCC && spec.MinVoltage > 0 && voltage < spec.MinVoltage {
			s.log.Warn().
				Str("phase", spec.Label()).
				Float64("voltage", voltage).
				Float64("min_voltage", spec.MinVoltage).
				Msg("Discharge interlock tripped")
			result.Outcome = UnderVoltage
			break
		}

		if spec.Exit.Reached(phaseElapsed, voltage, current) {
			result.Outcome = Completed
			break
		}
	}

	if err := s.stop(spec.Kind, devices); err != nil {
		return result, err
	}

	ahEnd, whEnd := agg.Totals()
	result.CapacityAh = ahEnd - ahStart
	result.EnergyWh = whEnd - whStart
	result.Duration = s.clock.Now().Sub(start)

	s.log.Info().
		Str("phase", spec.Label()).
		Str("outcome", result.Outcome.String()).
		Int("samples", result.Samples).
		Dur("duration", result.Duration).
		Float64("capacity_ah", sample.Round4(result.CapacityAh)).
		Float64("energy_wh", sample.Round4(result.EnergyWh)).
		Msg("Phase finished")

	return result, nil
}

func (s *Sequencer) rest(ctx context.Context, spec PhaseSpec, start time.Time) (Result, error) {
	if err := s.clock.Sleep(ctx, spec.Exit.Duration()); err != nil {
		return Result{Outcome: Cancelled, Duration: s.clock.Now().Sub(start)}, s.cancelled(spec, err)
	}

	return Result{Outcome: Completed, Duration: s.clock.Now().Sub(start)}, nil
}

// program puts the phase's device into the requested mode.
func (s *Sequencer) program(spec PhaseSpec, devices instrument.Devices) error {
	switch spec.Kind {
	case ChargeCC:
		ceiling := spec.Ceiling
		if spec.Ramp != nil {
			ceiling = spec.Ramp.At(0)
		}
		if err := devices.Source.SetConstantCurrent(spec.Setpoint); err != nil {
			return err
		}
		if ceiling > 0 {
			if err := devices.Source.SetConstantVoltage(ceiling); err != nil {
				return err
			}
		}
		return devices.Source.SetOutputEnabled(true)

	case ChargeCV:
		if spec.Ceiling > 0 {
			if err := devices.Source.SetConstantCurrent(spec.Ceiling); err != nil {
				return err
			}
		}
		if err := devices.Source.SetConstantVoltage(spec.Setpoint); err != nil {
			return err
		}
		return devices.Source.SetOutputEnabled(true)

	case DischargeCC:
		if err := devices.Load.SetEnabled(false); err != nil {
			return err
		}
		if err := devices.Load.SetMode(spec.Range); err != nil {
			return err
		}
		if err := devices.Load.SetConstantCurrentSetpoint(spec.Setpoint); err != nil {
			return err
		}
		return devices.Load.SetEnabled(true)
	}

	return nil
}

func (s *Sequencer) read(kind PhaseKind, devices instrument.Devices) (voltage, current float64, err error) {
	if kind.IsCharge() {
		if voltage, err = devices.Source.ReadVoltage(); err != nil {
			return 0, 0, err
		}
		current, err = devices.Source.ReadCurrent()
		return voltage, current, err
	}

	if voltage, err = devices.Load.ReadVoltage(); err != nil {
		return 0, 0, err
	}
	current, err = devices.Load.ReadCurrent()

	return voltage, current, err
}

// stop switches off the device driven by a phase of the given kind.
func (s *Sequencer) stop(kind PhaseKind, devices instrument.Devices) error {
	switch {
	case kind.IsCharge():
		return devices.Source.SetOutputEnabled(false)
	case kind == DischargeCC:
		return devices.Load.SetEnabled(false)
	}

	return nil
}

func (s *Sequencer) abort(
	spec PhaseSpec,
	devices instrument.Devices,
	result Result,
	start time.Time,
	cause error,
) (Result, error) {
	result.Outcome = Cancelled
	result.Duration = s.clock.Now().Sub(start)

	if err := s.stop(spec.Kind, devices); err != nil {
		s.log.Error().Err(err).Str("phase", spec.Label()).Msg("Failed to stop device after cancellation")
	}

	return result, s.cancelled(spec, cause)
}

func (s *Sequencer) cancelled(spec PhaseSpec, cause error) error {
	s.log.Info().Str("phase", spec.Label()).Msg("Phase cancelled")
	return errors.New().Wrap(ErrCancelled, cause).WithData(spec.Label())
}
