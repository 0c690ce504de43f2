package protocol

import (
	"context"
	"time"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/instrument"
	"codeberg.org/mutker/cellctl/internal/logger"
	"codeberg.org/mutker/cellctl/internal/recorder"
	"codeberg.org/mutker/cellctl/internal/safety"
	"codeberg.org/mutker/cellctl/internal/sample"
	"codeberg.org/mutker/cellctl/internal/sequencer"
)

// DatasetInfo labels the dataset a protocol is about to collect.
type DatasetInfo struct {
	Name        string
	Rate        float64
	Step        int
	Temperature float64
	// TrackCapacity adds a running capacity series to the dataset.
	TrackCapacity  bool
	ChargeDuration time.Duration
}

// Session is the execution context of one test run. Protocols drive the
// bench exclusively through it. It is used by a single goroutine.
type Session struct {
	info     recorder.RunInfo
	cfg      RunConfiguration
	devices  instrument.Devices
	seq      *sequencer.Sequencer
	limits   *safety.Configurator
	applied  safety.Limits
	recorder recorder.Recorder
	journal  Journal
	log      logger.Logger

	agg      *sample.Aggregator
	open     *DatasetInfo
	datasets []*sample.CycleDataset
}

// Info returns the identity of the run.
func (s *Session) Info() recorder.RunInfo {
	return s.info
}

// Config returns the engine configuration of the run.
func (s *Session) Config() RunConfiguration {
	return s.cfg
}

// Devices returns the bench owned by the run.
func (s *Session) Devices() instrument.Devices {
	return s.devices
}

// Logger returns the run logger.
func (s *Session) Logger() logger.Logger {
	return s.log
}

// ApplyLimits programs the protection envelope. The configured voltage
// margin is used unless limits carries its own.
func (s *Session) ApplyLimits(limits safety.Limits) error {
	if limits.Margin == 0 {
		limits.Margin = s.cfg.VoltageMargin
	}
	if err := s.limits.ApplyLimits(limits); err != nil {
		return err
	}
	s.applied = limits
	return nil
}

// VoltageLimit returns the source voltage limit programmed for a charge to
// voltage: one effective margin below it.
func (s *Session) VoltageLimit(voltage float64) float64 {
	return voltage - s.applied.EffectiveMargin()
}

// BeginDataset starts collecting a new dataset. The dataset clock starts
// now.
func (s *Session) BeginDataset(info DatasetInfo) error {
	if s.open != nil {
		return errors.New().WithData(ErrDatasetState, s.open.Name)
	}

	s.open = &info
	s.agg = sample.NewAggregator()
	s.agg.TrackCapacity(info.TrackCapacity)
	s.agg.Elapsed(s.seq.Clock().Now())

	if s.journal != nil {
		s.journal.BeginDataset(len(s.datasets))
	}

	s.log.Debug().
		Str("dataset", info.Name).
		Int("step", info.Step).
		Float64("rate", info.Rate).
		Msg("Dataset started")

	return nil
}

// RunPhase runs spec into the open dataset. A zero sampling interval takes
// the configured one.
func (s *Session) RunPhase(ctx context.Context, spec sequencer.PhaseSpec) (sequencer.Result, error) {
	if s.open == nil {
		return sequencer.Result{}, errors.New().WithMessage(ErrDatasetState, "no dataset open")
	}
	return s.RunPhaseInto(ctx, spec, s.agg)
}

// RunPhaseInto runs spec into agg instead of the open dataset.
func (s *Session) RunPhaseInto(
	ctx context.Context,
	spec sequencer.PhaseSpec,
	agg *sample.Aggregator,
) (sequencer.Result, error) {
	if spec.SamplingInterval <= 0 {
		spec.SamplingInterval = s.cfg.SamplingInterval
	}
	return s.seq.RunPhase(ctx, spec, s.devices, agg)
}

// Rest waits for d without touching the bench.
func (s *Session) Rest(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	_, err := s.RunPhaseInto(ctx, sequencer.PhaseSpec{
		Name: "rest",
		Kind: sequencer.Rest,
		Exit: sequencer.ElapsedDuration(d),
	}, sample.NewAggregator())
	return err
}

// AddSample records a single measurement taken outside a phase, such as an
// open-circuit voltage.
func (s *Session) AddSample(phase string, voltage, current float64) error {
	if s.open == nil {
		return errors.New().WithMessage(ErrDatasetState, "no dataset open")
	}

	elapsed := s.agg.Elapsed(s.seq.Clock().Now())
	s.agg.BeginPhase(elapsed, false)
	s.agg.AddSample(elapsed, voltage, current)
	if s.journal != nil {
		s.journal.ObserveSample(phase, elapsed, voltage, current)
	}

	s.log.Debug().
		Str("phase", phase).
		Float64("voltage", voltage).
		Float64("current", current).
		Msg("Sample")

	return nil
}

// EndDataset finalizes the open dataset and hands it to the recorder.
func (s *Session) EndDataset(ctx context.Context) (*sample.CycleDataset, error) {
	ds, err := s.finalize(false)
	if err != nil {
		return nil, err
	}

	if err := s.recorder.Record(ctx, s.info, ds); err != nil {
		return ds, errors.New().Wrap(ErrRecordDataset, err).WithData(ds.Name)
	}

	s.log.Info().
		Str("dataset", ds.Name).
		Int("step", ds.Step).
		Int("samples", ds.Len()).
		Float64("capacity_ah", ds.CapacityAh).
		Float64("energy_wh", ds.EnergyWh).
		Msg("Dataset recorded")

	return ds, nil
}

// abandon keeps whatever the open dataset collected before a failure.
// Recording is best-effort and ignores cancellation of ctx.
func (s *Session) abandon(ctx context.Context) {
	if s.open == nil {
		return
	}
	if s.agg.Len() == 0 {
		s.open = nil
		return
	}

	ds, err := s.finalize(true)
	if err != nil {
		return
	}

	if err := s.recorder.Record(context.WithoutCancel(ctx), s.info, ds); err != nil {
		s.log.Error().Err(err).Str("dataset", ds.Name).Msg("Failed to record partial dataset")
		return
	}

	s.log.Warn().
		Str("dataset", ds.Name).
		Int("samples", ds.Len()).
		Msg("Partial dataset recorded")
}

func (s *Session) finalize(partial bool) (*sample.CycleDataset, error) {
	if s.open == nil {
		return nil, errors.New().WithMessage(ErrDatasetState, "no dataset open")
	}

	info := s.open
	ds := s.agg.Finalize(
		info.Name,
		info.Rate,
		info.Step,
		info.Temperature,
		s.cfg.SamplingInterval,
		info.ChargeDuration,
	)
	ds.Partial = partial

	s.datasets = append(s.datasets, ds)
	s.open = nil

	return ds, nil
}
