package sequencer_test

import (
	"context"
	"testing"
	"time"

	"codeberg.org/mutker/cellctl/internal/instrument"
	"codeberg.org/mutker/cellctl/internal/instrument/instrumenttest"
	"codeberg.org/mutker/cellctl/internal/logger"
	"codeberg.org/mutker/cellctl/internal/sample"
	"codeberg.org/mutker/cellctl/internal/sequencer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	phases   []string
	voltages []float64
}

func (o *recordingObserver) ObserveSample(phase string, _, voltage, _ float64) {
	o.phases = append(o.phases, phase)
	o.voltages = append(o.voltages, voltage)
}

func newSequencer(clock *instrumenttest.Clock, opts ...sequencer.Option) *sequencer.Sequencer {
	opts = append([]sequencer.Option{
		sequencer.WithClock(clock),
		sequencer.WithLogger(logger.Nop()),
	}, opts...)
	return sequencer.New(opts...)
}

func TestChargeCCElapsedExit(t *testing.T) {
	bench := instrumenttest.NewBench()
	bench.Source.Voltage = instrumenttest.NewScript(3.6, 3.7, 3.8)
	bench.Source.Current = instrumenttest.NewScript(2)
	clock := instrumenttest.NewClock()
	agg := sample.NewAggregator()

	seq := newSequencer(clock)
	result, err := seq.RunPhase(context.Background(), sequencer.PhaseSpec{
		Kind:             sequencer.ChargeCC,
		Setpoint:         2,
		Ceiling:          4.1,
		Exit:             sequencer.ElapsedDuration(3 * time.Second),
		SamplingInterval: time.Second,
	}, bench.Devices(), agg)
	require.NoError(t, err)

	assert.Equal(t, sequencer.Completed, result.Outcome)
	assert.Equal(t, 3, result.Samples)
	assert.Equal(t, 3.8, result.LastVoltage)
	assert.Equal(t, 3*time.Second, result.Duration)
	assert.Equal(t, 3, agg.Len())
	assert.False(t, bench.Source.IsOutputOn())

	assert.Equal(t, []string{
		"source.SetConstantCurrent(2)",
		"source.SetConstantVoltage(4.1)",
		"source.SetOutputEnabled(true)",
		"source.ReadVoltage", "source.ReadCurrent",
		"source.ReadVoltage", "source.ReadCurrent",
		"source.ReadVoltage", "source.ReadCurrent",
		"source.SetOutputEnabled(false)",
	}, bench.Log.Calls())
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, clock.Sleeps())
}

func TestChargeCVCurrentExit(t *testing.T) {
	bench := instrumenttest.NewBench()
	bench.Source.Voltage = instrumenttest.NewScript(4.1)
	bench.Source.Current = instrumenttest.NewScript(1.0, 0.5, 0.24, 0.2)
	clock := instrumenttest.NewClock()

	seq := newSequencer(clock)
	result, err := seq.RunPhase(context.Background(), sequencer.PhaseSpec{
		Kind:     sequencer.ChargeCV,
		Setpoint: 4.1,
		Ceiling:  5,
		Exit:     sequencer.CurrentAtMost(0.25),
	}, bench.Devices(), sample.NewAggregator())
	require.NoError(t, err)

	assert.Equal(t, sequencer.Completed, result.Outcome)
	assert.Equal(t, 3, result.Samples)
	assert.Equal(t, 0.24, result.LastCurrent)
	assert.Equal(t, "source.SetConstantCurrent(5)", bench.Log.Calls()[0])
	assert.Equal(t, "source.SetConstantVoltage(4.1)", bench.Log.Calls()[1])
	assert.Len(t, clock.Sleeps(), 3)
	assert.Equal(t, sequencer.DefaultSamplingInterval, clock.Sleeps()[0])
}

func TestDischargeProgramsLoad(t *testing.T) {
	bench := instrumenttest.NewBench()
	bench.Load.Voltage = instrumenttest.NewScript(3.5, 3.2, 2.9)
	bench.Load.Current = instrumenttest.NewScript(10)
	agg := sample.NewAggregator()
	agg.TrackCapacity(true)

	seq := newSequencer(instrumenttest.NewClock())
	result, err := seq.RunPhase(context.Background(), sequencer.PhaseSpec{
		Kind:             sequencer.DischargeCC,
		Setpoint:         10,
		Range:            instrument.MediumRange,
		Exit:             sequencer.VoltageAtMost(3.0),
		SamplingInterval: time.Second,
		CountCapacity:    true,
	}, bench.Devices(), agg)
	require.NoError(t, err)

	assert.Equal(t, sequencer.Completed, result.Outcome)
	assert.Equal(t, 3, result.Samples)
	assert.False(t, bench.Load.IsEnabled())
	assert.InDelta(t, 30.0/3600.0, result.CapacityAh, 1e-9)

	calls := bench.Log.Calls()
	assert.Equal(t, []string{
		"load.SetEnabled(false)",
		"load.SetMode(medium)",
		"load.SetConstantCurrentSetpoint(10)",
		"load.SetEnabled(true)",
	}, calls[:4])
	assert.Equal(t, "load.SetEnabled(false)", calls[len(calls)-1])
	assert.NotContains(t, calls, "source.ReadVoltage")
}

func TestInterlockTakesPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		voltages []float64
		exit     sequencer.ExitCondition
		outcome  sequencer.Outcome
		samples  int
	}{
		{
			name:     "interlock before nominal exit",
			voltages: []float64{3.0, 2.7},
			exit:     sequencer.VoltageAtMost(2.5),
			outcome:  sequencer.UnderVoltage,
			samples:  2,
		},
		{
			name:     "both reached on same sample",
			voltages: []float64{3.0, 2.4},
			exit:     sequencer.VoltageAtMost(2.5),
			outcome:  sequencer.UnderVoltage,
			samples:  2,
		},
		{
			name:     "nominal exit above interlock",
			voltages: []float64{3.0, 2.9},
			exit:     sequencer.VoltageAtMost(2.9),
			outcome:  sequencer.Completed,
			samples:  2,
		},
		{
			name:     "interlock ends elapsed phase",
			voltages: []float64{3.0, 2.8, 2.6},
			exit:     sequencer.ElapsedDuration(time.Minute),
			outcome:  sequencer.UnderVoltage,
			samples:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bench := instrumenttest.NewBench()
			bench.Load.Voltage = instrumenttest.NewScript(tt.voltages...)
			bench.Load.Current = instrumenttest.NewScript(5)

			seq := newSequencer(instrumenttest.NewClock())
			result, err := seq.RunPhase(context.Background(), sequencer.PhaseSpec{
				Kind:       sequencer.DischargeCC,
				Setpoint:   5,
				Exit:       tt.exit,
				MinVoltage: 2.75,
			}, bench.Devices(), sample.NewAggregator())
			require.NoError(t, err)

			assert.Equal(t, tt.outcome, result.Outcome)
			assert.Equal(t, tt.samples, result.Samples)
			assert.False(t, bench.Load.IsEnabled())
		})
	}
}

func TestInterlockIgnoredForCharge(t *testing.T) {
	bench := instrumenttest.NewBench()
	bench.Source.Voltage = instrumenttest.NewScript(2.0, 2.1)
	bench.Source.Current = instrumenttest.NewScript(1)

	seq := newSequencer(instrumenttest.NewClock())
	result, err := seq.RunPhase(context.Background(), sequencer.PhaseSpec{
		Kind:       sequencer.ChargeCC,
		Setpoint:   1,
		Exit:       sequencer.VoltageAtLeast(2.1),
		MinVoltage: 2.75,
	}, bench.Devices(), sample.NewAggregator())
	require.NoError(t, err)
	assert.Equal(t, sequencer.Completed, result.Outcome)
	assert.Equal(t, 2, result.Samples)
}

func TestCancelDuringCharge(t *testing.T) {
	bench := instrumenttest.NewBench()
	bench.Source.Voltage = instrumenttest.NewScript(3.6)
	bench.Source.Current = instrumenttest.NewScript(2)
	agg := sample.NewAggregator()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bench.Source.OnSample = func(reads int) {
		if reads == 3 {
			cancel()
		}
	}

	seq := newSequencer(instrumenttest.NewClock())
	result, err := seq.RunPhase(ctx, sequencer.PhaseSpec{
		Kind:     sequencer.ChargeCC,
		Setpoint: 2,
		Exit:     sequencer.ElapsedDuration(time.Hour),
	}, bench.Devices(), agg)

	require.Error(t, err)
	assert.True(t, sequencer.IsCancelled(err))
	assert.Equal(t, sequencer.Cancelled, result.Outcome)
	assert.Equal(t, 3, result.Samples)
	assert.Equal(t, 3, agg.Len())
	assert.False(t, bench.Source.IsOutputOn())
	assert.Equal(t, "source.SetOutputEnabled(false)", bench.Log.Calls()[len(bench.Log.Calls())-1])
}

func TestCancelledBeforeStart(t *testing.T) {
	bench := instrumenttest.NewBench()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	seq := newSequencer(instrumenttest.NewClock())
	result, err := seq.RunPhase(ctx, sequencer.PhaseSpec{
		Kind:     sequencer.DischargeCC,
		Setpoint: 1,
		Exit:     sequencer.VoltageAtMost(2.5),
	}, bench.Devices(), sample.NewAggregator())

	assert.True(t, sequencer.IsCancelled(err))
	assert.Equal(t, sequencer.Cancelled, result.Outcome)
	assert.Empty(t, bench.Log.Calls())
}

func TestVoltageRampReprogramsEachTick(t *testing.T) {
	bench := instrumenttest.NewBench()
	bench.Source.Voltage = instrumenttest.NewScript(3.5)
	bench.Source.Current = instrumenttest.NewScript(1)

	seq := newSequencer(instrumenttest.NewClock())
	_, err := seq.RunPhase(context.Background(), sequencer.PhaseSpec{
		Kind:             sequencer.ChargeCC,
		Setpoint:         1,
		Exit:             sequencer.ElapsedDuration(3 * time.Second),
		SamplingInterval: time.Second,
		Ramp:             &sequencer.VoltageRamp{Start: 3, End: 4, LeadIn: 2 * time.Second},
	}, bench.Devices(), sample.NewAggregator())
	require.NoError(t, err)

	var setpoints []string
	for _, call := range bench.Log.Calls() {
		if len(call) > len("source.SetConstantVoltage") &&
			call[:len("source.SetConstantVoltage")] == "source.SetConstantVoltage" {
			setpoints = append(setpoints, call)
		}
	}
	assert.Equal(t, []string{
		"source.SetConstantVoltage(3)",
		"source.SetConstantVoltage(3.5)",
		"source.SetConstantVoltage(4)",
		"source.SetConstantVoltage(4)",
	}, setpoints)
}

func TestDeviceErrorPropagates(t *testing.T) {
	bench := instrumenttest.NewBench()
	bench.Source.FailOn("ReadCurrent")

	seq := newSequencer(instrumenttest.NewClock())
	_, err := seq.RunPhase(context.Background(), sequencer.PhaseSpec{
		Kind:     sequencer.ChargeCC,
		Setpoint: 1,
		Exit:     sequencer.ElapsedDuration(time.Second),
	}, bench.Devices(), sample.NewAggregator())

	require.Error(t, err)
	assert.False(t, sequencer.IsCancelled(err))
	op, ok := instrument.OperationOf(err)
	require.True(t, ok)
	assert.Equal(t, "source.ReadCurrent", op.String())
	assert.ErrorIs(t, err, instrumenttest.ErrInjected)
}

func TestRestSleepsOnce(t *testing.T) {
	bench := instrumenttest.NewBench()
	clock := instrumenttest.NewClock()
	agg := sample.NewAggregator()

	seq := newSequencer(clock)
	result, err := seq.RunPhase(context.Background(), sequencer.PhaseSpec{
		Kind: sequencer.Rest,
		Exit: sequencer.ElapsedDuration(10 * time.Minute),
	}, bench.Devices(), agg)
	require.NoError(t, err)

	assert.Equal(t, sequencer.Completed, result.Outcome)
	assert.Equal(t, 10*time.Minute, result.Duration)
	assert.Equal(t, []time.Duration{10 * time.Minute}, clock.Sleeps())
	assert.Empty(t, bench.Log.Calls())
	assert.Zero(t, agg.Len())
}

func TestMeterModeAndObserver(t *testing.T) {
	bench := instrumenttest.NewBench()
	bench.Load.Voltage = instrumenttest.NewScript(3.5, 3.0)
	bench.Load.Current = instrumenttest.NewScript(2)
	bench.Meter.Temperature = instrumenttest.NewScript(25.5, 26.0)
	agg := sample.NewAggregator()
	observer := &recordingObserver{}

	seq := newSequencer(instrumenttest.NewClock(),
		sequencer.WithMeterMode(instrument.MeterThermocouple),
		sequencer.WithObserver(observer),
	)
	_, err := seq.RunPhase(context.Background(), sequencer.PhaseSpec{
		Name:     "discharge",
		Kind:     sequencer.DischargeCC,
		Setpoint: 2,
		Exit:     sequencer.VoltageAtMost(3.0),
	}, bench.Devices(), agg)
	require.NoError(t, err)

	ds := agg.Finalize("meter", 1, 0, 20, time.Second, 0)
	assert.Equal(t, []float64{25.5, 26.0}, ds.Auxiliary)
	assert.Equal(t, []string{"discharge", "discharge"}, observer.phases)
	assert.Equal(t, []float64{3.5, 3.0}, observer.voltages)
}

func TestMeterModeWithoutMeter(t *testing.T) {
	bench := instrumenttest.NewBench()
	devices := bench.Devices()
	devices.Meter = nil

	seq := newSequencer(instrumenttest.NewClock(), sequencer.WithMeterMode(instrument.MeterVoltage))
	_, err := seq.RunPhase(context.Background(), sequencer.PhaseSpec{
		Kind:     sequencer.ChargeCC,
		Setpoint: 1,
		Exit:     sequencer.ElapsedDuration(time.Second),
	}, devices, sample.NewAggregator())
	require.Error(t, err)
}

func TestInvalidPhaseTouchesNothing(t *testing.T) {
	bench := instrumenttest.NewBench()

	seq := newSequencer(instrumenttest.NewClock())
	_, err := seq.RunPhase(context.Background(), sequencer.PhaseSpec{
		Kind:     sequencer.Rest,
		Exit:     sequencer.VoltageAtMost(3),
		Setpoint: 0,
	}, bench.Devices(), sample.NewAggregator())

	require.Error(t, err)
	assert.Empty(t, bench.Log.Calls())
}

func TestPhaseSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    sequencer.PhaseSpec
		wantErr bool
	}{
		{"valid charge", sequencer.PhaseSpec{Kind: sequencer.ChargeCC, Setpoint: 1, Exit: sequencer.VoltageAtLeast(4)}, false},
		{"missing exit", sequencer.PhaseSpec{Kind: sequencer.ChargeCC, Setpoint: 1}, true},
		{"negative setpoint", sequencer.PhaseSpec{Kind: sequencer.DischargeCC, Setpoint: -1, Exit: sequencer.VoltageAtMost(3)}, true},
		{"unknown kind", sequencer.PhaseSpec{Kind: sequencer.PhaseKind(42), Exit: sequencer.VoltageAtMost(3)}, true},
		{"ramp on discharge", sequencer.PhaseSpec{
			Kind: sequencer.DischargeCC, Exit: sequencer.VoltageAtMost(3), Ramp: &sequencer.VoltageRamp{Start: 1, End: 2},
		}, true},
		{"negative interlock", sequencer.PhaseSpec{Kind: sequencer.DischargeCC, Exit: sequencer.VoltageAtMost(3), MinVoltage: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRealClockSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sequencer.RealClock().Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
