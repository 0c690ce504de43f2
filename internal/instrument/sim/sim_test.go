package sim_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/cellctl/internal/instrument"
	"codeberg.org/mutker/cellctl/internal/instrument/instrumenttest"
	"codeberg.org/mutker/cellctl/internal/instrument/sim"
	"codeberg.org/mutker/cellctl/internal/sample"
	"codeberg.org/mutker/cellctl/internal/sequencer"
)

func newBench(t *testing.T, soc, capacity float64) (*sim.Bench, *instrumenttest.Clock) {
	t.Helper()
	clock := instrumenttest.NewClock()
	cell := sim.DefaultCell()
	cell.InitialSOC = soc
	cell.CapacityAh = capacity
	return sim.New(sim.WithCell(cell), sim.WithClock(clock.Now)), clock
}

func TestConstantCurrentCharge(t *testing.T) {
	bench, clock := newBench(t, 0, 3)
	src := bench.Devices().Source

	require.NoError(t, src.SetConstantVoltage(4.3))
	require.NoError(t, src.SetConstantCurrent(3))
	require.NoError(t, src.SetOutputEnabled(true))

	current, err := src.ReadCurrent()
	require.NoError(t, err)
	assert.InDelta(t, 3, current, 1e-9)

	clock.Advance(30 * time.Minute)
	assert.InDelta(t, 0.5, bench.SOC(), 1e-9)
	assert.InDelta(t, 3.45, bench.OpenCircuitVoltage(), 1e-9)
}

func TestVoltageCeilingTapersCurrent(t *testing.T) {
	bench, _ := newBench(t, 0.9, 3)
	src := bench.Devices().Source

	require.NoError(t, src.SetConstantVoltage(4.09))
	require.NoError(t, src.SetConstantCurrent(5))
	require.NoError(t, src.SetOutputEnabled(true))

	current, err := src.ReadCurrent()
	require.NoError(t, err)
	assert.InDelta(t, 2, current, 1e-9)

	voltage, err := src.ReadVoltage()
	require.NoError(t, err)
	assert.InDelta(t, 4.09, voltage, 1e-9)
}

func TestVoltageLimitCapsSetpoint(t *testing.T) {
	bench, _ := newBench(t, 0.9, 3)
	src := bench.Devices().Source

	require.NoError(t, src.SetVoltageLimit(4.07))
	require.NoError(t, src.SetConstantVoltage(4.2))
	require.NoError(t, src.SetConstantCurrent(5))
	require.NoError(t, src.SetOutputEnabled(true))

	current, err := src.ReadCurrent()
	require.NoError(t, err)
	assert.InDelta(t, 1, current, 1e-9)
}

func TestDischargeDropsTerminalVoltage(t *testing.T) {
	bench, clock := newBench(t, 0.5, 3)
	load := bench.Devices().Load

	require.NoError(t, load.SetMode(instrument.HighRange))
	require.NoError(t, load.SetConstantCurrentSetpoint(10))
	require.NoError(t, load.SetEnabled(true))

	voltage, err := load.ReadVoltage()
	require.NoError(t, err)
	assert.InDelta(t, 3.25, voltage, 1e-9)

	current, err := load.ReadCurrent()
	require.NoError(t, err)
	assert.InDelta(t, 10, current, 1e-9)

	clock.Advance(9 * time.Minute)
	assert.InDelta(t, 0, bench.SOC(), 1e-9)

	current, err = load.ReadCurrent()
	require.NoError(t, err)
	assert.Zero(t, current, "empty cell sinks no current")
}

func TestProtectionTripsSource(t *testing.T) {
	bench, clock := newBench(t, 0.9, 3)
	src := bench.Devices().Source

	require.NoError(t, src.SetVoltageProtection(4.0))
	require.NoError(t, src.SetConstantVoltage(4.5))
	require.NoError(t, src.SetConstantCurrent(1))
	require.NoError(t, src.SetOutputEnabled(true))

	clock.Advance(time.Second)
	current, err := src.ReadCurrent()
	require.NoError(t, err)
	assert.Zero(t, current)

	// Cycling the output clears the trip.
	require.NoError(t, src.SetVoltageProtection(5))
	require.NoError(t, src.SetOutputEnabled(false))
	require.NoError(t, src.SetOutputEnabled(true))
	current, err = src.ReadCurrent()
	require.NoError(t, err)
	assert.InDelta(t, 1, current, 1e-9)
}

func TestMeterReadings(t *testing.T) {
	bench, _ := newBench(t, 0.5, 3)
	meter := bench.Devices().Meter
	require.NotNil(t, meter)

	resistance, err := meter.ReadResistance()
	require.NoError(t, err)
	assert.InDelta(t, 0.02, resistance, 1e-9)

	temperature, err := meter.ReadTemperature()
	require.NoError(t, err)
	assert.InDelta(t, 23.4, temperature, 1e-9)

	voltage, err := meter.ReadVoltage()
	require.NoError(t, err)
	assert.InDelta(t, 3.45, voltage, 1e-9)
}

func TestSequencerChargesSimulatedCell(t *testing.T) {
	bench, clock := newBench(t, 0.8, 0.01)
	seq := sequencer.New(sequencer.WithClock(clock))

	spec := sequencer.PhaseSpec{
		Kind:             sequencer.ChargeCC,
		Setpoint:         2,
		Ceiling:          4.1,
		Exit:             sequencer.VoltageAtLeast(4.05),
		SamplingInterval: time.Second,
	}

	agg := sample.NewAggregator()
	res, err := seq.RunPhase(context.Background(), spec, bench.Devices(), agg)
	require.NoError(t, err)

	assert.Equal(t, sequencer.Completed, res.Outcome)
	assert.GreaterOrEqual(t, res.LastVoltage, 4.05)
	assert.LessOrEqual(t, res.LastVoltage, 4.1+1e-9)
	assert.Equal(t, 2, res.Samples)
	assert.Greater(t, res.EnergyWh, 0.0)
	assert.Zero(t, res.CapacityAh)
}
