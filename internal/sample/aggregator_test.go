package sample_test

import (
	"math/rand"
	"testing"
	"time"

	"codeberg.org/mutker/cellctl/internal/sample"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const interval = 200 * time.Millisecond

func TestAddSampleRoundsOnIngestion(t *testing.T) {
	agg := sample.NewAggregator()
	agg.AddSample(0.123456, 3.987654, 1.000049)

	ds := agg.Finalize("round", 1, 0, 20, interval, 0)
	require.Equal(t, 1, ds.Len())
	assert.Equal(t, 0.1235, ds.Samples[0].Elapsed)
	assert.Equal(t, 3.9877, ds.Samples[0].Voltage)
	assert.Equal(t, 1.0, ds.Samples[0].Current)
}

func TestPowerIsVoltageTimesCurrent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	agg := sample.NewAggregator()
	for i := 0; i < 500; i++ {
		agg.AddSample(float64(i)*0.2, 2.5+rng.Float64()*1.7, rng.Float64()*20)
	}

	ds := agg.Finalize("power", 1, 0, 20, interval, 0)
	for i, s := range ds.Samples {
		assert.Equal(t, s.Voltage*s.Current, s.Power, "sample %d", i)
	}
}

func TestCapacityMonotonicForNonNegativeCurrent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, step := range []float64{0.05, 0.2, 1, 7.5} {
		agg := sample.NewAggregator()
		agg.TrackCapacity(true)
		agg.BeginPhase(0, true)

		elapsed := 0.0
		for i := 0; i < 300; i++ {
			elapsed += step * rng.Float64()
			agg.AddSample(elapsed, 3+rng.Float64(), rng.Float64()*10)
		}

		ds := agg.Finalize("monotonic", 1, 0, 20, interval, 0)
		require.True(t, ds.HasCapacity())
		require.Len(t, ds.Capacity, ds.Len())
		for i := 1; i < len(ds.Capacity); i++ {
			assert.GreaterOrEqual(t, ds.Capacity[i], ds.Capacity[i-1], "step %v sample %d", step, i)
		}
	}
}

func TestIntegralsUseElapsedDelta(t *testing.T) {
	agg := sample.NewAggregator()
	agg.TrackCapacity(true)
	agg.BeginPhase(0, true)

	// 3600 s at 2 A and 4 V: 2 Ah and 8 Wh.
	for i := 1; i <= 3600; i++ {
		agg.AddSample(float64(i), 4, 2)
	}

	ah, wh := agg.Totals()
	assert.InDelta(t, 2.0, ah, 1e-9)
	assert.InDelta(t, 8.0, wh, 1e-9)

	ds := agg.Finalize("integral", 2, 0, 20, time.Second, 0)
	assert.InDelta(t, 2.0, ds.CapacityAh, 1e-9)
	assert.InDelta(t, 8.0, ds.EnergyWh, 1e-9)
	assert.InDelta(t, 2.0, ds.Capacity[len(ds.Capacity)-1], 1e-9)
}

func TestBeginPhaseExcludesGaps(t *testing.T) {
	agg := sample.NewAggregator()
	agg.BeginPhase(0, false)
	agg.AddSample(1, 4, 1)
	agg.AddSample(2, 4, 1)

	// A 600 s rest sits between the phases.
	agg.BeginPhase(602, true)
	agg.AddSample(603, 3.5, 2)

	ah, wh := agg.Totals()
	assert.InDelta(t, 2.0/3600, ah, 1e-12)
	assert.InDelta(t, (4*1*2+3.5*2*1)/3600.0, wh, 1e-12)
}

func TestCapacityFlatOutsideCountingPhases(t *testing.T) {
	agg := sample.NewAggregator()
	agg.TrackCapacity(true)
	agg.BeginPhase(0, false)
	agg.AddSample(1, 4, 5)
	agg.AddSample(2, 4, 5)
	agg.BeginPhase(2, true)
	agg.AddSample(3602, 3, 1)

	ds := agg.Finalize("flat", 1, 0, 20, interval, 0)
	assert.Equal(t, []float64{0, 0, 1}, ds.Capacity)
}

func TestCapacityOmittedWhenNotTracked(t *testing.T) {
	agg := sample.NewAggregator()
	agg.AddSample(0.2, 4, 1)

	ds := agg.Finalize("untracked", 1, 0, 20, interval, 0)
	assert.False(t, ds.HasCapacity())
	assert.Nil(t, ds.Capacity)
}

func TestTrackCapacityIgnoredAfterFirstSample(t *testing.T) {
	agg := sample.NewAggregator()
	agg.AddSample(0.2, 4, 1)
	agg.TrackCapacity(true)
	agg.AddSample(0.4, 4, 1)

	ds := agg.Finalize("late", 1, 0, 20, interval, 0)
	assert.Nil(t, ds.Capacity)
}

func TestAuxiliaryOnlyWhenComplete(t *testing.T) {
	agg := sample.NewAggregator()
	agg.AddSample(0.2, 4, 1)
	agg.AddAuxiliary(21.33333)
	agg.AddSample(0.4, 4, 1)
	agg.AddAuxiliary(21.5)

	ds := agg.Finalize("aux", 1, 0, 20, interval, 0)
	assert.Equal(t, []float64{21.3333, 21.5}, ds.Auxiliary)

	agg.AddSample(0.2, 4, 1)
	agg.AddSample(0.4, 4, 1)
	agg.AddAuxiliary(21.5)
	ds = agg.Finalize("aux", 1, 0, 20, interval, 0)
	assert.Nil(t, ds.Auxiliary)
}

func TestFinalizeResetsState(t *testing.T) {
	agg := sample.NewAggregator()
	agg.TrackCapacity(true)
	agg.BeginPhase(0, true)
	agg.AddSample(0.2, 4.1, 2)
	agg.AddSample(0.4, 4.0, 2)
	first := agg.Finalize("cycle", 2, 0, 20, interval, 10*time.Second)

	assert.Equal(t, 0, agg.Len())
	ah, wh := agg.Totals()
	assert.Zero(t, ah)
	assert.Zero(t, wh)

	agg.AddSample(0.2, 3.9, 1)
	second := agg.Finalize("cycle", 2, 1, 20, interval, 10*time.Second)

	want := &sample.CycleDataset{
		Name:             "cycle",
		Rate:             2,
		Step:             1,
		Temperature:      20,
		SamplingInterval: interval,
		ChargeDuration:   10 * time.Second,
		Samples:          []sample.Sample{{Elapsed: 0.2, Voltage: 3.9, Current: 1, Power: 3.9}},
		EnergyWh:         sample.Round4(3.9 * 0.2 / 3600),
	}
	if diff := cmp.Diff(want, second); diff != "" {
		t.Errorf("second dataset mismatch (-want +got):\n%s", diff)
	}

	// The first dataset is untouched by later samples.
	require.Equal(t, 2, first.Len())
	assert.Equal(t, 4.1, first.Samples[0].Voltage)
	assert.Len(t, first.Capacity, 2)
}

func TestElapsedEpoch(t *testing.T) {
	agg := sample.NewAggregator()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Zero(t, agg.Elapsed(start))
	assert.InDelta(t, 1.5, agg.Elapsed(start.Add(1500*time.Millisecond)), 1e-9)

	agg.Finalize("epoch", 0, 0, 0, interval, 0)
	assert.Zero(t, agg.Elapsed(start.Add(time.Hour)))
}
