package sample

import (
	"time"
)

// Aggregator collects samples in arrival order and integrates capacity (Ah)
// and energy (Wh). It is owned by a single sampling loop and is not safe for
// concurrent use.
type Aggregator struct {
	epoch time.Time

	elapsed   []float64
	voltages  []float64
	currents  []float64
	capacity  []float64
	auxiliary []float64

	trackCapacity bool
	countCapacity bool

	lastElapsed float64
	capacityAh  float64
	energyWh    float64
}

// NewAggregator returns an empty aggregator without capacity tracking.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// TrackCapacity enables the capacity series for the current dataset. It must
// be called before the first sample so the series covers the whole cycle.
func (a *Aggregator) TrackCapacity(on bool) {
	if len(a.voltages) > 0 {
		return
	}
	a.trackCapacity = on
}

// Elapsed returns seconds since the dataset epoch. The first call after a
// reset fixes the epoch at now.
func (a *Aggregator) Elapsed(now time.Time) float64 {
	if a.epoch.IsZero() {
		a.epoch = now
	}
	return now.Sub(a.epoch).Seconds()
}

// BeginPhase marks a phase boundary at elapsed seconds. The first sample of
// the phase integrates from this point, so waits between phases never enter
// the integrals. countCapacity selects whether the phase adds to the
// capacity counter.
func (a *Aggregator) BeginPhase(elapsed float64, countCapacity bool) {
	a.lastElapsed = Round4(elapsed)
	a.countCapacity = countCapacity
}

// AddSample appends a measurement. Values are rounded to four decimals on
// ingestion and the integrals advance by the rounded values.
func (a *Aggregator) AddSample(elapsed, voltage, current float64) {
	elapsed = Round4(elapsed)
	voltage = Round4(voltage)
	current = Round4(current)

	dt := elapsed - a.lastElapsed
	if dt < 0 {
		dt = 0
	}
	a.lastElapsed = elapsed

	a.energyWh += voltage * current * dt / secondsPerHour
	if a.countCapacity {
		a.capacityAh += current * dt / secondsPerHour
	}

	a.elapsed = append(a.elapsed, elapsed)
	a.voltages = append(a.voltages, voltage)
	a.currents = append(a.currents, current)
	if a.trackCapacity {
		a.capacity = append(a.capacity, Round4(a.capacityAh))
	}
}

// AddAuxiliary appends a meter reading for the most recent sample.
func (a *Aggregator) AddAuxiliary(value float64) {
	a.auxiliary = append(a.auxiliary, Round4(value))
}

// Len returns the number of samples collected so far.
func (a *Aggregator) Len() int {
	return len(a.voltages)
}

// Totals returns the running capacity (Ah) and energy (Wh) integrals.
func (a *Aggregator) Totals() (capacityAh, energyWh float64) {
	return a.capacityAh, a.energyWh
}

// Finalize builds the dataset for the samples collected so far and resets
// the aggregator to an empty state.
func (a *Aggregator) Finalize(
	name string,
	rate float64,
	step int,
	temperature float64,
	samplingInterval time.Duration,
	chargeDuration time.Duration,
) *CycleDataset {
	ds := &CycleDataset{
		Name:             name,
		Rate:             rate,
		Step:             step,
		Temperature:      temperature,
		SamplingInterval: samplingInterval,
		ChargeDuration:   chargeDuration,
		Samples:          make([]Sample, len(a.voltages)),
		CapacityAh:       Round4(a.capacityAh),
		EnergyWh:         Round4(a.energyWh),
	}

	for i := range a.voltages {
		ds.Samples[i] = Sample{
			Elapsed: a.elapsed[i],
			Voltage: a.voltages[i],
			Current: a.currents[i],
			Power:   a.voltages[i] * a.currents[i],
		}
	}

	if a.trackCapacity && len(a.capacity) == len(a.voltages) && len(a.capacity) > 0 {
		ds.Capacity = append([]float64(nil), a.capacity...)
	}
	if len(a.auxiliary) == len(a.voltages) && len(a.auxiliary) > 0 {
		ds.Auxiliary = append([]float64(nil), a.auxiliary...)
	}

	a.reset()

	return ds
}

func (a *Aggregator) reset() {
	*a = Aggregator{}
}
