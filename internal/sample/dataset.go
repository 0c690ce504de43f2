// Package sample accumulates time-stamped measurements for one cycle or
// protocol step and finalizes them into an immutable CycleDataset.
package sample

import (
	"math"
	"time"
)

const secondsPerHour = 3600.0

// Sample is one measurement. Power is derived at finalize time.
type Sample struct {
	Elapsed float64 // seconds since the dataset epoch
	Voltage float64
	Current float64
	Power   float64
}

// CycleDataset is the finalized time series of one cycle or step.
type CycleDataset struct {
	Name             string
	Rate             float64
	Step             int
	Temperature      float64
	SamplingInterval time.Duration
	ChargeDuration   time.Duration

	Samples []Sample
	// Capacity holds the running amp-hour integral, one value per sample,
	// or nil when the protocol does not track capacity.
	Capacity []float64
	// Auxiliary holds one meter reading per sample, or nil.
	Auxiliary []float64

	CapacityAh float64
	EnergyWh   float64
	// Partial marks a dataset cut short by cancellation or a fatal error.
	Partial bool
}

// Len returns the number of samples.
func (d *CycleDataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Samples)
}

// HasCapacity reports whether a capacity series is present.
func (d *CycleDataset) HasCapacity() bool {
	return d != nil && d.Capacity != nil
}

// HasAuxiliary reports whether an auxiliary series is present.
func (d *CycleDataset) HasAuxiliary() bool {
	return d != nil && d.Auxiliary != nil
}

// Round4 rounds to four decimal places.
func Round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
