// Package sim provides a simulated bench: a power source, an electronic
// load and a meter attached to one linear cell model. Open-circuit voltage
// rises linearly with state of charge and a series resistance sets the
// terminal voltage under current.
package sim

import (
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/cellctl/internal/instrument"
)

// Cell describes the simulated cell.
type Cell struct {
	CapacityAh   float64
	EmptyVoltage float64
	FullVoltage  float64
	// Resistance is the series resistance in ohms.
	Resistance  float64
	InitialSOC  float64
	Temperature float64
}

// DefaultCell returns a small lithium-ion cell.
func DefaultCell() Cell {
	return Cell{
		CapacityAh:   3.0,
		EmptyVoltage: 2.7,
		FullVoltage:  4.2,
		Resistance:   0.02,
		InitialSOC:   0.5,
		Temperature:  23.4,
	}
}

// Bench is the shared state of the simulated instruments.
type Bench struct {
	mu   sync.Mutex
	cell Cell
	now  func() time.Time
	last time.Time
	soc  float64

	sourceOn      bool
	currentSet    float64
	voltageSet    float64
	voltageLimit  float64
	currentLimit  float64
	voltageProt   float64
	currentProt   float64
	powerProt     float64
	voltageSlew   float64
	currentSlew   float64
	loadOn        bool
	loadSetpoint  float64
	loadRange     instrument.LoadRange
	sourceTripped bool
}

// Option configures a Bench.
type Option func(*Bench)

// WithCell replaces the default cell.
func WithCell(cell Cell) Option {
	return func(b *Bench) {
		b.cell = cell
	}
}

// WithClock sets the time source the model integrates over.
func WithClock(now func() time.Time) Option {
	return func(b *Bench) {
		b.now = now
	}
}

// New returns a simulated bench with the cell at its initial state of
// charge.
func New(opts ...Option) *Bench {
	b := &Bench{
		cell: DefaultCell(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.soc = clamp(b.cell.InitialSOC, 0, 1)
	b.last = b.now()

	return b
}

// Devices returns the simulated instruments.
func (b *Bench) Devices() instrument.Devices {
	return instrument.Devices{
		Source: &source{b},
		Load:   &load{b},
		Meter:  &meter{b},
	}
}

// SOC returns the state of charge between 0 and 1.
func (b *Bench) SOC() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.soc
}

// OpenCircuitVoltage returns the cell voltage at zero current.
func (b *Bench) OpenCircuitVoltage() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.ocv()
}

func (b *Bench) ocv() float64 {
	return b.cell.EmptyVoltage + (b.cell.FullVoltage-b.cell.EmptyVoltage)*b.soc
}

// chargeCurrent is the current the source drives into the cell: the current
// setpoint until the terminal voltage meets the voltage ceiling.
func (b *Bench) chargeCurrent() float64 {
	if !b.sourceOn || b.sourceTripped {
		return 0
	}

	current := b.currentSet
	if b.currentLimit > 0 {
		current = math.Min(current, b.currentLimit)
	}

	ceiling := b.voltageSet
	if b.voltageLimit > 0 {
		ceiling = math.Min(ceiling, b.voltageLimit)
	}
	if b.cell.Resistance > 0 {
		current = math.Min(current, (ceiling-b.ocv())/b.cell.Resistance)
	}

	return math.Max(current, 0)
}

func (b *Bench) dischargeCurrent() float64 {
	if !b.loadOn || b.soc <= 0 {
		return 0
	}
	return b.loadSetpoint
}

func (b *Bench) netCurrent() float64 {
	return b.chargeCurrent() - b.dischargeCurrent()
}

func (b *Bench) terminalVoltage() float64 {
	return b.ocv() + b.netCurrent()*b.cell.Resistance
}

// advance integrates the state of charge up to now.
func (b *Bench) advance() {
	now := b.now()
	dt := now.Sub(b.last).Seconds()
	b.last = now
	if dt <= 0 || b.cell.CapacityAh <= 0 {
		return
	}

	b.soc = clamp(b.soc+b.netCurrent()*dt/3600/b.cell.CapacityAh, 0, 1)

	// Over-voltage or over-power trips the source output like real
	// protection would.
	if b.sourceOn {
		v := b.terminalVoltage()
		if (b.voltageProt > 0 && v > b.voltageProt) ||
			(b.powerProt > 0 && v*b.chargeCurrent() > b.powerProt) ||
			(b.currentProt > 0 && b.chargeCurrent() > b.currentProt) {
			b.sourceTripped = true
		}
	}
}

// update runs fn on the model after integrating up to now.
func (b *Bench) update(fn func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	fn()
	return nil
}

func (b *Bench) read(fn func() float64) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return fn(), nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

type source struct{ b *Bench }

func (s *source) SetConstantCurrent(amps float64) error {
	return s.b.update(func() { s.b.currentSet = amps })
}

func (s *source) SetConstantVoltage(volts float64) error {
	return s.b.update(func() { s.b.voltageSet = volts })
}

func (s *source) SetOutputEnabled(on bool) error {
	return s.b.update(func() {
		s.b.sourceOn = on
		if !on {
			s.b.sourceTripped = false
		}
	})
}

func (s *source) SetVoltageLimit(volts float64) error {
	return s.b.update(func() { s.b.voltageLimit = volts })
}

func (s *source) SetVoltageProtection(volts float64) error {
	return s.b.update(func() { s.b.voltageProt = volts })
}

func (s *source) SetVoltageSlew(v float64) error {
	return s.b.update(func() { s.b.voltageSlew = v })
}

func (s *source) SetCurrentLimit(amps float64) error {
	return s.b.update(func() { s.b.currentLimit = amps })
}

func (s *source) SetCurrentProtection(amps float64) error {
	return s.b.update(func() { s.b.currentProt = amps })
}

func (s *source) SetCurrentSlew(a float64) error {
	return s.b.update(func() { s.b.currentSlew = a })
}

func (s *source) SetPowerProtection(watts float64) error {
	return s.b.update(func() { s.b.powerProt = watts })
}

func (s *source) ReadVoltage() (float64, error) {
	return s.b.read(s.b.terminalVoltage)
}

func (s *source) ReadCurrent() (float64, error) {
	return s.b.read(s.b.chargeCurrent)
}

type load struct{ b *Bench }

func (l *load) SetMode(mode instrument.LoadRange) error {
	return l.b.update(func() { l.b.loadRange = mode })
}

func (l *load) SetConstantCurrentSetpoint(amps float64) error {
	return l.b.update(func() { l.b.loadSetpoint = amps })
}

func (l *load) SetEnabled(on bool) error {
	return l.b.update(func() { l.b.loadOn = on })
}

func (l *load) ReadVoltage() (float64, error) {
	return l.b.read(l.b.terminalVoltage)
}

func (l *load) ReadCurrent() (float64, error) {
	return l.b.read(l.b.dischargeCurrent)
}

type meter struct{ b *Bench }

func (m *meter) ReadVoltage() (float64, error) {
	return m.b.read(m.b.terminalVoltage)
}

// ReadTemperature adds resistive self-heating to the ambient temperature.
func (m *meter) ReadTemperature() (float64, error) {
	return m.b.read(func() float64 {
		i := m.b.netCurrent()
		return m.b.cell.Temperature + i*i*m.b.cell.Resistance
	})
}

func (m *meter) ReadResistance() (float64, error) {
	return m.b.read(func() float64 { return m.b.cell.Resistance })
}
