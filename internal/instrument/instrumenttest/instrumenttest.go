// Package instrumenttest provides scripted instruments that record every
// call, plus a manual clock, for exercising the test engine without
// hardware or real sleeps.
package instrumenttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/cellctl/internal/instrument"
)

// ErrInjected is returned by an operation listed in a fake's FailOn set.
var ErrInjected = errors.New("injected failure")

// CallLog records instrument calls across devices in order.
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *CallLog) add(device, op string, args ...any) {
	if l == nil {
		return
	}
	call := device + "." + op
	if len(args) > 0 {
		call += fmt.Sprintf("(%v)", fmt.Sprint(args...))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

// Calls returns a copy of the recorded calls.
func (l *CallLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	calls := make([]string, len(l.calls))
	copy(calls, l.calls)
	return calls
}

// Reset forgets all recorded calls.
func (l *CallLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// Script yields scripted readings in order, repeating the last value once
// exhausted. A zero Script reads 0.
type Script struct {
	mu     sync.Mutex
	values []float64
	next   int
}

// NewScript returns a Script over values.
func NewScript(values ...float64) *Script {
	return &Script{values: values}
}

// Next returns the next scripted value. An empty script reads 0 and still
// counts the read; past the end the last value repeats.
func (s *Script) Next() float64 {
	if s == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.values) == 0 {
		s.next++
		return 0
	}
	idx := s.next
	if idx >= len(s.values) {
		idx = len(s.values) - 1
	}
	s.next++

	return s.values[idx]
}

// Reads returns how many values have been consumed.
func (s *Script) Reads() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

type faults struct {
	mu     sync.Mutex
	failOn map[string]bool
}

// FailOn makes the named operation fail with ErrInjected.
func (f *faults) FailOn(ops ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == nil {
		f.failOn = make(map[string]bool)
	}
	for _, op := range ops {
		f.failOn[op] = true
	}
}

func (f *faults) check(device, op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[op] {
		return instrument.NewDeviceError(device, op, ErrInjected)
	}
	return nil
}

// Source is a scripted power supply.
type Source struct {
	faults
	Log      *CallLog
	Voltage  *Script
	Current  *Script
	OnSample func(reads int)

	mu              sync.Mutex
	OutputOn        bool
	CurrentSetpoint float64
	VoltageSetpoint float64
	VoltageLimit    float64
	CurrentLimit    float64
}

var _ instrument.Source = (*Source)(nil)

func (s *Source) set(op string, value float64, apply func()) error {
	s.Log.add("source", op, value)
	if err := s.check("source", op); err != nil {
		return err
	}
	s.mu.Lock()
	apply()
	s.mu.Unlock()
	return nil
}

func (s *Source) SetConstantCurrent(amps float64) error {
	return s.set("SetConstantCurrent", amps, func() { s.CurrentSetpoint = amps })
}

func (s *Source) SetConstantVoltage(volts float64) error {
	return s.set("SetConstantVoltage", volts, func() { s.VoltageSetpoint = volts })
}

func (s *Source) SetOutputEnabled(on bool) error {
	s.Log.add("source", "SetOutputEnabled", on)
	if err := s.check("source", "SetOutputEnabled"); err != nil {
		return err
	}
	s.mu.Lock()
	s.OutputOn = on
	s.mu.Unlock()
	return nil
}

func (s *Source) SetVoltageLimit(volts float64) error {
	return s.set("SetVoltageLimit", volts, func() { s.VoltageLimit = volts })
}

func (s *Source) SetVoltageProtection(volts float64) error {
	return s.set("SetVoltageProtection", volts, func() {})
}

func (s *Source) SetVoltageSlew(v float64) error {
	return s.set("SetVoltageSlew", v, func() {})
}

func (s *Source) SetCurrentLimit(amps float64) error {
	return s.set("SetCurrentLimit", amps, func() { s.CurrentLimit = amps })
}

func (s *Source) SetCurrentProtection(amps float64) error {
	return s.set("SetCurrentProtection", amps, func() {})
}

func (s *Source) SetCurrentSlew(a float64) error {
	return s.set("SetCurrentSlew", a, func() {})
}

func (s *Source) SetPowerProtection(watts float64) error {
	return s.set("SetPowerProtection", watts, func() {})
}

func (s *Source) ReadVoltage() (float64, error) {
	s.Log.add("source", "ReadVoltage")
	if err := s.check("source", "ReadVoltage"); err != nil {
		return 0, err
	}
	v := s.Voltage.Next()
	if s.OnSample != nil {
		s.OnSample(s.Voltage.Reads())
	}
	return v, nil
}

func (s *Source) ReadCurrent() (float64, error) {
	s.Log.add("source", "ReadCurrent")
	if err := s.check("source", "ReadCurrent"); err != nil {
		return 0, err
	}
	return s.Current.Next(), nil
}

// IsOutputOn reports the last programmed output state.
func (s *Source) IsOutputOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.OutputOn
}

// Load is a scripted electronic load.
type Load struct {
	faults
	Log      *CallLog
	Voltage  *Script
	Current  *Script
	OnSample func(reads int)

	mu       sync.Mutex
	Enabled  bool
	Mode     instrument.LoadRange
	Setpoint float64
}

var _ instrument.Load = (*Load)(nil)

func (l *Load) SetMode(mode instrument.LoadRange) error {
	l.Log.add("load", "SetMode", mode)
	if err := l.check("load", "SetMode"); err != nil {
		return err
	}
	l.mu.Lock()
	l.Mode = mode
	l.mu.Unlock()
	return nil
}

func (l *Load) SetConstantCurrentSetpoint(amps float64) error {
	l.Log.add("load", "SetConstantCurrentSetpoint", amps)
	if err := l.check("load", "SetConstantCurrentSetpoint"); err != nil {
		return err
	}
	l.mu.Lock()
	l.Setpoint = amps
	l.mu.Unlock()
	return nil
}

func (l *Load) SetEnabled(on bool) error {
	l.Log.add("load", "SetEnabled", on)
	if err := l.check("load", "SetEnabled"); err != nil {
		return err
	}
	l.mu.Lock()
	l.Enabled = on
	l.mu.Unlock()
	return nil
}

func (l *Load) ReadVoltage() (float64, error) {
	l.Log.add("load", "ReadVoltage")
	if err := l.check("load", "ReadVoltage"); err != nil {
		return 0, err
	}
	v := l.Voltage.Next()
	if l.OnSample != nil {
		l.OnSample(l.Voltage.Reads())
	}
	return v, nil
}

func (l *Load) ReadCurrent() (float64, error) {
	l.Log.add("load", "ReadCurrent")
	if err := l.check("load", "ReadCurrent"); err != nil {
		return 0, err
	}
	return l.Current.Next(), nil
}

// IsEnabled reports the last programmed load state.
func (l *Load) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Enabled
}

// Meter is a scripted auxiliary meter.
type Meter struct {
	faults
	Log         *CallLog
	Voltage     *Script
	Temperature *Script
	Resistance  *Script
}

var _ instrument.Meter = (*Meter)(nil)

func (m *Meter) ReadVoltage() (float64, error) {
	m.Log.add("meter", "ReadVoltage")
	if err := m.check("meter", "ReadVoltage"); err != nil {
		return 0, err
	}
	return m.Voltage.Next(), nil
}

func (m *Meter) ReadTemperature() (float64, error) {
	m.Log.add("meter", "ReadTemperature")
	if err := m.check("meter", "ReadTemperature"); err != nil {
		return 0, err
	}
	return m.Temperature.Next(), nil
}

func (m *Meter) ReadResistance() (float64, error) {
	m.Log.add("meter", "ReadResistance")
	if err := m.check("meter", "ReadResistance"); err != nil {
		return 0, err
	}
	return m.Resistance.Next(), nil
}

// Bench bundles fakes sharing one call log.
type Bench struct {
	Log    *CallLog
	Source *Source
	Load   *Load
	Meter  *Meter
}

// NewBench returns fakes wired to a shared call log with empty scripts.
func NewBench() *Bench {
	log := &CallLog{}
	return &Bench{
		Log:    log,
		Source: &Source{Log: log, Voltage: NewScript(), Current: NewScript()},
		Load:   &Load{Log: log, Voltage: NewScript(), Current: NewScript()},
		Meter: &Meter{
			Log:         log,
			Voltage:     NewScript(),
			Temperature: NewScript(),
			Resistance:  NewScript(),
		},
	}
}

// Devices returns the bench as an instrument.Devices set.
func (b *Bench) Devices() instrument.Devices {
	return instrument.Devices{Source: b.Source, Load: b.Load, Meter: b.Meter}
}

// Clock is a manual clock: Sleep advances time instantly.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

// Advance moves the clock forward without recording a sleep.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps returns every duration passed to Sleep.
func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}
