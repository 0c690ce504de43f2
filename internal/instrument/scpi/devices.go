package scpi

import (
	"context"
	"fmt"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/instrument"
)

const (
	SourceDevice = "source"
	LoadDevice   = "load"
	MeterDevice  = "meter"
)

// Source is a programmable DC power supply.
type Source struct {
	conn *Conn
}

// NewSource wraps a connection to a power supply.
func NewSource(conn *Conn) *Source {
	return &Source{conn: conn}
}

func (s *Source) set(op, format string, value float64) error {
	return s.conn.Write(op, fmt.Sprintf(format, formatValue(value)))
}

func (s *Source) SetConstantCurrent(amps float64) error {
	return s.set("SetConstantCurrent", "SOUR:CURR %s", amps)
}

func (s *Source) SetConstantVoltage(volts float64) error {
	return s.set("SetConstantVoltage", "SOUR:VOLT %s", volts)
}

func (s *Source) SetOutputEnabled(on bool) error {
	return s.conn.Write("SetOutputEnabled", "CONF:OUTP "+onOff(on))
}

func (s *Source) SetVoltageLimit(volts float64) error {
	return s.set("SetVoltageLimit", "SOUR:VOLT:LIMIT:HIGH %s", volts)
}

func (s *Source) SetVoltageProtection(volts float64) error {
	return s.set("SetVoltageProtection", "SOUR:VOLT:PROT:HIGH %s", volts)
}

func (s *Source) SetVoltageSlew(voltsPerMs float64) error {
	return s.set("SetVoltageSlew", "SOUR:VOLT:SLEW %s", voltsPerMs)
}

func (s *Source) SetCurrentLimit(amps float64) error {
	return s.set("SetCurrentLimit", "SOUR:CURR:LIMIT:HIGH %s", amps)
}

func (s *Source) SetCurrentProtection(amps float64) error {
	return s.set("SetCurrentProtection", "SOUR:CURR:PROT:HIGH %s", amps)
}

func (s *Source) SetCurrentSlew(ampsPerMs float64) error {
	return s.set("SetCurrentSlew", "SOUR:CURR:SLEW %s", ampsPerMs)
}

func (s *Source) SetPowerProtection(watts float64) error {
	return s.set("SetPowerProtection", "SOUR:POW:PROT:HIGH %s", watts)
}

func (s *Source) ReadVoltage() (float64, error) {
	return s.conn.QueryFloat("ReadVoltage", "FETCH:VOLT?")
}

func (s *Source) ReadCurrent() (float64, error) {
	return s.conn.QueryFloat("ReadCurrent", "FETCH:CURR?")
}

// Load is an electronic load operated on channel 1.
type Load struct {
	conn *Conn
}

// NewLoad selects and activates channel 1 on the load.
func NewLoad(conn *Conn) (*Load, error) {
	for _, cmd := range []string{"CHAN 1", "CHAN:ACT 1"} {
		if err := conn.Write("SelectChannel", cmd); err != nil {
			return nil, err
		}
	}

	return &Load{conn: conn}, nil
}

var loadModes = map[instrument.LoadRange]string{
	instrument.LowRange:    "CCL",
	instrument.MediumRange: "CCM",
	instrument.HighRange:   "CCH",
}

func (l *Load) SetMode(mode instrument.LoadRange) error {
	name, ok := loadModes[mode]
	if !ok {
		return instrument.NewDeviceError(LoadDevice, "SetMode",
			errors.New().WithData(instrument.ErrOperationFailed, mode.String()))
	}
	return l.conn.Write("SetMode", "MODE "+name)
}

func (l *Load) SetConstantCurrentSetpoint(amps float64) error {
	return l.conn.Write("SetConstantCurrentSetpoint", "CURR:STAT:L1 "+formatValue(amps))
}

func (l *Load) SetEnabled(on bool) error {
	return l.conn.Write("SetEnabled", "LOAD "+onOff(on))
}

func (l *Load) ReadVoltage() (float64, error) {
	return l.conn.QueryFloat("ReadVoltage", "FETCH:VOLT?")
}

func (l *Load) ReadCurrent() (float64, error) {
	return l.conn.QueryFloat("ReadCurrent", "FETCH:CURR?")
}

// Meter is a bench multimeter.
type Meter struct {
	conn *Conn
}

// NewMeter wraps a connection to a multimeter.
func NewMeter(conn *Conn) *Meter {
	return &Meter{conn: conn}
}

// ConfigureThermocouple switches the meter to thermocouple sensing.
func (m *Meter) ConfigureThermocouple(kind string) error {
	for _, cmd := range []string{
		`SENSe:FUNCtion "TCOUple"`,
		"SENSe:TCOUple:TYPE " + kind,
		"SENSe:TCOUple:RANGe DEF, DEF",
	} {
		if err := m.conn.Write("ConfigureThermocouple", cmd); err != nil {
			return err
		}
	}
	return nil
}

func (m *Meter) ReadVoltage() (float64, error) {
	return m.conn.QueryFloat("ReadVoltage", "MEAS:VOLT:DC?")
}

func (m *Meter) ReadTemperature() (float64, error) {
	return m.conn.QueryFloat("ReadTemperature", "MEASure:TCOUple?")
}

func (m *Meter) ReadResistance() (float64, error) {
	return m.conn.QueryFloat("ReadResistance", "MEAS:RES?")
}

// Addresses lists the TCP endpoints of the bench. An empty Meter address
// means no meter is attached.
type Addresses struct {
	Source string
	Load   string
	Meter  string
}

// Bench owns the connections of one instrument set.
type Bench struct {
	conns   []*Conn
	devices instrument.Devices
}

// DefaultThermocouple is the thermocouple type configured when the meter
// logs temperature.
const DefaultThermocouple = "K"

// Open connects to every instrument in addrs and prepares them for a run.
func Open(ctx context.Context, addrs Addresses, mode instrument.MeterMode, opts ...Option) (*Bench, error) {
	b := &Bench{}

	dial := func(device, addr string) (*Conn, error) {
		conn, err := Dial(ctx, device, addr, opts...)
		if err != nil {
			return nil, err
		}
		b.conns = append(b.conns, conn)
		return conn, nil
	}

	fail := func(err error) (*Bench, error) {
		_ = b.Close()
		return nil, err
	}

	sourceConn, err := dial(SourceDevice, addrs.Source)
	if err != nil {
		return fail(err)
	}
	if _, err := sourceConn.Identify(); err != nil {
		return fail(err)
	}
	b.devices.Source = NewSource(sourceConn)

	loadConn, err := dial(LoadDevice, addrs.Load)
	if err != nil {
		return fail(err)
	}
	if _, err := loadConn.Identify(); err != nil {
		return fail(err)
	}
	load, err := NewLoad(loadConn)
	if err != nil {
		return fail(err)
	}
	b.devices.Load = load

	if addrs.Meter != "" {
		meterConn, err := dial(MeterDevice, addrs.Meter)
		if err != nil {
			return fail(err)
		}
		meter := NewMeter(meterConn)
		if mode == instrument.MeterThermocouple {
			if err := meter.ConfigureThermocouple(DefaultThermocouple); err != nil {
				return fail(err)
			}
		}
		b.devices.Meter = meter
	}

	return b, nil
}

// Devices returns the connected instruments.
func (b *Bench) Devices() instrument.Devices {
	return b.devices
}

// Close closes every connection and returns the first error.
func (b *Bench) Close() error {
	var first error
	for _, conn := range b.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	b.conns = nil
	return first
}
