// Package instrument defines the capability contract the test engine needs
// from a bench power source, an electronic load and an optional auxiliary
// meter. Implementations live in the sim and scpi subpackages.
package instrument

// Source is a programmable DC power supply used for charging.
type Source interface {
	// SetConstantCurrent programs the current regulation setpoint.
	SetConstantCurrent(amps float64) error
	// SetConstantVoltage programs the voltage setpoint. In current
	// regulation it acts as the voltage ceiling.
	SetConstantVoltage(volts float64) error
	SetOutputEnabled(on bool) error

	SetVoltageLimit(volts float64) error
	SetVoltageProtection(volts float64) error
	SetVoltageSlew(voltsPerMs float64) error
	SetCurrentLimit(amps float64) error
	SetCurrentProtection(amps float64) error
	SetCurrentSlew(ampsPerMs float64) error
	SetPowerProtection(watts float64) error

	ReadVoltage() (float64, error)
	ReadCurrent() (float64, error)
}

// Load is an electronic load used for discharging.
type Load interface {
	SetMode(mode LoadRange) error
	SetConstantCurrentSetpoint(amps float64) error
	SetEnabled(on bool) error

	ReadVoltage() (float64, error)
	ReadCurrent() (float64, error)
}

// Meter is an optional auxiliary multimeter.
type Meter interface {
	ReadVoltage() (float64, error)
	ReadTemperature() (float64, error)
	ReadResistance() (float64, error)
}

// Devices is the set of instruments owned by one test run.
type Devices struct {
	Source Source
	Load   Load
	// Meter may be nil when no auxiliary meter is attached.
	Meter Meter
}

// LoadRange selects the constant-current range of the electronic load.
type LoadRange int

const (
	LowRange LoadRange = iota
	MediumRange
	HighRange
)

func (r LoadRange) String() string {
	switch r {
	case LowRange:
		return "low"
	case MediumRange:
		return "medium"
	case HighRange:
		return "high"
	default:
		return "unknown"
	}
}

// MeterMode selects which auxiliary reading is logged with every sample.
type MeterMode string

const (
	MeterNone         MeterMode = "none"
	MeterVoltage      MeterMode = "voltage"
	MeterThermocouple MeterMode = "thermocouple"
)

// IsValid returns whether the meter mode is known
func (m MeterMode) IsValid() bool {
	switch m {
	case MeterNone, MeterVoltage, MeterThermocouple, "":
		return true
	default:
		return false
	}
}

// Enabled reports whether samples carry an auxiliary reading.
func (m MeterMode) Enabled() bool {
	return m == MeterVoltage || m == MeterThermocouple
}

// ReadAuxiliary reads the value selected by mode from meter.
func ReadAuxiliary(meter Meter, mode MeterMode) (float64, error) {
	switch mode {
	case MeterVoltage:
		return meter.ReadVoltage()
	case MeterThermocouple:
		return meter.ReadTemperature()
	default:
		return 0, nil
	}
}
