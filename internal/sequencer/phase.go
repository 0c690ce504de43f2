package sequencer

import (
	"fmt"
	"time"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/instrument"
)

// DefaultSamplingInterval is used when a phase does not set its own cadence.
const DefaultSamplingInterval = 200 * time.Millisecond

// PhaseKind selects the device and regulation mode of a phase.
type PhaseKind int

const (
	ChargeCC PhaseKind = iota
	ChargeCV
	DischargeCC
	Rest
)

func (k PhaseKind) String() string {
	switch k {
	case ChargeCC:
		return "charge_cc"
	case ChargeCV:
		return "charge_cv"
	case DischargeCC:
		return "discharge_cc"
	case Rest:
		return "rest"
	default:
		return "unknown"
	}
}

// IsCharge reports whether the phase drives the source.
func (k PhaseKind) IsCharge() bool {
	return k == ChargeCC || k == ChargeCV
}

type exitKind int

const (
	exitNone exitKind = iota
	exitElapsed
	exitVoltageAtLeast
	exitVoltageAtMost
	exitCurrentAtMost
)

// ExitCondition terminates a phase. Build one with ElapsedDuration,
// VoltageAtLeast, VoltageAtMost or CurrentAtMost; the zero value is invalid.
type ExitCondition struct {
	kind  exitKind
	after time.Duration
	bound float64
}

// ElapsedDuration ends the phase once d has passed since the phase started.
func ElapsedDuration(d time.Duration) ExitCondition {
	return ExitCondition{kind: exitElapsed, after: d}
}

// VoltageAtLeast ends the phase when the read voltage reaches v.
func VoltageAtLeast(v float64) ExitCondition {
	return ExitCondition{kind: exitVoltageAtLeast, bound: v}
}

// VoltageAtMost ends the phase when the read voltage falls to v.
func VoltageAtMost(v float64) ExitCondition {
	return ExitCondition{kind: exitVoltageAtMost, bound: v}
}

// CurrentAtMost ends the phase when the read current falls to c.
func CurrentAtMost(c float64) ExitCondition {
	return ExitCondition{kind: exitCurrentAtMost, bound: c}
}

// IsZero reports whether no condition was set.
func (c ExitCondition) IsZero() bool {
	return c.kind == exitNone
}

// IsElapsed reports whether the condition is time-bounded.
func (c ExitCondition) IsElapsed() bool {
	return c.kind == exitElapsed
}

// Duration returns the bound of an ElapsedDuration condition.
func (c ExitCondition) Duration() time.Duration {
	return c.after
}

// Reached evaluates the condition against one sample.
func (c ExitCondition) Reached(elapsed time.Duration, voltage, current float64) bool {
	switch c.kind {
	case exitElapsed:
		return elapsed >= c.after
	case exitVoltageAtLeast:
		return voltage >= c.bound
	case exitVoltageAtMost:
		return voltage <= c.bound
	case exitCurrentAtMost:
		return current <= c.bound
	default:
		return false
	}
}

func (c ExitCondition) String() string {
	switch c.kind {
	case exitElapsed:
		return fmt.Sprintf("elapsed>=%s", c.after)
	case exitVoltageAtLeast:
		return fmt.Sprintf("voltage>=%g", c.bound)
	case exitVoltageAtMost:
		return fmt.Sprintf("voltage<=%g", c.bound)
	case exitCurrentAtMost:
		return fmt.Sprintf("current<=%g", c.bound)
	default:
		return "none"
	}
}

// VoltageRamp raises the source voltage setpoint linearly from Start to End
// over LeadIn, then holds End.
type VoltageRamp struct {
	Start  float64
	End    float64
	LeadIn time.Duration
}

// At returns the setpoint t after the phase started.
func (r VoltageRamp) At(t time.Duration) float64 {
	ratio := 1.0
	if r.LeadIn > 0 {
		ratio = min(t.Seconds()/r.LeadIn.Seconds(), 1.0)
	}

	v := r.Start + (r.End-r.Start)*ratio
	if v > r.End {
		v = r.End
	}

	return v
}

// PhaseSpec describes one segment of a protocol.
type PhaseSpec struct {
	Name string
	Kind PhaseKind
	// Setpoint is amps for ChargeCC and DischargeCC, volts for ChargeCV.
	Setpoint float64
	// Ceiling is the voltage ceiling of a ChargeCC phase, or the current
	// ceiling of a ChargeCV phase. Zero leaves the instrument setting alone.
	Ceiling          float64
	Exit             ExitCondition
	SamplingInterval time.Duration
	// MinVoltage is the discharge under-voltage interlock. Zero disables it.
	MinVoltage float64
	Range      instrument.LoadRange
	// Ramp reprograms the voltage ceiling of a ChargeCC phase every tick.
	Ramp *VoltageRamp
	// CountCapacity adds this phase's current to the capacity counter.
	CountCapacity bool
}

// Interval returns the sampling cadence of the phase.
func (p PhaseSpec) Interval() time.Duration {
	if p.SamplingInterval <= 0 {
		return DefaultSamplingInterval
	}
	return p.SamplingInterval
}

// Label returns the phase name, falling back to its kind.
func (p PhaseSpec) Label() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Kind.String()
}

// Validate checks the spec before any device is touched.
func (p PhaseSpec) Validate() error {
	errFactory := errors.New()

	invalid := func(reason string) error {
		return errFactory.WithData(ErrInvalidPhase, fmt.Sprintf("%s: %s", p.Label(), reason))
	}

	switch p.Kind {
	case ChargeCC, ChargeCV, DischargeCC, Rest:
	default:
		return invalid("unknown phase kind")
	}

	if p.Exit.IsZero() {
		return invalid("missing exit condition")
	}
	if p.Kind == Rest && !p.Exit.IsElapsed() {
		return invalid("rest phase must be time-bounded")
	}
	if p.Setpoint < 0 {
		return invalid("negative setpoint")
	}
	if p.Ramp != nil && p.Kind != ChargeCC {
		return invalid("voltage ramp requires a constant-current charge phase")
	}
	if p.MinVoltage < 0 {
		return invalid("negative minimum voltage")
	}

	return nil
}
