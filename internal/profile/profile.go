// Package profile loads named cell profiles: the charge, discharge and
// protection parameters of a cell type.
package profile

import (
	"fmt"
	"os"
	"sort"
	"time"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/safety"
	"gopkg.in/yaml.v3"
)

const (
	ErrNotFound = errors.ErrorCode("profile_not_found")
	ErrInvalid  = errors.ErrorCode("profile_invalid")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrNotFound: "Cell profile not found",
		ErrInvalid:  "Invalid cell profile",
	})
}

// DefaultName is the profile used when none is requested.
const DefaultName = "default"

// Profile holds the parameters of one cell type.
type Profile struct {
	ChargeVoltageStart  float64       `yaml:"charge_voltage_start"`
	ChargeVoltageEnd    float64       `yaml:"charge_voltage_end"`
	ChargeCurrentMax    float64       `yaml:"charge_current_max"`
	DischargeVoltageMin float64       `yaml:"discharge_voltage_min"`
	DischargeCurrentMax float64       `yaml:"discharge_current_max"`
	VoltageProtection   float64       `yaml:"voltage_protection"`
	CurrentProtection   float64       `yaml:"current_protection"`
	PowerProtection     float64       `yaml:"power_protection"`
	VoltageSlew         float64       `yaml:"voltage_slew"`
	CurrentSlew         float64       `yaml:"current_slew"`
	LeadIn              time.Duration `yaml:"lead_in"`
	ChargeDuration      time.Duration `yaml:"charge_duration"`
	DischargeDuration   time.Duration `yaml:"discharge_duration"`
	Cycles              int           `yaml:"cycles"`
	Temperature         float64       `yaml:"temperature"`
}

// Default returns the built-in profile.
func Default() Profile {
	return Profile{
		ChargeVoltageStart:  4.1,
		ChargeVoltageEnd:    4.1,
		ChargeCurrentMax:    5,
		DischargeVoltageMin: 2.75,
		DischargeCurrentMax: 20,
		VoltageProtection:   10,
		CurrentProtection:   100,
		PowerProtection:     2000,
		VoltageSlew:         0.1,
		CurrentSlew:         0.1,
		LeadIn:              time.Second,
		ChargeDuration:      5 * time.Second,
		DischargeDuration:   5 * time.Second,
		Cycles:              1,
		Temperature:         23.4,
	}
}

// Limits returns the protection envelope described by the profile.
func (p Profile) Limits() safety.Limits {
	return safety.Limits{
		EndVoltage:        p.ChargeVoltageEnd,
		MaxCurrent:        p.ChargeCurrentMax,
		VoltageProtection: p.VoltageProtection,
		CurrentProtection: p.CurrentProtection,
		PowerProtection:   p.PowerProtection,
		VoltageSlew:       p.VoltageSlew,
		CurrentSlew:       p.CurrentSlew,
	}
}

// Validate checks value ranges.
func (p Profile) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.New().WithData(ErrInvalid, fmt.Sprintf(format, args...))
	}

	switch {
	case p.ChargeVoltageStart <= 0 || p.ChargeVoltageEnd <= 0:
		return invalid("charge voltages must be positive")
	case p.ChargeVoltageStart > p.ChargeVoltageEnd:
		return invalid("charge start voltage %g exceeds end voltage %g", p.ChargeVoltageStart, p.ChargeVoltageEnd)
	case p.ChargeCurrentMax <= 0 || p.DischargeCurrentMax <= 0:
		return invalid("currents must be positive")
	case p.DischargeVoltageMin <= 0 || p.DischargeVoltageMin >= p.ChargeVoltageEnd:
		return invalid("discharge voltage minimum %g out of range", p.DischargeVoltageMin)
	case p.Cycles < 1:
		return invalid("cycles must be at least 1")
	case p.LeadIn < 0 || p.ChargeDuration <= 0 || p.DischargeDuration <= 0:
		return invalid("durations must be positive")
	}

	return nil
}

// Set is a collection of named profiles.
type Set map[string]Profile

type document struct {
	Profiles map[string]yaml.Node `yaml:"profiles"`
}

// Parse decodes a YAML document of the form
//
//	profiles:
//	  <name>:
//	    charge_voltage_end: 4.2
//
// Fields left out of a profile keep their built-in default.
func Parse(data []byte) (Set, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.New().Wrap(ErrInvalid, err)
	}

	set := make(Set, len(doc.Profiles))
	for name, node := range doc.Profiles {
		p := Default()
		if err := node.Decode(&p); err != nil {
			return nil, errors.New().Wrap(ErrInvalid, err).WithData(name)
		}
		if err := p.Validate(); err != nil {
			return nil, errors.New().Wrap(ErrInvalid, err).WithData(name)
		}
		set[name] = p
	}

	return set, nil
}

// Load reads profiles from path. An empty path yields an empty set.
func Load(path string) (Set, error) {
	if path == "" {
		return Set{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrLoadProfile, err).WithData(path)
	}

	return Parse(data)
}

// Get returns the named profile. The default name falls back to the
// built-in profile when the set does not define it.
func (s Set) Get(name string) (Profile, error) {
	if name == "" {
		name = DefaultName
	}
	if p, ok := s[name]; ok {
		return p, nil
	}
	if name == DefaultName {
		return Default(), nil
	}

	return Profile{}, errors.New().WithData(ErrNotFound, name)
}

// Names returns the profile names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
