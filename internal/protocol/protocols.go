package protocol

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"codeberg.org/mutker/cellctl/internal/instrument"
	"codeberg.org/mutker/cellctl/internal/safety"
	"codeberg.org/mutker/cellctl/internal/sample"
	"codeberg.org/mutker/cellctl/internal/sequencer"
)

// Cycling repeats a timed, ramped charge followed by a timed discharge.
type Cycling struct {
	Limits            safety.Limits
	StartVoltage      float64
	EndVoltage        float64
	ChargeCurrent     float64
	DischargeCurrent  float64
	MinVoltage        float64
	LeadIn            time.Duration
	ChargeDuration    time.Duration
	DischargeDuration time.Duration
	Cycles            int
	Temperature       float64
}

// CyclingResult summarizes a cycling run.
type CyclingResult struct {
	Cycles int
	// UnderVoltage counts discharges ended by the interlock.
	UnderVoltage int
}

func (r CyclingResult) Fields() map[string]float64 {
	return map[string]float64{
		"cycles":        float64(r.Cycles),
		"under_voltage": float64(r.UnderVoltage),
	}
}

func (Cycling) Name() string { return "cycle" }

func (c Cycling) validate() error {
	switch {
	case c.Cycles < 1:
		return invalidParams(c.Name(), "cycles must be at least 1")
	case c.ChargeCurrent <= 0 || c.DischargeCurrent <= 0:
		return invalidParams(c.Name(), "currents must be positive")
	case c.ChargeDuration <= 0 || c.DischargeDuration <= 0:
		return invalidParams(c.Name(), "durations must be positive")
	case c.StartVoltage <= 0 || c.StartVoltage > c.EndVoltage:
		return invalidParams(c.Name(), "start voltage must be positive and not above end voltage")
	}
	return nil
}

func (c Cycling) Execute(ctx context.Context, s *Session) (Result, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	limits := c.Limits
	limits.EndVoltage = c.EndVoltage
	limits.MaxCurrent = c.ChargeCurrent
	if err := s.ApplyLimits(limits); err != nil {
		return nil, err
	}

	minVoltage := c.MinVoltage
	if minVoltage == 0 {
		minVoltage = s.Config().MinDischargeVoltage
	}

	var result CyclingResult
	for cycle := 0; cycle < c.Cycles; cycle++ {
		if err := s.BeginDataset(DatasetInfo{
			Name:           s.Info().Name,
			Rate:           c.DischargeCurrent,
			Step:           cycle,
			Temperature:    c.Temperature,
			ChargeDuration: c.ChargeDuration,
		}); err != nil {
			return nil, err
		}

		if _, err := s.RunPhase(ctx, sequencer.PhaseSpec{
			Name:     "charge",
			Kind:     sequencer.ChargeCC,
			Setpoint: c.ChargeCurrent,
			Exit:     sequencer.ElapsedDuration(c.ChargeDuration),
			Ramp: &sequencer.VoltageRamp{
				Start:  c.StartVoltage,
				End:    c.EndVoltage,
				LeadIn: c.LeadIn,
			},
		}); err != nil {
			return nil, err
		}

		res, err := s.RunPhase(ctx, sequencer.PhaseSpec{
			Name:       "discharge",
			Kind:       sequencer.DischargeCC,
			Setpoint:   c.DischargeCurrent,
			Range:      instrument.MediumRange,
			Exit:       sequencer.ElapsedDuration(c.DischargeDuration),
			MinVoltage: minVoltage,
		})
		if err != nil {
			return nil, err
		}
		if res.Outcome == sequencer.UnderVoltage {
			result.UnderVoltage++
		}

		if _, err := s.EndDataset(ctx); err != nil {
			return nil, err
		}
		result.Cycles++
	}

	return result, nil
}

// Efficiency measures round-trip energy efficiency: CC/CV charge, rest, CC
// discharge.
type Efficiency struct {
	Limits           safety.Limits
	ChargeCurrent    float64
	DischargeCurrent float64
	ChargeVoltage    float64
	DischargeVoltage float64
	Temperature      float64
}

// EfficiencyResult holds the energy balance of the run.
type EfficiencyResult struct {
	EnergyInWh  float64
	EnergyOutWh float64
	// Efficiency is EnergyOutWh / EnergyInWh in percent, or 0 when no
	// energy went in.
	Efficiency float64
}

func (r EfficiencyResult) Fields() map[string]float64 {
	return map[string]float64{
		"energy_in_wh":  r.EnergyInWh,
		"energy_out_wh": r.EnergyOutWh,
		"efficiency":    r.Efficiency,
	}
}

// RoundTripEfficiency returns out/in in percent, 0 when in is not positive.
func RoundTripEfficiency(energyIn, energyOut float64) float64 {
	if energyIn <= 0 {
		return 0
	}
	return energyOut / energyIn * 100
}

func (Efficiency) Name() string { return "efficiency" }

func (e Efficiency) validate() error {
	switch {
	case e.ChargeCurrent <= 0 || e.DischargeCurrent <= 0:
		return invalidParams(e.Name(), "currents must be positive")
	case e.ChargeVoltage <= e.DischargeVoltage || e.DischargeVoltage <= 0:
		return invalidParams(e.Name(), "charge voltage must exceed a positive discharge voltage")
	}
	return nil
}

func (e Efficiency) Execute(ctx context.Context, s *Session) (Result, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	limits := e.Limits
	limits.EndVoltage = e.ChargeVoltage
	limits.MaxCurrent = e.ChargeCurrent
	if err := s.ApplyLimits(limits); err != nil {
		return nil, err
	}

	if err := s.BeginDataset(DatasetInfo{
		Name:        "efficiency_test",
		Rate:        e.DischargeCurrent,
		Temperature: e.Temperature,
	}); err != nil {
		return nil, err
	}

	energyIn, err := chargeCCCV(ctx, s, e.ChargeCurrent, e.ChargeVoltage)
	if err != nil {
		return nil, err
	}

	if err := s.Rest(ctx, s.Config().RestDuration); err != nil {
		return nil, err
	}

	res, err := s.RunPhase(ctx, sequencer.PhaseSpec{
		Name:       "discharge",
		Kind:       sequencer.DischargeCC,
		Setpoint:   e.DischargeCurrent,
		Range:      instrument.LowRange,
		Exit:       sequencer.VoltageAtMost(e.DischargeVoltage),
		MinVoltage: s.Config().MinDischargeVoltage,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.EndDataset(ctx); err != nil {
		return nil, err
	}

	return EfficiencyResult{
		EnergyInWh:  sample.Round4(energyIn),
		EnergyOutWh: sample.Round4(res.EnergyWh),
		Efficiency:  sample.Round4(RoundTripEfficiency(energyIn, res.EnergyWh)),
	}, nil
}

// RateSweep measures discharge capacity at several rates, fully charging
// before each.
type RateSweep struct {
	Limits            safety.Limits
	DischargeCurrents []float64
	ChargeCurrent     float64
	ChargeVoltage     float64
	DischargeVoltage  float64
	Temperature       float64
}

// RateSweepResult holds the capacity measured at each rate.
type RateSweepResult struct {
	Rates      []float64
	CapacityAh []float64
}

func (r RateSweepResult) Fields() map[string]float64 {
	fields := make(map[string]float64, len(r.Rates))
	for i, rate := range r.Rates {
		fields["capacity_ah@"+strconv.FormatFloat(rate, 'f', -1, 64)+"A"] = r.CapacityAh[i]
	}
	return fields
}

func (RateSweep) Name() string { return "rate" }

func (r RateSweep) validate() error {
	if len(r.DischargeCurrents) == 0 {
		return invalidParams(r.Name(), "at least one discharge current is required")
	}
	for _, c := range r.DischargeCurrents {
		if c <= 0 {
			return invalidParams(r.Name(), "discharge currents must be positive")
		}
	}
	switch {
	case r.ChargeCurrent <= 0:
		return invalidParams(r.Name(), "charge current must be positive")
	case r.ChargeVoltage <= r.DischargeVoltage || r.DischargeVoltage <= 0:
		return invalidParams(r.Name(), "charge voltage must exceed a positive discharge voltage")
	}
	return nil
}

func (r RateSweep) Execute(ctx context.Context, s *Session) (Result, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}

	limits := r.Limits
	limits.EndVoltage = r.ChargeVoltage
	limits.MaxCurrent = r.ChargeCurrent
	if err := s.ApplyLimits(limits); err != nil {
		return nil, err
	}

	result := RateSweepResult{
		Rates:      make([]float64, 0, len(r.DischargeCurrents)),
		CapacityAh: make([]float64, 0, len(r.DischargeCurrents)),
	}

	for i, current := range r.DischargeCurrents {
		if err := s.BeginDataset(DatasetInfo{
			Name:          fmt.Sprintf("rate_characteristic_%d", i),
			Rate:          current,
			Step:          i,
			Temperature:   r.Temperature,
			TrackCapacity: true,
		}); err != nil {
			return nil, err
		}

		if _, err := chargeCCCV(ctx, s, r.ChargeCurrent, r.ChargeVoltage); err != nil {
			return nil, err
		}

		if err := s.Rest(ctx, s.Config().RestDuration); err != nil {
			return nil, err
		}

		res, err := s.RunPhase(ctx, sequencer.PhaseSpec{
			Name:          "discharge",
			Kind:          sequencer.DischargeCC,
			Setpoint:      current,
			Range:         instrument.LowRange,
			Exit:          sequencer.VoltageAtMost(r.DischargeVoltage),
			MinVoltage:    s.Config().MinDischargeVoltage,
			CountCapacity: true,
		})
		if err != nil {
			return nil, err
		}

		if _, err := s.EndDataset(ctx); err != nil {
			return nil, err
		}

		result.Rates = append(result.Rates, current)
		result.CapacityAh = append(result.CapacityAh, sample.Round4(res.CapacityAh))
	}

	return result, nil
}

// OCVCurve steps the state of charge with short charges and records the
// open-circuit voltage after each rest.
type OCVCurve struct {
	Limits      safety.Limits
	StepCurrent float64
	Steps       int
	RestTime    time.Duration
	Temperature float64
}

// OCVResult holds one open-circuit voltage per step, Steps+1 in total.
type OCVResult struct {
	Voltages []float64
}

func (r OCVResult) Fields() map[string]float64 {
	fields := make(map[string]float64, len(r.Voltages))
	for i, v := range r.Voltages {
		fields[fmt.Sprintf("ocv_%02d", i)] = v
	}
	return fields
}

func (OCVCurve) Name() string { return "ocv" }

func (o OCVCurve) validate() error {
	switch {
	case o.StepCurrent <= 0:
		return invalidParams(o.Name(), "step current must be positive")
	case o.Steps < 0:
		return invalidParams(o.Name(), "steps must not be negative")
	case o.RestTime < 0:
		return invalidParams(o.Name(), "rest time must not be negative")
	}
	return nil
}

func (o OCVCurve) Execute(ctx context.Context, s *Session) (Result, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}

	limits := o.Limits
	limits.MaxCurrent = o.StepCurrent
	if err := s.ApplyLimits(limits); err != nil {
		return nil, err
	}

	if err := s.BeginDataset(DatasetInfo{
		Name:        "ocv_curve_test",
		Rate:        o.StepCurrent,
		Temperature: o.Temperature,
	}); err != nil {
		return nil, err
	}

	result := OCVResult{Voltages: make([]float64, 0, o.Steps+1)}
	for step := 0; step <= o.Steps; step++ {
		// Step charges are not part of the curve.
		if _, err := s.RunPhaseInto(ctx, sequencer.PhaseSpec{
			Name:     "step_charge",
			Kind:     sequencer.ChargeCC,
			Setpoint: o.StepCurrent,
			Exit:     sequencer.ElapsedDuration(s.Config().OCVChargeDuration),
		}, sample.NewAggregator()); err != nil {
			return nil, err
		}

		if err := s.Rest(ctx, o.RestTime); err != nil {
			return nil, err
		}

		ocv, err := s.Devices().Load.ReadVoltage()
		if err != nil {
			return nil, err
		}
		if err := s.AddSample("ocv", ocv, 0); err != nil {
			return nil, err
		}
		result.Voltages = append(result.Voltages, sample.Round4(ocv))

		s.Logger().Info().
			Int("step", step).
			Float64("ocv", sample.Round4(ocv)).
			Msg("Open-circuit voltage measured")
	}

	if _, err := s.EndDataset(ctx); err != nil {
		return nil, err
	}

	return result, nil
}

// InternalResistance derives DC resistance from the voltage drop under a
// current pulse and reads AC resistance from the meter.
type InternalResistance struct {
	Limits        safety.Limits
	PulseCurrent  float64
	PulseDuration time.Duration
	Temperature   float64
}

// ResistanceResult holds the measured voltages and resistances in ohms.
type ResistanceResult struct {
	OCV           float64
	LoadedVoltage float64
	DCResistance  float64
	ACResistance  float64
}

func (r ResistanceResult) Fields() map[string]float64 {
	return map[string]float64{
		"ocv":            r.OCV,
		"loaded_voltage": r.LoadedVoltage,
		"r_dc":           r.DCResistance,
		"r_ac":           r.ACResistance,
	}
}

// DCResistance returns (ocv - loaded) / current, or 0 for a zero current.
func DCResistance(ocv, loaded, current float64) float64 {
	if current == 0 {
		return 0
	}
	return (ocv - loaded) / current
}

func (InternalResistance) Name() string { return "resistance" }

func (ir InternalResistance) validate() error {
	switch {
	case ir.PulseCurrent < 0:
		return invalidParams(ir.Name(), "pulse current must not be negative")
	case ir.PulseDuration <= 0:
		return invalidParams(ir.Name(), "pulse duration must be positive")
	}
	return nil
}

func (ir InternalResistance) Execute(ctx context.Context, s *Session) (Result, error) {
	if err := ir.validate(); err != nil {
		return nil, err
	}

	limits := ir.Limits
	if ir.PulseCurrent > 0 {
		limits.MaxCurrent = ir.PulseCurrent
	}
	if err := s.ApplyLimits(limits); err != nil {
		return nil, err
	}

	if err := s.BeginDataset(DatasetInfo{
		Name:        "internal_resistance_test",
		Rate:        ir.PulseCurrent,
		Temperature: ir.Temperature,
	}); err != nil {
		return nil, err
	}

	ocv, err := s.Devices().Load.ReadVoltage()
	if err != nil {
		return nil, err
	}
	if err := s.AddSample("ocv", ocv, 0); err != nil {
		return nil, err
	}

	// One sample at the end of the pulse is the loaded voltage.
	res, err := s.RunPhase(ctx, sequencer.PhaseSpec{
		Name:             "pulse",
		Kind:             sequencer.DischargeCC,
		Setpoint:         ir.PulseCurrent,
		Range:            instrument.LowRange,
		Exit:             sequencer.ElapsedDuration(ir.PulseDuration),
		SamplingInterval: ir.PulseDuration,
		MinVoltage:       s.Config().MinDischargeVoltage,
	})
	if err != nil {
		return nil, err
	}

	var acResistance float64
	if meter := s.Devices().Meter; meter != nil {
		if acResistance, err = meter.ReadResistance(); err != nil {
			return nil, err
		}
	} else {
		s.Logger().Warn().Msg("No auxiliary meter attached, AC resistance not measured")
	}

	if _, err := s.EndDataset(ctx); err != nil {
		return nil, err
	}

	return ResistanceResult{
		OCV:           sample.Round4(ocv),
		LoadedVoltage: sample.Round4(res.LastVoltage),
		DCResistance:  sample.Round4(DCResistance(ocv, res.LastVoltage, ir.PulseCurrent)),
		ACResistance:  sample.Round4(acResistance),
	}, nil
}

// ActualCapacity charges the cell until the charge current draws off, rests,
// then discharges to the cutoff while counting amp-hours.
type ActualCapacity struct {
	Limits           safety.Limits
	ChargeCurrent    float64
	DischargeCurrent float64
	ChargeVoltage    float64
	RestTime         time.Duration
	// CutoffVoltage defaults to the configured minimum discharge voltage. The
	// under-voltage interlock still ends the discharge at that minimum.
	CutoffVoltage float64
	Temperature   float64
}

// CapacityResult holds the discharged capacity.
type CapacityResult struct {
	CapacityAh float64
}

func (r CapacityResult) Fields() map[string]float64 {
	return map[string]float64{"capacity_ah": r.CapacityAh}
}

func (ActualCapacity) Name() string { return "capacity" }

func (a ActualCapacity) validate() error {
	switch {
	case a.ChargeCurrent <= 0 || a.DischargeCurrent <= 0:
		return invalidParams(a.Name(), "currents must be positive")
	case a.ChargeVoltage <= 0:
		return invalidParams(a.Name(), "charge voltage must be positive")
	case a.CutoffVoltage < 0 || a.CutoffVoltage >= a.ChargeVoltage:
		return invalidParams(a.Name(), "cutoff voltage must be below the charge voltage")
	case a.RestTime < 0:
		return invalidParams(a.Name(), "rest time must not be negative")
	}
	return nil
}

func (a ActualCapacity) Execute(ctx context.Context, s *Session) (Result, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}

	cutoff := a.CutoffVoltage
	if cutoff == 0 {
		cutoff = s.Config().MinDischargeVoltage
	}
	if cutoff < s.Config().MinDischargeVoltage {
		s.Logger().Warn().
			Float64("cutoff", cutoff).
			Float64("min_voltage", s.Config().MinDischargeVoltage).
			Msg("Cutoff below the minimum discharge voltage, the interlock ends the discharge first")
	}

	limits := a.Limits
	limits.EndVoltage = a.ChargeVoltage
	limits.MaxCurrent = a.ChargeCurrent
	if err := s.ApplyLimits(limits); err != nil {
		return nil, err
	}

	if err := s.BeginDataset(DatasetInfo{
		Name:          "actual_capacity_test",
		Rate:          a.DischargeCurrent,
		Temperature:   a.Temperature,
		TrackCapacity: true,
	}); err != nil {
		return nil, err
	}

	if _, err := s.RunPhase(ctx, sequencer.PhaseSpec{
		Name:     "charge",
		Kind:     sequencer.ChargeCC,
		Setpoint: a.ChargeCurrent,
		Ceiling:  a.ChargeVoltage,
		Exit:     sequencer.CurrentAtMost(s.Config().DrawOffCurrent),
	}); err != nil {
		return nil, err
	}

	if err := s.Rest(ctx, a.RestTime); err != nil {
		return nil, err
	}

	res, err := s.RunPhase(ctx, sequencer.PhaseSpec{
		Name:          "discharge",
		Kind:          sequencer.DischargeCC,
		Setpoint:      a.DischargeCurrent,
		Range:         instrument.HighRange,
		Exit:          sequencer.VoltageAtMost(cutoff),
		MinVoltage:    s.Config().MinDischargeVoltage,
		CountCapacity: true,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.EndDataset(ctx); err != nil {
		return nil, err
	}

	return CapacityResult{CapacityAh: sample.Round4(res.CapacityAh)}, nil
}

// chargeCCCV charges at current until voltage is reached, then holds
// voltage until the current tapers off. It returns the energy put in. The
// source voltage limit sits one margin below voltage, so the handoff to CV
// happens there.
func chargeCCCV(ctx context.Context, s *Session, current, voltage float64) (float64, error) {
	cc, err := s.RunPhase(ctx, sequencer.PhaseSpec{
		Name:     "charge_cc",
		Kind:     sequencer.ChargeCC,
		Setpoint: current,
		Ceiling:  voltage,
		Exit:     sequencer.VoltageAtLeast(s.VoltageLimit(voltage)),
	})
	if err != nil {
		return 0, err
	}

	cv, err := s.RunPhase(ctx, sequencer.PhaseSpec{
		Name:     "charge_cv",
		Kind:     sequencer.ChargeCV,
		Setpoint: voltage,
		Exit:     sequencer.CurrentAtMost(s.Config().TaperFraction * current),
	})
	if err != nil {
		return 0, err
	}

	return cc.EnergyWh + cv.EnergyWh, nil
}
