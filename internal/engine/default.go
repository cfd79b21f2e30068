package engine

import "math"

// Unit conversion constants for the constraint and model math.
const (
	solRadPerAU   = 215.032
	daysPerYear   = 365.25
	kmPerSolRad   = 695700.0
	secondsPerDay = 86400.0
)

// DefaultBundle builds the stock detached binary: two solar-like stars
// on a circular one-day orbit. Masses are free parameters; the mass
// ratio and semi-major axis are constrained by them, so is_parameter_
// constrained and the set-value guard have real targets out of the box.
func DefaultBundle() *Bundle {
	b := New()

	orbit := func(qualifier string, value any, unit Unit, desc string) *Parameter {
		return b.add(&Parameter{
			Qualifier: qualifier, Component: "binary", Context: "component",
			Kind: KindFloat, Value: value, Unit: unit, Description: desc,
		})
	}
	star := func(qualifier, component string, value any, unit Unit, desc string) *Parameter {
		return b.add(&Parameter{
			Qualifier: qualifier, Component: component, Context: "component",
			Kind: KindFloat, Value: value, Unit: unit, Description: desc,
		})
	}

	orbit("period", 1.0, UnitDay, "Orbital period")
	orbit("incl", 90.0, UnitDegree, "Orbital inclination")
	orbit("ecc", 0.0, UnitNone, "Eccentricity")
	orbit("t0_supconj", 0.0, UnitDay, "Time of superior conjunction")

	q := orbit("q", 1.0, UnitNone, "Mass ratio")
	q.ConstrainedBy = []string{"mass@primary", "mass@secondary"}
	sma := orbit("sma", 0.0, UnitSolarRadius, "Semi-major axis")
	sma.ConstrainedBy = []string{"mass@primary", "mass@secondary", "period@binary"}

	for _, component := range []string{"primary", "secondary"} {
		star("teff", component, 6000.0, UnitKelvin, "Effective temperature")
		star("requiv", component, 1.0, UnitSolarRadius, "Equivalent radius")
		star("mass", component, 0.9988, UnitSolarMass, "Mass")
		b.add(&Parameter{
			Qualifier: "atm", Component: component, Context: "component",
			Kind: KindChoice, Value: "ck2004",
			Choices:     []string{"ck2004", "blackbody"},
			Description: "Atmosphere table",
		})
	}

	b.add(&Parameter{
		Qualifier: "vgamma", Context: "system",
		Kind: KindFloat, Value: 0.0, Unit: UnitKMPerSec,
		Description: "Systemic velocity",
	})

	b.runConstraints()
	return b
}

// runConstraints recomputes every derived value from its inputs. Missing
// inputs leave the dependent parameter untouched, so partial bundles
// loaded from JSON stay as loaded.
func (b *Bundle) runConstraints() {
	m1, ok1 := b.floatValue("mass@primary")
	m2, ok2 := b.floatValue("mass@secondary")
	period, okP := b.floatValue("period@binary")

	if ok1 && ok2 && m1 != 0 {
		if q := b.lookup("q@binary"); q != nil && q.Constrained() {
			q.Value = m2 / m1
		}
	}
	if ok1 && ok2 && okP {
		if sma := b.lookup("sma@binary"); sma != nil && sma.Constrained() {
			sma.Value = keplerSMA(m1+m2, period)
		}
	}

	t0, okT := b.floatValue("t0_supconj@binary")
	if !okP || !okT || period == 0 {
		return
	}
	for _, ds := range b.datasets {
		times := b.lookup("compute_times@" + ds.Name)
		phases := b.lookup("compute_phases@" + ds.Name)
		if times == nil || phases == nil || !phases.Constrained() {
			continue
		}
		ts, ok := times.Value.([]float64)
		if !ok {
			continue
		}
		out := make([]float64, len(ts))
		for i, t := range ts {
			out[i] = phaseOf(t, t0, period)
		}
		phases.Value = out
	}
}

// keplerSMA solves Kepler's third law for the semi-major axis in solar
// radii, given the total mass in solar masses and the period in days.
func keplerSMA(totalMass, periodDays float64) float64 {
	periodYears := periodDays / daysPerYear
	smaAU := math.Cbrt(totalMass * periodYears * periodYears)
	return smaAU * solRadPerAU
}

// phaseOf folds a time onto orbital phase in [-0.5, 0.5).
func phaseOf(t, t0, period float64) float64 {
	cycles := (t - t0) / period
	frac := math.Mod(math.Mod(cycles, 1)+1.5, 1)
	return frac - 0.5
}
