package engine

import (
	"fmt"
	"math"
)

// RunCompute synthesizes model curves for every attached dataset and
// stores them as parameters in context "model": fluxes for lc datasets,
// per-component rvs for rv datasets. The model is a toy but
// deterministic: eclipse depths follow the luminosity ratio, eclipse
// width follows the relative radii, and velocity amplitudes follow
// Kepler's law for the current masses.
func (b *Bundle) RunCompute() error {
	b.runConstraints()

	sys, err := b.systemParams()
	if err != nil {
		return fmt.Errorf("run_compute: %w", err)
	}

	for _, ds := range b.datasets {
		phases, err := b.datasetPhases(ds.Name)
		if err != nil {
			return fmt.Errorf("run_compute: %w", err)
		}

		switch ds.Kind {
		case DatasetLC:
			b.upsertModel("fluxes", "", ds.Name, UnitNone, sys.lightCurve(phases))
		case DatasetRV:
			rv1, rv2 := sys.velocityCurves(phases)
			b.upsertModel("rvs", "primary", ds.Name, UnitKMPerSec, rv1)
			b.upsertModel("rvs", "secondary", ds.Name, UnitKMPerSec, rv2)
		}
	}
	return nil
}

// Solution is a solver run's outcome: which parameters were fit and
// their values before and after.
type Solution struct {
	FitParameters []string  `json:"fit_parameters"`
	InitialValues []float64 `json:"initial_values"`
	FittedValues  []float64 `json:"fitted_values"`
}

// dcStep is the deterministic relative correction the differential
// corrections solver applies to every fitted parameter.
const dcStep = 0.01

// RunSolver runs the named solver over the given fit parameters and
// stores the solution in context "solution". An empty solver name means
// "dc", the stock differential-corrections solver; empty fit twigs
// default to the two free masses. Constrained parameters cannot be fit.
func (b *Bundle) RunSolver(solver string, fitTwigs []string) (Solution, error) {
	if solver == "" {
		solver = "dc"
	}
	if solver != "dc" {
		return Solution{}, fmt.Errorf("no solver named %q", solver)
	}
	if len(fitTwigs) == 0 {
		fitTwigs = []string{"mass@primary", "mass@secondary"}
	}

	sol := Solution{
		FitParameters: make([]string, len(fitTwigs)),
		InitialValues: make([]float64, len(fitTwigs)),
		FittedValues:  make([]float64, len(fitTwigs)),
	}
	for i, twig := range fitTwigs {
		p, err := b.Get(Filter{Twig: twig})
		if err != nil {
			return Solution{}, fmt.Errorf("run_solver: %w", err)
		}
		if p.Constrained() {
			return Solution{}, fmt.Errorf("run_solver: cannot fit constrained parameter %s", p.Twig())
		}
		value, ok := toFloat(p.Value)
		if !ok {
			return Solution{}, fmt.Errorf("run_solver: parameter %s is not numeric", p.Twig())
		}
		sol.FitParameters[i] = p.Twig()
		sol.InitialValues[i] = value
		sol.FittedValues[i] = value * (1 + dcStep)
	}

	b.upsertSolution("fitted_twigs", KindStringArray, sol.FitParameters)
	b.upsertSolution("initial_values", KindFloatArray, sol.InitialValues)
	b.upsertSolution("fitted_values", KindFloatArray, sol.FittedValues)
	return sol, nil
}

// system bundles the scalar inputs the model math needs.
type system struct {
	period, incl, sma float64
	m1, m2            float64
	t1, t2            float64
	r1, r2            float64
	vgamma            float64
}

func (b *Bundle) systemParams() (system, error) {
	var sys system
	for _, bind := range []struct {
		twig string
		dst  *float64
	}{
		{"period@binary", &sys.period},
		{"incl@binary", &sys.incl},
		{"sma@binary", &sys.sma},
		{"mass@primary", &sys.m1},
		{"mass@secondary", &sys.m2},
		{"teff@primary", &sys.t1},
		{"teff@secondary", &sys.t2},
		{"requiv@primary", &sys.r1},
		{"requiv@secondary", &sys.r2},
		{"vgamma@system", &sys.vgamma},
	} {
		value, ok := b.floatValue(bind.twig)
		if !ok {
			return system{}, fmt.Errorf("bundle has no usable %s", bind.twig)
		}
		*bind.dst = value
	}
	return sys, nil
}

func (b *Bundle) datasetPhases(name string) ([]float64, error) {
	value, err := b.Value(Filter{Qualifier: "compute_phases", Dataset: name, Context: "dataset"})
	if err != nil {
		return nil, err
	}
	phases, ok := value.([]float64)
	if !ok {
		return nil, fmt.Errorf("compute_phases@%s is not a float array", name)
	}
	return phases, nil
}

// lightCurve evaluates the two-eclipse model at each phase. Out of
// eclipse the flux is 1; each conjunction subtracts a Gaussian dip.
func (sys system) lightCurve(phases []float64) []float64 {
	inclRad := sys.incl * math.Pi / 180
	grazing := math.Pow(math.Sin(inclRad), 8)
	width := (sys.r1 + sys.r2) / (2 * math.Pi * sys.sma)

	l1 := sys.r1 * sys.r1 * math.Pow(sys.t1, 4)
	l2 := sys.r2 * sys.r2 * math.Pow(sys.t2, 4)
	total := l1 + l2
	cover := math.Min(sys.r1, sys.r2)
	cover *= cover

	depthPri := cover / (sys.r1 * sys.r1) * (l1 / total) * grazing
	depthSec := cover / (sys.r2 * sys.r2) * (l2 / total) * grazing

	fluxes := make([]float64, len(phases))
	for i, phi := range phases {
		fluxes[i] = 1 - depthPri*eclipseDip(phi, 0, width) - depthSec*eclipseDip(phi, 0.5, width)
	}
	return fluxes
}

// velocityCurves evaluates the component radial velocities at each
// phase. Amplitudes split the total orbital velocity by the mass ratio.
func (sys system) velocityCurves(phases []float64) (rv1, rv2 []float64) {
	inclRad := sys.incl * math.Pi / 180
	orbitKM := 2 * math.Pi * sys.sma * kmPerSolRad
	kTotal := orbitKM / (sys.period * secondsPerDay) * math.Sin(inclRad)
	k1 := kTotal * sys.m2 / (sys.m1 + sys.m2)
	k2 := kTotal * sys.m1 / (sys.m1 + sys.m2)

	rv1 = make([]float64, len(phases))
	rv2 = make([]float64, len(phases))
	for i, phi := range phases {
		s := math.Sin(2 * math.Pi * phi)
		rv1[i] = sys.vgamma + k1*s
		rv2[i] = sys.vgamma - k2*s
	}
	return rv1, rv2
}

// eclipseDip is a Gaussian profile over wrapped phase distance.
func eclipseDip(phi, center, width float64) float64 {
	d := math.Abs(phi - center)
	if d > 0.5 {
		d = 1 - d
	}
	return math.Exp(-d * d / (2 * width * width))
}

func (b *Bundle) upsertModel(qualifier, component, dataset string, unit Unit, values []float64) {
	for _, p := range b.params {
		if p.Qualifier == qualifier && p.Component == component && p.Dataset == dataset && p.Context == "model" {
			p.Value = values
			return
		}
	}
	b.add(&Parameter{
		Qualifier: qualifier, Component: component, Dataset: dataset, Context: "model",
		Kind: KindFloatArray, Value: values, Unit: unit,
		Description: "Synthesized model values",
	})
}

func (b *Bundle) upsertSolution(qualifier string, kind Kind, value any) {
	for _, p := range b.params {
		if p.Qualifier == qualifier && p.Context == "solution" {
			p.Value = value
			return
		}
	}
	b.add(&Parameter{
		Qualifier: qualifier, Context: "solution",
		Kind: kind, Value: value,
		Description: "Solver output",
	})
}
