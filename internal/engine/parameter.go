package engine

import (
	"fmt"
	"math"
	"strings"
)

// Unit names the physical unit a parameter's value is expressed in.
// The zero value means dimensionless.
type Unit string

const (
	UnitNone        Unit = ""
	UnitDay         Unit = "d"
	UnitDegree      Unit = "deg"
	UnitKelvin      Unit = "K"
	UnitSolarMass   Unit = "solMass"
	UnitSolarRadius Unit = "solRad"
	UnitKMPerSec    Unit = "km/s"
)

// Quantity pairs a value with its unit. Unit-bearing parameters cross
// the wire in this shape.
type Quantity struct {
	Value any  `json:"value"`
	Unit  Unit `json:"unit"`
}

// Kind enumerates parameter value types.
type Kind string

const (
	KindChoice      Kind = "choice"
	KindInt         Kind = "int"
	KindFloat       Kind = "float"
	KindBool        Kind = "bool"
	KindString      Kind = "string"
	KindFloatArray  Kind = "floatarray"
	KindStringArray Kind = "stringarray"
)

// classNames maps kinds to the class name reported by get_parameter.
var classNames = map[Kind]string{
	KindChoice:      "ChoiceParameter",
	KindInt:         "IntParameter",
	KindFloat:       "FloatParameter",
	KindBool:        "BoolParameter",
	KindString:      "StringParameter",
	KindFloatArray:  "FloatArrayParameter",
	KindStringArray: "StringArrayParameter",
}

// Parameter is one named value in a bundle. The tags (qualifier,
// component, dataset, context) position it in the twig namespace; a twig
// addresses a parameter by naming enough of its tags to single it out.
type Parameter struct {
	Qualifier   string
	Component   string
	Dataset     string
	Context     string
	Kind        Kind
	Value       any
	Unit        Unit
	Description string

	// Choices constrains KindChoice values.
	Choices []string

	// ConstrainedBy lists the twigs whose values determine this one.
	// A constrained parameter cannot be set directly.
	ConstrainedBy []string

	// UniqueID survives bundle serialization, so clients may address
	// parameters by id across save/load.
	UniqueID string
}

// Twig returns the parameter's fully qualified address: its non-empty
// tags joined with "@".
func (p *Parameter) Twig() string {
	return strings.Join(p.tags(), "@")
}

// Constrained reports whether the parameter's value is derived from
// other parameters.
func (p *Parameter) Constrained() bool {
	return len(p.ConstrainedBy) > 0
}

// ClassName reports the parameter's class for get_parameter replies.
func (p *Parameter) ClassName() string {
	if name, ok := classNames[p.Kind]; ok {
		return name
	}
	return "Parameter"
}

// Quantity returns the value paired with its unit. ok is false for
// dimensionless parameters.
func (p *Parameter) Quantity() (Quantity, bool) {
	if p.Unit == UnitNone {
		return Quantity{}, false
	}
	return Quantity{Value: p.Value, Unit: p.Unit}, true
}

// Dict renders the parameter as a wire map in the shape get_parameter
// replies with.
func (p *Parameter) Dict() map[string]any {
	d := map[string]any{
		"qualifier":   p.Qualifier,
		"context":     p.Context,
		"kind":        string(p.Kind),
		"value":       p.Value,
		"description": p.Description,
		"uniqueid":    p.UniqueID,
	}
	if p.Component != "" {
		d["component"] = p.Component
	}
	if p.Dataset != "" {
		d["dataset"] = p.Dataset
	}
	if p.Unit != UnitNone {
		d["unit"] = p.Unit
	}
	if len(p.Choices) > 0 {
		d["choices"] = append([]string(nil), p.Choices...)
	}
	if len(p.ConstrainedBy) > 0 {
		d["constrained_by"] = append([]string(nil), p.ConstrainedBy...)
	}
	return d
}

func (p *Parameter) tags() []string {
	tags := make([]string, 0, 4)
	for _, tag := range []string{p.Qualifier, p.Component, p.Dataset, p.Context} {
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// matchesParts reports whether every twig part names one of the
// parameter's tags.
func (p *Parameter) matchesParts(parts []string) bool {
	for _, part := range parts {
		if part != p.Qualifier && part != p.Component && part != p.Dataset && part != p.Context {
			return false
		}
	}
	return true
}

// setValue coerces v to the parameter's kind and stores it.
func (p *Parameter) setValue(v any) error {
	coerced, err := coerceValue(p.Kind, v)
	if err != nil {
		return fmt.Errorf("parameter %s: %w", p.Twig(), err)
	}
	if p.Kind == KindChoice {
		choice := coerced.(string)
		if !contains(p.Choices, choice) {
			return fmt.Errorf("parameter %s: value %q not in choices %v", p.Twig(), choice, p.Choices)
		}
	}
	p.Value = coerced
	return nil
}

// coerceValue converts a decoded JSON value to the canonical Go type for
// the kind. All JSON numbers arrive as float64; integer kinds reject
// fractional values.
func coerceValue(kind Kind, v any) (any, error) {
	switch kind {
	case KindFloat:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("expected a number, got %T", v)
		}
		return f, nil
	case KindInt:
		f, ok := toFloat(v)
		if !ok || math.Trunc(f) != f {
			return nil, fmt.Errorf("expected an integer, got %v", v)
		}
		return int64(f), nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected a bool, got %T", v)
		}
		return b, nil
	case KindString, KindChoice:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", v)
		}
		return s, nil
	case KindFloatArray:
		fs, ok := toFloats(v)
		if !ok {
			return nil, fmt.Errorf("expected an array of numbers, got %T", v)
		}
		return fs, nil
	case KindStringArray:
		ss, ok := toStrings(v)
		if !ok {
			return nil, fmt.Errorf("expected an array of strings, got %T", v)
		}
		return ss, nil
	default:
		return nil, fmt.Errorf("unknown parameter kind %q", kind)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func toFloats(v any) ([]float64, bool) {
	switch vs := v.(type) {
	case []float64:
		return append([]float64(nil), vs...), true
	case []any:
		out := make([]float64, len(vs))
		for i, item := range vs {
			f, ok := toFloat(item)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	case nil:
		return []float64{}, true
	default:
		return nil, false
	}
}

func toStrings(v any) ([]string, bool) {
	switch vs := v.(type) {
	case []string:
		return append([]string(nil), vs...), true
	case []any:
		out := make([]string, len(vs))
		for i, item := range vs {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	case nil:
		return []string{}, true
	default:
		return nil, false
	}
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
