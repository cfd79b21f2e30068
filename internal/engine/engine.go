// Package engine implements the in-memory computation model the worker
// serves commands against: a binary-system parameter bundle with
// unit-bearing values, lc/rv datasets, and deterministic compute and
// solver passes. The engine knows nothing about sessions and keeps no
// state outside the bundle.
//
// A Bundle is not safe for concurrent use. The worker loop serves one
// request at a time, which is the whole concurrency story here.
package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Bundle holds the full parameter set and the dataset registry.
// Parameters keep insertion order so resolution and serialization are
// deterministic.
type Bundle struct {
	params   []*Parameter
	datasets []*Dataset
}

// New returns an empty bundle.
func New() *Bundle {
	return &Bundle{}
}

// Filter selects parameters by twig and explicit tags. Twig parts match
// any tag; explicit fields must match their own tag exactly. UniqueID
// short-circuits everything else.
type Filter struct {
	Twig      string
	UniqueID  string
	Qualifier string
	Component string
	Dataset   string
	Context   string
}

// String renders the filter the way errors refer to it.
func (f Filter) String() string {
	if f.UniqueID != "" {
		return "uniqueid=" + f.UniqueID
	}
	parts := splitTwig(f.Twig)
	for _, tag := range []string{f.Qualifier, f.Component, f.Dataset, f.Context} {
		if tag != "" {
			parts = append(parts, tag)
		}
	}
	return strings.Join(parts, "@")
}

func (f Filter) empty() bool {
	return f.Twig == "" && f.UniqueID == "" && f.Qualifier == "" &&
		f.Component == "" && f.Dataset == "" && f.Context == ""
}

// Match returns every parameter the filter selects, in bundle order.
func (b *Bundle) Match(f Filter) []*Parameter {
	if f.UniqueID != "" {
		for _, p := range b.params {
			if p.UniqueID == f.UniqueID {
				return []*Parameter{p}
			}
		}
		return nil
	}

	parts := splitTwig(f.Twig)
	var out []*Parameter
	for _, p := range b.params {
		if !p.matchesParts(parts) {
			continue
		}
		if f.Qualifier != "" && p.Qualifier != f.Qualifier {
			continue
		}
		if f.Component != "" && p.Component != f.Component {
			continue
		}
		if f.Dataset != "" && p.Dataset != f.Dataset {
			continue
		}
		if f.Context != "" && p.Context != f.Context {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Get resolves the filter to exactly one parameter.
func (b *Bundle) Get(f Filter) (*Parameter, error) {
	if f.empty() {
		return nil, fmt.Errorf("empty parameter filter")
	}
	matches := b.Match(f)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no parameter matches %q", f.String())
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%q matches %d parameters, narrow the twig", f.String(), len(matches))
	}
}

// Value returns the resolved parameter's value.
func (b *Bundle) Value(f Filter) (any, error) {
	p, err := b.Get(f)
	if err != nil {
		return nil, err
	}
	return p.Value, nil
}

// SetValue resolves the filter and stores a new value. Constrained
// parameters reject direct writes; dependent constrained values are
// recomputed after every successful set.
func (b *Bundle) SetValue(f Filter, value any) error {
	p, err := b.Get(f)
	if err != nil {
		return err
	}
	if p.Constrained() {
		return fmt.Errorf("cannot set %s: value is constrained by %s",
			p.Twig(), strings.Join(p.ConstrainedBy, ", "))
	}
	if err := p.setValue(value); err != nil {
		return err
	}
	b.runConstraints()
	return nil
}

// ParameterSpec describes one parameter for AttachParameters. PType is
// one of choice, int, float, bool, string.
type ParameterSpec struct {
	PType       string
	Qualifier   string
	Value       any
	Description string
	Choices     []string
	Context     string
	Component   string
	Dataset     string
}

// attachableKinds is the parameter type set clients may attach.
var attachableKinds = map[string]Kind{
	"choice": KindChoice,
	"int":    KindInt,
	"float":  KindFloat,
	"bool":   KindBool,
	"string": KindString,
}

// AttachParameters adds client-defined parameters to the bundle and
// returns their unique ids in spec order. Specs without a context land
// in "ui". The bundle is unchanged when any spec is invalid.
func (b *Bundle) AttachParameters(specs []ParameterSpec) ([]string, error) {
	attached := make([]*Parameter, 0, len(specs))
	for i, spec := range specs {
		p, err := b.buildParameter(spec, attached)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		attached = append(attached, p)
	}

	ids := make([]string, len(attached))
	for i, p := range attached {
		b.params = append(b.params, p)
		ids[i] = p.UniqueID
	}
	return ids, nil
}

func (b *Bundle) buildParameter(spec ParameterSpec, pending []*Parameter) (*Parameter, error) {
	kind, ok := attachableKinds[spec.PType]
	if !ok {
		return nil, fmt.Errorf("unsupported parameter type: %q", spec.PType)
	}
	if spec.Qualifier == "" {
		return nil, fmt.Errorf("missing qualifier")
	}
	if kind == KindChoice && len(spec.Choices) == 0 {
		return nil, fmt.Errorf("choice parameter %s requires choices", spec.Qualifier)
	}

	context := spec.Context
	if context == "" {
		context = "ui"
	}

	p := &Parameter{
		Qualifier:   spec.Qualifier,
		Component:   spec.Component,
		Dataset:     spec.Dataset,
		Context:     context,
		Kind:        kind,
		Unit:        UnitNone,
		Description: spec.Description,
		Choices:     append([]string(nil), spec.Choices...),
		UniqueID:    newUniqueID(),
	}
	if err := p.setValue(spec.Value); err != nil {
		return nil, err
	}

	for _, existing := range b.params {
		if sameAddress(existing, p) {
			return nil, fmt.Errorf("parameter %s already exists", p.Twig())
		}
	}
	for _, queued := range pending {
		if sameAddress(queued, p) {
			return nil, fmt.Errorf("parameter %s repeated in request", p.Twig())
		}
	}
	return p, nil
}

func sameAddress(a, b *Parameter) bool {
	return a.Qualifier == b.Qualifier && a.Component == b.Component &&
		a.Dataset == b.Dataset && a.Context == b.Context
}

// add appends a parameter, assigning a unique id when absent.
func (b *Bundle) add(p *Parameter) *Parameter {
	if p.UniqueID == "" {
		p.UniqueID = newUniqueID()
	}
	b.params = append(b.params, p)
	return p
}

// lookup is Get without error shaping, for internal constraint wiring.
func (b *Bundle) lookup(twig string) *Parameter {
	matches := b.Match(Filter{Twig: twig})
	if len(matches) != 1 {
		return nil
	}
	return matches[0]
}

func (b *Bundle) floatValue(twig string) (float64, bool) {
	p := b.lookup(twig)
	if p == nil {
		return 0, false
	}
	f, ok := toFloat(p.Value)
	return f, ok
}

func splitTwig(twig string) []string {
	if twig == "" {
		return nil
	}
	var parts []string
	for _, part := range strings.Split(twig, "@") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func newUniqueID() string {
	return uuid.NewString()
}
