package worker

import (
	"fmt"

	"github.com/zjrosen/orrery/internal/engine"
)

// handlerFunc executes one command against the bundle. The returned
// value is normalized and marshalled into the reply envelope; an error
// becomes an error envelope verbatim.
type handlerFunc func(args map[string]any) (any, error)

func (s *Server) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		"ping":                     s.handlePing,
		"get_parameter":            s.handleGetParameter,
		"get_value":                s.handleGetValue,
		"set_value":                s.handleSetValue,
		"add_dataset":              s.handleAddDataset,
		"remove_dataset":           s.handleRemoveDataset,
		"run_compute":              s.handleRunCompute,
		"run_solver":               s.handleRunSolver,
		"get_bundle":               s.handleGetBundle,
		"load_bundle":              s.handleLoadBundle,
		"save_bundle":              s.handleGetBundle,
		"get_datasets":             s.handleGetDatasets,
		"get_uniqueid":             s.handleGetUniqueID,
		"is_parameter_constrained": s.handleIsConstrained,
		"attach_parameters":        s.handleAttachParameters,
	}
}

// handlePing answers the readiness probe.
func (s *Server) handlePing(map[string]any) (any, error) {
	return map[string]any{"status": "ready"}, nil
}

func (s *Server) handleGetParameter(args map[string]any) (any, error) {
	p, err := s.bundle.Get(filterFrom(args))
	if err != nil {
		return nil, err
	}
	dict := p.Dict()
	dict["Class"] = p.ClassName()
	return dict, nil
}

func (s *Server) handleGetValue(args map[string]any) (any, error) {
	return s.bundle.Value(filterFrom(args))
}

func (s *Server) handleSetValue(args map[string]any) (any, error) {
	value, ok := args["value"]
	if !ok {
		return nil, fmt.Errorf("set_value requires a 'value' argument")
	}
	if err := s.bundle.SetValue(filterFrom(args), value); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) handleAddDataset(args map[string]any) (any, error) {
	kind, err := requireString(args, "kind", "add_dataset")
	if err != nil {
		return nil, err
	}
	times, err := floatsArg(args, "times")
	if err != nil {
		return nil, fmt.Errorf("add_dataset: %w", err)
	}
	if _, err := s.bundle.AddDataset(engine.DatasetKind(kind), stringArg(args, "dataset"), times); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) handleRemoveDataset(args map[string]any) (any, error) {
	name, err := requireString(args, "dataset", "remove_dataset")
	if err != nil {
		return nil, err
	}
	if err := s.bundle.RemoveDataset(name); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// handleRunCompute synthesizes the model and gathers per-dataset curves:
// times and phases always, fluxes for lc, component rvs for rv.
func (s *Server) handleRunCompute(map[string]any) (any, error) {
	if err := s.bundle.RunCompute(); err != nil {
		return nil, err
	}

	datasetValue := func(name, qualifier string) (any, error) {
		return s.bundle.Value(engine.Filter{Qualifier: qualifier, Dataset: name, Context: "dataset"})
	}
	modelValue := func(name, qualifier, component string) (any, error) {
		return s.bundle.Value(engine.Filter{
			Qualifier: qualifier, Component: component, Dataset: name, Context: "model",
		})
	}

	model := make(map[string]any)
	for _, ds := range s.bundle.Datasets() {
		times, err := datasetValue(ds.Name, "compute_times")
		if err != nil {
			return nil, err
		}
		phases, err := datasetValue(ds.Name, "compute_phases")
		if err != nil {
			return nil, err
		}
		entry := map[string]any{"times": times, "phases": phases}

		switch ds.Kind {
		case engine.DatasetLC:
			if entry["fluxes"], err = modelValue(ds.Name, "fluxes", ""); err != nil {
				return nil, err
			}
		case engine.DatasetRV:
			if entry["rv1s"], err = modelValue(ds.Name, "rvs", "primary"); err != nil {
				return nil, err
			}
			if entry["rv2s"], err = modelValue(ds.Name, "rvs", "secondary"); err != nil {
				return nil, err
			}
		}
		model[ds.Name] = entry
	}
	return map[string]any{"model": model}, nil
}

func (s *Server) handleRunSolver(args map[string]any) (any, error) {
	fitTwigs, err := stringsArg(args, "fit_parameters")
	if err != nil {
		return nil, fmt.Errorf("run_solver: %w", err)
	}
	solution, err := s.bundle.RunSolver(stringArg(args, "solver"), fitTwigs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"solution": solution}, nil
}

// handleGetBundle serves both get_bundle and save_bundle: the bundle
// state as a JSON string inside the envelope.
func (s *Server) handleGetBundle(map[string]any) (any, error) {
	doc, err := s.bundle.ToJSON()
	if err != nil {
		return nil, err
	}
	return map[string]any{"bundle": doc}, nil
}

func (s *Server) handleLoadBundle(args map[string]any) (any, error) {
	doc, err := requireString(args, "bundle", "load_bundle")
	if err != nil {
		return nil, err
	}
	bundle, err := engine.LoadJSON(doc)
	if err != nil {
		return nil, err
	}
	s.bundle = bundle
	return map[string]any{}, nil
}

func (s *Server) handleGetDatasets(map[string]any) (any, error) {
	datasets := make(map[string]any)
	for _, ds := range s.bundle.Datasets() {
		datasets[ds.Name] = map[string]any{"kind": string(ds.Kind)}
	}
	return map[string]any{"datasets": datasets}, nil
}

func (s *Server) handleGetUniqueID(args map[string]any) (any, error) {
	twig, err := requireString(args, "twig", "get_uniqueid")
	if err != nil {
		return nil, err
	}
	p, err := s.bundle.Get(engine.Filter{Twig: twig})
	if err != nil {
		return nil, err
	}
	return p.UniqueID, nil
}

func (s *Server) handleIsConstrained(args map[string]any) (any, error) {
	p, err := s.bundle.Get(filterFrom(args))
	if err != nil {
		return nil, err
	}
	return p.Constrained(), nil
}

func (s *Server) handleAttachParameters(args map[string]any) (any, error) {
	raw, ok := args["parameters"].([]any)
	if !ok {
		return nil, fmt.Errorf("attach_parameters requires a 'parameters' list")
	}

	specs := make([]engine.ParameterSpec, len(raw))
	for i, item := range raw {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("attach_parameters: parameter %d is not an object", i)
		}
		choices, err := stringsArg(fields, "choices")
		if err != nil {
			return nil, fmt.Errorf("attach_parameters: parameter %d: %w", i, err)
		}
		specs[i] = engine.ParameterSpec{
			PType:       stringArg(fields, "ptype"),
			Qualifier:   stringArg(fields, "qualifier"),
			Value:       fields["value"],
			Description: stringArg(fields, "description"),
			Choices:     choices,
			Context:     stringArg(fields, "context"),
			Component:   stringArg(fields, "component"),
			Dataset:     stringArg(fields, "dataset"),
		}
	}

	ids, err := s.bundle.AttachParameters(specs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"unique_ids": ids}, nil
}

// filterFrom reads the shared addressing arguments. Missing keys stay
// zero; extra keys (like set_value's value) are ignored.
func filterFrom(args map[string]any) engine.Filter {
	return engine.Filter{
		Twig:      stringArg(args, "twig"),
		UniqueID:  stringArg(args, "uniqueid"),
		Qualifier: stringArg(args, "qualifier"),
		Component: stringArg(args, "component"),
		Dataset:   stringArg(args, "dataset"),
		Context:   stringArg(args, "context"),
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func requireString(args map[string]any, key, command string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%s requires a '%s' argument", command, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: '%s' must be a string, got %T", command, key, v)
	}
	return s, nil
}

// floatsArg reads an optional JSON number array. Absent keys yield nil.
func floatsArg(args map[string]any, key string) ([]float64, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("'%s' must be an array of numbers, got %T", key, v)
	}
	out := make([]float64, len(items))
	for i, item := range items {
		f, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("'%s'[%d] must be a number, got %T", key, i, item)
		}
		out[i] = f
	}
	return out, nil
}

// stringsArg reads an optional JSON string array. Absent keys yield nil.
func stringsArg(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("'%s' must be an array of strings, got %T", key, v)
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("'%s'[%d] must be a string, got %T", key, i, item)
		}
		out[i] = s
	}
	return out, nil
}
