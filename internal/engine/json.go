package engine

import (
	"encoding/json"
	"fmt"
)

// bundleJSON is the serialized bundle shape. Unique ids are included so
// id-addressed clients survive a save/load cycle.
type bundleJSON struct {
	Parameters []parameterJSON `json:"parameters"`
	Datasets   []datasetJSON   `json:"datasets"`
}

type parameterJSON struct {
	Qualifier     string   `json:"qualifier"`
	Component     string   `json:"component,omitempty"`
	Dataset       string   `json:"dataset,omitempty"`
	Context       string   `json:"context"`
	Kind          Kind     `json:"kind"`
	Value         any      `json:"value"`
	Unit          Unit     `json:"unit,omitempty"`
	Description   string   `json:"description,omitempty"`
	Choices       []string `json:"choices,omitempty"`
	ConstrainedBy []string `json:"constrained_by,omitempty"`
	UniqueID      string   `json:"uniqueid"`
}

type datasetJSON struct {
	Name string      `json:"name"`
	Kind DatasetKind `json:"kind"`
}

// ToJSON serializes the whole bundle to a JSON string.
func (b *Bundle) ToJSON() (string, error) {
	doc := bundleJSON{
		Parameters: make([]parameterJSON, len(b.params)),
		Datasets:   make([]datasetJSON, len(b.datasets)),
	}
	for i, p := range b.params {
		doc.Parameters[i] = parameterJSON{
			Qualifier:     p.Qualifier,
			Component:     p.Component,
			Dataset:       p.Dataset,
			Context:       p.Context,
			Kind:          p.Kind,
			Value:         p.Value,
			Unit:          p.Unit,
			Description:   p.Description,
			Choices:       p.Choices,
			ConstrainedBy: p.ConstrainedBy,
			UniqueID:      p.UniqueID,
		}
	}
	for i, ds := range b.datasets {
		doc.Datasets[i] = datasetJSON{Name: ds.Name, Kind: ds.Kind}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("serializing bundle: %w", err)
	}
	return string(data), nil
}

// LoadJSON rebuilds a bundle from a ToJSON string. Values are coerced
// back to their kind's canonical type; parameters without a unique id
// are assigned a fresh one.
func LoadJSON(data string) (*Bundle, error) {
	var doc bundleJSON
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("parsing bundle: %w", err)
	}

	b := New()
	for i, pj := range doc.Parameters {
		if pj.Qualifier == "" {
			return nil, fmt.Errorf("bundle parameter %d: missing qualifier", i)
		}
		value, err := coerceValue(pj.Kind, pj.Value)
		if err != nil {
			return nil, fmt.Errorf("bundle parameter %s: %w", pj.Qualifier, err)
		}
		b.add(&Parameter{
			Qualifier:     pj.Qualifier,
			Component:     pj.Component,
			Dataset:       pj.Dataset,
			Context:       pj.Context,
			Kind:          pj.Kind,
			Value:         value,
			Unit:          pj.Unit,
			Description:   pj.Description,
			Choices:       pj.Choices,
			ConstrainedBy: pj.ConstrainedBy,
			UniqueID:      pj.UniqueID,
		})
	}
	for _, dj := range doc.Datasets {
		if dj.Kind != DatasetLC && dj.Kind != DatasetRV {
			return nil, fmt.Errorf("bundle dataset %q: unsupported kind %q", dj.Name, dj.Kind)
		}
		b.datasets = append(b.datasets, &Dataset{Name: dj.Name, Kind: dj.Kind})
	}

	b.runConstraints()
	return b, nil
}
